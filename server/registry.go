package server

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/prism-mcp/prism/protocol"
	"github.com/yosida95/uritemplate/v3"
)

// Kind identifies a capability family in the registry.
type Kind string

// Capability kinds.
const (
	KindTool       Kind = "tool"
	KindResource   Kind = "resource"
	KindPrompt     Kind = "prompt"
	KindCompletion Kind = "completion"
	KindRoot       Kind = "root"
)

// ListPageSize caps list results; larger sets page via opaque cursors.
const ListPageSize = 100

// ErrDuplicateName is wrapped into registration failures for existing names.
var ErrDuplicateName = fmt.Errorf("duplicate name")

// Entry is one registered capability. Names are unique within their kind for
// the lifetime of a session; entries contributed by plugins carry their
// origin so unload can revoke them atomically.
type Entry struct {
	Kind         Kind
	Name         string
	Payload      any // protocol.Tool, protocol.Resource, protocol.Prompt, ...
	Handler      any // kind-specific handler func
	PluginOrigin string
}

// templateEntry is a registered resource template with its compiled matcher.
type templateEntry struct {
	template protocol.ResourceTemplate
	matcher  *uritemplate.Template
	handler  ResourceHandler
	origin   string
}

// ChangedFunc observes registry mutations for one kind.
type ChangedFunc func(kind Kind)

// Registry holds the registered tools, resources, prompts, and completions.
// Mutations take a short writer lock; list reads work against a snapshot
// taken under the read lock, so pages stay consistent while handlers run.
type Registry struct {
	mu        sync.RWMutex
	entries   map[Kind]map[string]*Entry
	templates map[string]*templateEntry

	changed ChangedFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: map[Kind]map[string]*Entry{
			KindTool: {}, KindResource: {}, KindPrompt: {}, KindCompletion: {}, KindRoot: {},
		},
		templates: make(map[string]*templateEntry),
	}
}

// SetChangedCallback installs the mutation observer. The server uses this to
// emit */list_changed notifications after each mutation commits.
func (r *Registry) SetChangedCallback(fn ChangedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = fn
}

// Register adds an entry, failing with ErrDuplicateName when the (kind,name)
// pair exists. Empty names fail here, not at dispatch.
func (r *Registry) Register(entry *Entry) error {
	if entry.Name == "" {
		return fmt.Errorf("cannot register %s with empty name", entry.Kind)
	}
	r.mu.Lock()
	byName, ok := r.entries[entry.Kind]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown capability kind %q", entry.Kind)
	}
	if _, exists := byName[entry.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %q already registered", ErrDuplicateName, entry.Kind, entry.Name)
	}
	byName[entry.Name] = entry
	changed := r.changed
	r.mu.Unlock()

	// Notify after the mutation commits, outside the lock.
	if changed != nil {
		changed(entry.Kind)
	}
	return nil
}

// Unregister removes an entry by name. It succeeds whether or not the entry
// exists; the change notification fires only when something was removed.
func (r *Registry) Unregister(kind Kind, name string) {
	r.mu.Lock()
	byName := r.entries[kind]
	_, existed := byName[name]
	delete(byName, name)
	changed := r.changed
	r.mu.Unlock()

	if existed && changed != nil {
		changed(kind)
	}
}

// UnregisterByOrigin removes every entry a plugin contributed, emitting at
// most one change notification per affected kind.
func (r *Registry) UnregisterByOrigin(origin string) {
	r.mu.Lock()
	affected := map[Kind]bool{}
	for kind, byName := range r.entries {
		for name, entry := range byName {
			if entry.PluginOrigin == origin {
				delete(byName, name)
				affected[kind] = true
			}
		}
	}
	for pattern, tmpl := range r.templates {
		if tmpl.origin == origin {
			delete(r.templates, pattern)
			affected[KindResource] = true
		}
	}
	changed := r.changed
	r.mu.Unlock()

	if changed != nil {
		for kind := range affected {
			changed(kind)
		}
	}
}

// Get returns the entry or false when absent.
func (r *Registry) Get(kind Kind, name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[kind][name]
	return entry, ok
}

// List returns one page of entries ordered by name plus the cursor for the
// next page ("" when exhausted). The page is a consistent snapshot: no
// duplicate names, no torn entries.
func (r *Registry) List(kind Kind, cursor string) ([]*Entry, string, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	byName := r.entries[kind]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	snapshot := make([]*Entry, 0, len(names))
	for _, name := range names {
		snapshot = append(snapshot, byName[name])
	}
	r.mu.RUnlock()

	if offset >= len(snapshot) {
		return []*Entry{}, "", nil
	}
	end := offset + ListPageSize
	next := ""
	if end < len(snapshot) {
		next = encodeCursor(end)
	} else {
		end = len(snapshot)
	}
	return snapshot[offset:end], next, nil
}

// Count reports the number of entries for a kind.
func (r *Registry) Count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[kind])
}

// RegisterTemplate adds a resource template addressed by an RFC 6570 URI
// pattern.
func (r *Registry) RegisterTemplate(tmpl protocol.ResourceTemplate, handler ResourceHandler, origin string) error {
	if tmpl.URITemplate == "" {
		return fmt.Errorf("cannot register resource template with empty pattern")
	}
	compiled, err := uritemplate.New(tmpl.URITemplate)
	if err != nil {
		return fmt.Errorf("invalid URI template pattern %q: %w", tmpl.URITemplate, err)
	}

	r.mu.Lock()
	if _, exists := r.templates[tmpl.URITemplate]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: resource template %q already registered", ErrDuplicateName, tmpl.URITemplate)
	}
	r.templates[tmpl.URITemplate] = &templateEntry{
		template: tmpl,
		matcher:  compiled,
		handler:  handler,
		origin:   origin,
	}
	changed := r.changed
	r.mu.Unlock()

	if changed != nil {
		changed(KindResource)
	}
	return nil
}

// ListTemplates returns one page of resource templates ordered by pattern.
func (r *Registry) ListTemplates(cursor string) ([]protocol.ResourceTemplate, string, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	patterns := make([]string, 0, len(r.templates))
	for pattern := range r.templates {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	snapshot := make([]protocol.ResourceTemplate, 0, len(patterns))
	for _, pattern := range patterns {
		snapshot = append(snapshot, r.templates[pattern].template)
	}
	r.mu.RUnlock()

	if offset >= len(snapshot) {
		return []protocol.ResourceTemplate{}, "", nil
	}
	end := offset + ListPageSize
	next := ""
	if end < len(snapshot) {
		next = encodeCursor(end)
	} else {
		end = len(snapshot)
	}
	return snapshot[offset:end], next, nil
}

// MatchTemplate finds the template matching a concrete URI, returning the
// extracted variables.
func (r *Registry) MatchTemplate(uri string) (*templateEntry, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tmpl := range r.templates {
		values := tmpl.matcher.Match(uri)
		if values == nil {
			continue
		}
		vars := make(map[string]string, len(values))
		for _, name := range tmpl.matcher.Varnames() {
			vars[name] = values.Get(name).String()
		}
		return tmpl, vars, true
	}
	return nil, nil, false
}

// Cursors are opaque base64 offsets. Clients must treat them as tokens; the
// encoding may change.
func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, protocol.NewInvalidParamsError("malformed cursor")
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, protocol.NewInvalidParamsError("malformed cursor")
	}
	return offset, nil
}
