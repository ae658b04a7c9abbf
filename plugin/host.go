package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prism-mcp/prism/logx"
	"github.com/prism-mcp/prism/protocol"
	"github.com/prism-mcp/prism/server"
	"github.com/prism-mcp/prism/types"
)

// SDKVersion is the host-side SDK version checked against plugin
// requirements.
const SDKVersion = "0.1.0"

// Defaults for drain and crash accounting.
const (
	DefaultDrainTimeout = 30 * time.Second
	DefaultCrashBudget  = 3
	DefaultCrashWindow  = 60 * time.Second
)

// State is the lifecycle state of a loaded plugin.
type State int32

// Plugin states. Unloaded is reached only once the in-flight count is zero
// (or the drain deadline forced it); it is terminal until the next explicit
// Load.
const (
	StateLoading State = iota
	StateReady
	StateDraining
	StateUnloaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateUnloaded:
		return "unloaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event describes a plugin lifecycle transition for observers.
type Event struct {
	Plugin string
	State  State
	Err    error
}

// record is the host's bookkeeping for one plugin.
type record struct {
	name     string
	manifest *Manifest
	path     string

	mu      sync.Mutex // serializes lifecycle transitions
	state   atomic.Int32
	entry   EntryFunc
	exports []string // namespaced registry names, revoked on unload

	// instMu guards the instance pointer; callers copy it out and never hold
	// the lock across a plugin entry point, so a forced unload is never
	// blocked by a stuck call.
	instMu   sync.RWMutex
	instance Instance

	// callMu serializes entry-point calls for non-reentrant plugins.
	callMu    sync.Mutex
	reentrant bool

	inflight atomic.Int64
	idle     chan struct{} // signaled when inflight returns to zero

	crashMu sync.Mutex
	crashes []time.Time
}

func (r *record) getState() State  { return State(r.state.Load()) }
func (r *record) setState(s State) { r.state.Store(int32(s)) }

func (r *record) getInstance() Instance {
	r.instMu.RLock()
	defer r.instMu.RUnlock()
	return r.instance
}

func (r *record) setInstance(inst Instance) Instance {
	r.instMu.Lock()
	defer r.instMu.Unlock()
	old := r.instance
	r.instance = inst
	return old
}

// Host discovers, loads, and supervises plugins, projecting their exports
// into the server's capability registry.
type Host struct {
	dir    string
	srv    *server.Server
	logger types.Logger
	loader Loader

	drainTimeout time.Duration
	crashBudget  int
	crashWindow  time.Duration

	configMu sync.RWMutex
	configs  map[string]json.RawMessage // per-plugin config blobs

	mu      sync.RWMutex
	plugins map[string]*record

	eventMu  sync.RWMutex
	onEvents []func(Event)
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLoader injects a custom library loader (tests use in-memory loaders).
func WithLoader(l Loader) HostOption {
	return func(h *Host) { h.loader = l }
}

// WithHostLogger injects the logger seam.
func WithHostLogger(logger types.Logger) HostOption {
	return func(h *Host) { h.logger = logger }
}

// WithDrainTimeout overrides the 30s hot-reload drain deadline.
func WithDrainTimeout(d time.Duration) HostOption {
	return func(h *Host) { h.drainTimeout = d }
}

// WithCrashBudget overrides the crash quarantine threshold (crashes within
// window).
func WithCrashBudget(crashes int, window time.Duration) HostOption {
	return func(h *Host) {
		h.crashBudget = crashes
		h.crashWindow = window
	}
}

// WithPluginConfig supplies the config blob delivered to a plugin's
// Configure during load.
func WithPluginConfig(plugin string, config json.RawMessage) HostOption {
	return func(h *Host) { h.configs[plugin] = config }
}

// NewHost creates a plugin host bound to a server and a plugin directory.
func NewHost(dir string, srv *server.Server, opts ...HostOption) *Host {
	h := &Host{
		dir:          dir,
		srv:          srv,
		logger:       logx.NewDefaultLogger(),
		loader:       NewLoader(),
		drainTimeout: DefaultDrainTimeout,
		crashBudget:  DefaultCrashBudget,
		crashWindow:  DefaultCrashWindow,
		configs:      make(map[string]json.RawMessage),
		plugins:      make(map[string]*record),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "plugin-host")
	srv.SetPluginFaultObserver(h.RecordFault)
	return h
}

// OnEvent registers a lifecycle observer.
func (h *Host) OnEvent(fn func(Event)) {
	h.eventMu.Lock()
	defer h.eventMu.Unlock()
	h.onEvents = append(h.onEvents, fn)
}

func (h *Host) emit(ev Event) {
	h.eventMu.RLock()
	fns := make([]func(Event), len(h.onEvents))
	copy(fns, h.onEvents)
	h.eventMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Scan enumerates the plugin directory and loads every plugin with a valid
// manifest. Manifest parse failures are logged and skipped; load failures
// mark the plugin Failed but do not abort the scan.
func (h *Host) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return fmt.Errorf("failed to scan plugin directory %s: %w", h.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ManifestSuffix) {
			continue
		}
		manifestPath := filepath.Join(h.dir, entry.Name())
		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			h.logger.Warn("skipping plugin: %v", err)
			continue
		}
		if _, loaded := h.get(manifest.Name); loaded {
			continue
		}
		if err := h.Load(ctx, manifest); err != nil {
			h.logger.Error("failed to load plugin %s: %v", manifest.Name, err)
		}
	}
	return nil
}

func (h *Host) get(name string) (*record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.plugins[name]
	return rec, ok
}

// Load opens, initializes, configures, and registers one plugin described by
// its manifest.
func (h *Host) Load(ctx context.Context, manifest *Manifest) error {
	name := manifest.Name

	h.mu.Lock()
	if existing, ok := h.plugins[name]; ok && existing.getState() != StateUnloaded && existing.getState() != StateFailed {
		h.mu.Unlock()
		return fmt.Errorf("plugin %s is already loaded", name)
	}
	rec := &record{
		name:     name,
		manifest: manifest,
		path:     h.resolveEntryPoint(manifest),
		idle:     make(chan struct{}, 1),
	}
	rec.setState(StateLoading)
	h.plugins[name] = rec
	h.mu.Unlock()

	if err := h.loadInto(ctx, rec); err != nil {
		rec.setState(StateFailed)
		h.emit(Event{Plugin: name, State: StateFailed, Err: err})
		return err
	}
	rec.setState(StateReady)
	h.emit(Event{Plugin: name, State: StateReady})
	h.logger.Info("loaded plugin %s %s (%d exports)", name, manifest.Version, len(rec.exports))
	return nil
}

func (h *Host) resolveEntryPoint(manifest *Manifest) string {
	if filepath.IsAbs(manifest.EntryPoint) {
		return manifest.EntryPoint
	}
	return filepath.Join(h.dir, manifest.EntryPoint)
}

func (h *Host) loadInto(ctx context.Context, rec *record) error {
	if err := rec.manifest.CompatibleWith(SDKVersion); err != nil {
		return err
	}

	entry, err := h.loader.Open(rec.path)
	if err != nil {
		return err
	}
	desc := entry()
	if desc == nil {
		return fmt.Errorf("plugin %s entry returned nil descriptor", rec.name)
	}
	if desc.ABIVersion < ABIVersionMin || desc.ABIVersion > ABIVersionMax {
		return fmt.Errorf("plugin %s has incompatible ABI version %d (host accepts %d..%d)",
			rec.name, desc.ABIVersion, ABIVersionMin, ABIVersionMax)
	}
	if desc.Metadata != nil {
		meta := desc.Metadata()
		if meta.Name != "" && meta.Name != rec.name {
			return fmt.Errorf("plugin metadata name %q does not match manifest name %q", meta.Name, rec.name)
		}
	}
	if desc.New == nil {
		return fmt.Errorf("plugin %s descriptor has no constructor", rec.name)
	}

	rec.entry = entry
	rec.reentrant = desc.Reentrant
	instance := desc.New()
	if instance == nil {
		return fmt.Errorf("plugin %s constructor returned nil", rec.name)
	}

	if err := h.guardLifecycle(rec, func() error { return instance.Initialize(ctx) }); err != nil {
		return fmt.Errorf("plugin %s initialize failed: %w", rec.name, err)
	}
	h.configMu.RLock()
	config := h.configs[rec.name]
	h.configMu.RUnlock()
	if config != nil {
		if err := h.guardLifecycle(rec, func() error { return instance.Configure(ctx, config) }); err != nil {
			return fmt.Errorf("plugin %s configure failed: %w", rec.name, err)
		}
	}

	var exports []Export
	if err := h.guardLifecycle(rec, func() (err error) {
		exports, err = instance.Exports()
		return err
	}); err != nil {
		return fmt.Errorf("plugin %s export enumeration failed: %w", rec.name, err)
	}

	rec.setInstance(instance)
	if err := h.registerExports(rec, exports); err != nil {
		rec.setInstance(nil)
		return err
	}
	return nil
}

// registerExports projects the plugin's exports into the server registry.
// Tool, prompt and completion exports are namespaced as <plugin>.<name>;
// resource exports are registered under their URI unprefixed. A collision on
// the registered name rejects the plugin.
func (h *Host) registerExports(rec *record, exports []Export) error {
	registry := h.srv.Registry()
	var registered []string
	rollback := func() {
		registry.UnregisterByOrigin(rec.name)
	}

	for _, export := range exports {
		namespaced := rec.name + "." + export.Name
		entry, err := h.buildEntry(rec, export, namespaced)
		if err != nil {
			rollback()
			return err
		}
		if err := registry.Register(entry); err != nil {
			rollback()
			return fmt.Errorf("plugin %s export %s rejected: %w", rec.name, namespaced, err)
		}
		registered = append(registered, namespaced)
	}
	rec.exports = registered
	return nil
}

func (h *Host) buildEntry(rec *record, export Export, namespaced string) (*server.Entry, error) {
	switch export.Kind {
	case "tool":
		var tool protocol.Tool
		if err := json.Unmarshal(export.Definition, &tool); err != nil {
			return nil, fmt.Errorf("plugin %s tool %s has invalid definition: %w", rec.name, export.Name, err)
		}
		tool.Name = namespaced
		exportName := export.Name
		handler := server.ToolHandler(func(ctx *server.Context, args []byte) (*protocol.CallToolResult, error) {
			out, err := h.call(ctx.Ctx(), rec, "tool", exportName, args)
			if err != nil {
				return nil, err
			}
			var result protocol.CallToolResult
			if err := json.Unmarshal(out, &result); err != nil {
				return nil, fmt.Errorf("plugin %s returned malformed tool result: %w", rec.name, err)
			}
			return &result, nil
		})
		return &server.Entry{Kind: server.KindTool, Name: namespaced, Payload: tool, Handler: handler, PluginOrigin: rec.name}, nil

	case "resource":
		var resource protocol.Resource
		if err := json.Unmarshal(export.Definition, &resource); err != nil {
			return nil, fmt.Errorf("plugin %s resource %s has invalid definition: %w", rec.name, export.Name, err)
		}
		exportName := export.Name
		handler := server.ResourceHandler(func(ctx *server.Context, uri string, vars map[string]string) ([]protocol.ResourceContents, error) {
			params, _ := json.Marshal(map[string]any{"uri": uri, "vars": vars})
			out, err := h.call(ctx.Ctx(), rec, "resource", exportName, params)
			if err != nil {
				return nil, err
			}
			var contents []protocol.ResourceContents
			if err := json.Unmarshal(out, &contents); err != nil {
				return nil, fmt.Errorf("plugin %s returned malformed resource contents: %w", rec.name, err)
			}
			return contents, nil
		})
		// Resources are keyed by URI; the URI itself stays as exported, the
		// registry entry is still revocable by origin.
		return &server.Entry{Kind: server.KindResource, Name: resource.URI, Payload: resource, Handler: handler, PluginOrigin: rec.name}, nil

	case "prompt":
		var prompt protocol.Prompt
		if err := json.Unmarshal(export.Definition, &prompt); err != nil {
			return nil, fmt.Errorf("plugin %s prompt %s has invalid definition: %w", rec.name, export.Name, err)
		}
		prompt.Name = namespaced
		exportName := export.Name
		handler := server.PromptHandler(func(ctx *server.Context, args map[string]string) (*protocol.GetPromptResult, error) {
			params, _ := json.Marshal(args)
			out, err := h.call(ctx.Ctx(), rec, "prompt", exportName, params)
			if err != nil {
				return nil, err
			}
			var result protocol.GetPromptResult
			if err := json.Unmarshal(out, &result); err != nil {
				return nil, fmt.Errorf("plugin %s returned malformed prompt result: %w", rec.name, err)
			}
			return &result, nil
		})
		return &server.Entry{Kind: server.KindPrompt, Name: namespaced, Payload: prompt, Handler: handler, PluginOrigin: rec.name}, nil

	case "completion":
		exportName := export.Name
		handler := server.CompletionHandler(func(ctx *server.Context, params protocol.CompleteParams) (protocol.Completion, error) {
			raw, _ := json.Marshal(params)
			out, err := h.call(ctx.Ctx(), rec, "completion", exportName, raw)
			if err != nil {
				return protocol.Completion{}, err
			}
			var completion protocol.Completion
			if err := json.Unmarshal(out, &completion); err != nil {
				return protocol.Completion{}, fmt.Errorf("plugin %s returned malformed completion: %w", rec.name, err)
			}
			return completion, nil
		})
		return &server.Entry{Kind: server.KindCompletion, Name: namespaced, Payload: namespaced, Handler: handler, PluginOrigin: rec.name}, nil

	default:
		return nil, fmt.Errorf("plugin %s export %s has unknown kind %q", rec.name, export.Name, export.Kind)
	}
}

// call is the guarded entry into a plugin. It tracks the in-flight count,
// converts panics into PluginFault, and refuses calls once the plugin left
// Ready.
func (h *Host) call(ctx context.Context, rec *record, kind, name string, params []byte) (out []byte, err error) {
	if rec.getState() != StateReady {
		return nil, protocol.NewMCPError(protocol.CodePluginUnloaded,
			fmt.Sprintf("plugin %s is %s", rec.name, rec.getState()), nil)
	}
	rec.inflight.Add(1)
	defer func() {
		if rec.inflight.Add(-1) == 0 {
			select {
			case rec.idle <- struct{}{}:
			default:
			}
		}
		if r := recover(); r != nil {
			h.logger.Error("plugin %s panicked in %s %s: %v", rec.name, kind, name, r)
			h.RecordFault(rec.name)
			out = nil
			err = protocol.NewMCPError(protocol.CodePluginFault,
				fmt.Sprintf("plugin %s faulted", rec.name), nil)
		}
	}()

	if !rec.reentrant {
		rec.callMu.Lock()
		defer rec.callMu.Unlock()
	}

	instance := rec.getInstance()
	if instance == nil {
		return nil, protocol.NewMCPError(protocol.CodePluginUnloaded,
			fmt.Sprintf("plugin %s is unloaded", rec.name), nil)
	}
	out, err = instance.Call(ctx, kind, name, params)
	if rec.getState() == StateUnloaded {
		// The drain deadline passed while this call ran; its result is
		// forcibly discarded.
		return nil, protocol.NewMCPError(protocol.CodePluginUnloaded,
			fmt.Sprintf("plugin %s unloaded during call", rec.name), nil)
	}
	return out, err
}

// guardLifecycle wraps lifecycle entry points (initialize, configure,
// shutdown, exports) with the same panic containment as capability calls.
func (h *Host) guardLifecycle(rec *record, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("plugin %s panicked during lifecycle call: %v", rec.name, r)
			h.RecordFault(rec.name)
			err = protocol.NewMCPError(protocol.CodePluginFault,
				fmt.Sprintf("plugin %s faulted", rec.name), nil)
		}
	}()
	return fn()
}

// RecordFault adds one crash strike. A plugin reaching the budget within
// the window is quarantined: its entries are unregistered and its state
// becomes Failed.
func (h *Host) RecordFault(name string) {
	rec, ok := h.get(name)
	if !ok {
		return
	}
	now := time.Now()
	rec.crashMu.Lock()
	cutoff := now.Add(-h.crashWindow)
	kept := rec.crashes[:0]
	for _, t := range rec.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.crashes = append(kept, now)
	over := len(rec.crashes) >= h.crashBudget
	rec.crashMu.Unlock()

	if over {
		h.quarantine(rec)
	}
}

func (h *Host) quarantine(rec *record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if state := rec.getState(); state == StateFailed || state == StateUnloaded {
		return
	}
	h.logger.Error("plugin %s exceeded crash budget (%d in %s), quarantining",
		rec.name, h.crashBudget, h.crashWindow)
	h.srv.Registry().UnregisterByOrigin(rec.name)
	rec.exports = nil
	rec.setState(StateFailed)
	h.emit(Event{Plugin: rec.name, State: StateFailed, Err: protocol.ErrPluginFault})
}

// drain waits for in-flight calls to finish or the deadline to pass.
func (h *Host) drain(rec *record) {
	deadline := time.NewTimer(h.drainTimeout)
	defer deadline.Stop()
	for rec.inflight.Load() > 0 {
		select {
		case <-rec.idle:
		case <-deadline.C:
			h.logger.Warn("plugin %s drain deadline passed with %d calls in flight",
				rec.name, rec.inflight.Load())
			return
		}
	}
}

// Unload drains and shuts one plugin down. Unloaded is terminal until the
// next explicit Load.
func (h *Host) Unload(ctx context.Context, name string) error {
	rec, ok := h.get(name)
	if !ok {
		return fmt.Errorf("unknown plugin %s", name)
	}
	return h.unloadRecord(ctx, rec)
}

func (h *Host) unloadRecord(ctx context.Context, rec *record) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	state := rec.getState()
	if state != StateReady && state != StateFailed {
		return fmt.Errorf("cannot unload plugin %s in state %s", rec.name, state)
	}

	// New calls stop routing to the plugin the moment its entries leave the
	// registry.
	rec.setState(StateDraining)
	h.emit(Event{Plugin: rec.name, State: StateDraining})
	h.srv.Registry().UnregisterByOrigin(rec.name)
	rec.exports = nil

	h.drain(rec)

	if instance := rec.setInstance(nil); instance != nil {
		if err := h.guardLifecycle(rec, func() error { return instance.Shutdown(ctx) }); err != nil {
			h.logger.Warn("plugin %s shutdown returned error: %v", rec.name, err)
		}
	}
	rec.entry = nil
	rec.setState(StateUnloaded)
	h.emit(Event{Plugin: rec.name, State: StateUnloaded})
	h.logger.Info("unloaded plugin %s", rec.name)
	return nil
}

// Reload hot-swaps a plugin: drain and unload the old instance, then load
// fresh from the re-read manifest. The new library must keep the manifest
// name; the version (and entry_point) may change. If the new load fails the
// plugin is left Unloaded and the error returned.
func (h *Host) Reload(ctx context.Context, name string) error {
	rec, ok := h.get(name)
	if !ok {
		return fmt.Errorf("unknown plugin %s", name)
	}

	manifestPath := filepath.Join(h.dir, name+ManifestSuffix)
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("reload of %s aborted: %w", name, err)
	}
	if manifest.Name != name {
		return fmt.Errorf("reload of %s aborted: manifest now names %q", name, manifest.Name)
	}

	if err := h.unloadRecord(ctx, rec); err != nil {
		return err
	}
	if err := h.Load(ctx, manifest); err != nil {
		return fmt.Errorf("reload of %s failed after unload: %w", name, err)
	}
	return nil
}

// Info is a point-in-time view of one plugin for introspection.
type Info struct {
	Name     string
	Version  string
	State    State
	Inflight int64
	Exports  []string
}

// Plugins lists every known plugin.
func (h *Host) Plugins() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Info, 0, len(h.plugins))
	for _, rec := range h.plugins {
		out = append(out, Info{
			Name:     rec.name,
			Version:  rec.manifest.Version,
			State:    rec.getState(),
			Inflight: rec.inflight.Load(),
			Exports:  append([]string(nil), rec.exports...),
		})
	}
	return out
}

// StateOf reports one plugin's state.
func (h *Host) StateOf(name string) (State, bool) {
	rec, ok := h.get(name)
	if !ok {
		return 0, false
	}
	return rec.getState(), true
}
