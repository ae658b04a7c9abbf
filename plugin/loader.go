package plugin

import (
	"fmt"
	goplugin "plugin"
)

// Loader opens a plugin library and resolves its entry symbol. The host uses
// dlopenLoader in production; tests inject in-memory loaders.
type Loader interface {
	Open(path string) (EntryFunc, error)
}

// dlopenLoader loads shared libraries through the Go runtime's plugin
// support. The runtime never unloads a library once opened; "closing" a
// plugin therefore means discarding its instance and registry entries, and a
// hot reload picks up new code by opening the new entry_point path named in
// the refreshed manifest.
type dlopenLoader struct{}

// NewLoader returns the production library loader.
func NewLoader() Loader { return dlopenLoader{} }

func (dlopenLoader) Open(path string) (EntryFunc, error) {
	lib, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin library %s: %w", path, err)
	}
	sym, err := lib.Lookup(EntrySymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s does not export %s: %w", path, EntrySymbol, err)
	}
	entry, ok := sym.(func() *Descriptor)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s has wrong type %T", path, EntrySymbol, sym)
	}
	return EntryFunc(entry), nil
}
