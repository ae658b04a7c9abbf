// Package plugin implements the prism plugin host: discovery, loading,
// lifecycle, hot reload with in-flight draining, and fault isolation for
// dynamically loaded capability providers.
//
// A plugin is a shared library built with -buildmode=plugin that exports one
// symbol, PrismPluginEntry, returning a versioned Descriptor. Everything
// crossing the boundary after that flows through the Descriptor's function
// values, and capability payloads cross as raw bytes: schema and typing live
// on both sides, but the boundary itself stays minimal and versionable.
package plugin

import (
	"context"
	"encoding/json"
)

// EntrySymbol is the single symbol the host resolves from a plugin library.
const EntrySymbol = "PrismPluginEntry"

// ABI version range this host accepts. A library whose descriptor falls
// outside the range is rejected and the plugin marked Failed; the library
// itself stays mapped, as the Go runtime cannot unload it.
const (
	ABIVersionMin uint32 = 1
	ABIVersionMax uint32 = 1
)

// EntryFunc is the signature of the exported entry symbol.
type EntryFunc func() *Descriptor

// Descriptor is the versioned table a plugin hands the host. Its first field
// is the ABI version; the rest are the plugin's entry points.
type Descriptor struct {
	ABIVersion uint32

	// New constructs an opaque plugin instance. Instances are single-owner;
	// the host serializes entry-point calls unless Reentrant is true.
	New func() Instance

	// Reentrant declares that the instance tolerates concurrent calls.
	Reentrant bool

	// Metadata returns the plugin's self-description without constructing an
	// instance.
	Metadata func() Metadata
}

// Metadata is the plugin's self-description, cross-checked against the
// manifest at load time.
type Metadata struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	MCPVersion string `json:"mcp_version"`
}

// Export is one capability a plugin contributes. Definition carries the
// protocol-level description (protocol.Tool, protocol.Resource, ...) as raw
// JSON so the boundary stays byte-oriented.
type Export struct {
	Kind       string          `json:"kind"` // "tool", "resource", "prompt", "completion"
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// Instance is a live plugin. All methods may be called from the host's
// runtime; blocking work inside them is the plugin author's responsibility
// to offload.
type Instance interface {
	// Initialize runs once after construction, before Configure.
	Initialize(ctx context.Context) error

	// Configure delivers the user's config blob for this plugin.
	Configure(ctx context.Context, config json.RawMessage) error

	// Exports enumerates the capabilities this instance provides.
	Exports() ([]Export, error)

	// Call invokes one exported capability. Params and the result are raw
	// JSON; the host owns the params buffer, the plugin owns the returned
	// buffer.
	Call(ctx context.Context, kind, name string, params []byte) ([]byte, error)

	// Shutdown runs before the instance is discarded.
	Shutdown(ctx context.Context) error
}
