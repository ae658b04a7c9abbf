package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ManifestSuffix is appended to a plugin's name to locate its manifest in the
// plugin directory: plugin calc is described by calc.manifest.json, whose
// entry_point names the library (calc-1.0.0.so, say).
const ManifestSuffix = ".manifest.json"

// Manifest describes a plugin on disk. It is read before the library is
// opened, so a bad manifest costs nothing but a log line.
type Manifest struct {
	Name       string               `json:"name"`
	Version    string               `json:"version"`
	MCPVersion string               `json:"mcp_version"`
	SDKVersion string               `json:"sdk_version"`
	EntryPoint string               `json:"entry_point"`
	Caps       ManifestCapabilities `json:"capabilities"`
	Reqs       Requirements         `json:"requirements"`

	Author     string   `json:"author,omitempty"`
	License    string   `json:"license,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Homepage   string   `json:"homepage,omitempty"`
	Repository string   `json:"repository,omitempty"`
}

// ManifestCapabilities declares what the plugin provides.
type ManifestCapabilities struct {
	Tools       bool `json:"tools"`
	Resources   bool `json:"resources"`
	Prompts     bool `json:"prompts"`
	Completions bool `json:"completions"`
	HotReload   bool `json:"hot_reload"`
}

// Requirements bounds the SDK versions the plugin accepts.
type Requirements struct {
	MinSDKVersion string `json:"min_sdk_version"`
	MaxSDKVersion string `json:"max_sdk_version"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the required manifest fields.
func (m *Manifest) Validate() error {
	switch {
	case m.Name == "":
		return fmt.Errorf("name is required")
	case m.Version == "":
		return fmt.Errorf("version is required")
	case m.EntryPoint == "":
		return fmt.Errorf("entry_point is required")
	}
	if _, err := parseSemver(m.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	return nil
}

// CompatibleWith checks the manifest's SDK requirements against the host's
// SDK version.
func (m *Manifest) CompatibleWith(sdkVersion string) error {
	host, err := parseSemver(sdkVersion)
	if err != nil {
		return fmt.Errorf("host sdk version: %w", err)
	}
	if m.Reqs.MinSDKVersion != "" {
		min, err := parseSemver(m.Reqs.MinSDKVersion)
		if err != nil {
			return fmt.Errorf("min_sdk_version: %w", err)
		}
		if compareSemver(host, min) < 0 {
			return fmt.Errorf("plugin requires sdk >= %s, host is %s", m.Reqs.MinSDKVersion, sdkVersion)
		}
	}
	if m.Reqs.MaxSDKVersion != "" {
		max, err := parseSemver(m.Reqs.MaxSDKVersion)
		if err != nil {
			return fmt.Errorf("max_sdk_version: %w", err)
		}
		if compareSemver(host, max) > 0 {
			return fmt.Errorf("plugin requires sdk <= %s, host is %s", m.Reqs.MaxSDKVersion, sdkVersion)
		}
	}
	return nil
}

// semver is the major.minor.patch triple; pre-release tags are compared
// lexically which is enough for requirement bounds.
type semver struct {
	major, minor, patch int
	pre                 string
}

func parseSemver(s string) (semver, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	var v semver
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		v.pre = s[idx+1:]
		s = s[:idx]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return v, fmt.Errorf("%q is not a semver (want major.minor.patch)", s)
	}
	var err error
	if v.major, err = strconv.Atoi(parts[0]); err != nil {
		return v, fmt.Errorf("bad major in %q", s)
	}
	if v.minor, err = strconv.Atoi(parts[1]); err != nil {
		return v, fmt.Errorf("bad minor in %q", s)
	}
	if v.patch, err = strconv.Atoi(parts[2]); err != nil {
		return v, fmt.Errorf("bad patch in %q", s)
	}
	return v, nil
}

func compareSemver(a, b semver) int {
	switch {
	case a.major != b.major:
		return a.major - b.major
	case a.minor != b.minor:
		return a.minor - b.minor
	case a.patch != b.patch:
		return a.patch - b.patch
	case a.pre == b.pre:
		return 0
	case a.pre == "":
		return 1 // release > pre-release
	case b.pre == "":
		return -1
	default:
		return strings.Compare(a.pre, b.pre)
	}
}
