package addon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest represents the add-on manifest.yaml structure.
type Manifest struct {
	Name              string     `yaml:"name"`
	Version           string     `yaml:"version"`
	Engine            string     `yaml:"engine"`
	SupportedVersions []string   `yaml:"supported_versions"`
	Wasm              WasmConfig `yaml:"wasm"`
	Capabilities      []string   `yaml:"capabilities"`
	Author            string     `yaml:"author"`
	License           string     `yaml:"license"`

	dir string
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file"`
	// The guest imports wasi_snapshot_preview1.
	WASI bool `yaml:"wasi"`
}

// Capabilities an add-on may declare. A guest declaring CapabilityParse
// exports the parse_sql/free_result ABI.
const (
	CapabilityParse       = "parse"
	CapabilityFingerprint = "fingerprint"
	CapabilityNormalize   = "normalize"
)

// ManifestFile is the manifest name looked up in each add-on directory.
const ManifestFile = "manifest.yaml"

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Engines lists the engine names a manifest may declare.
var Engines = []string{"PostgreSQL", "MySQL"}

var (
	capabilities = []string{CapabilityParse, CapabilityFingerprint, CapabilityNormalize}

	// A supported version is a server major, optionally with a minor: 16, 9.6.
	serverVersion = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// Validate checks manifest fields. The first failing field is reported.
func (m *Manifest) Validate() error {
	switch {
	case m.Name == "":
		return m.invalid("name", "name is required")
	case m.Version == "":
		return m.invalid("version", "version is required")
	case m.Engine == "":
		return m.invalid("engine", "engine is required")
	case !slices.Contains(Engines, m.Engine):
		return m.invalid("engine", "unsupported engine: %s (must be one of: %s)", m.Engine, strings.Join(Engines, ", "))
	case len(m.SupportedVersions) == 0:
		return m.invalid("supported_versions", "at least one supported version is required")
	case m.Wasm.File == "":
		return m.invalid("wasm.file", "wasm.file is required")
	case !filepath.IsLocal(m.Wasm.File):
		return m.invalid("wasm.file", "wasm.file must be a relative path inside the add-on directory: %s", m.Wasm.File)
	case len(m.Capabilities) == 0:
		return m.invalid("capabilities", "at least one capability is required")
	}

	for _, v := range m.SupportedVersions {
		if !serverVersion.MatchString(v) {
			return m.invalid("supported_versions", "malformed server version: %q", v)
		}
	}

	seen := make(map[string]bool, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if !slices.Contains(capabilities, c) {
			return m.invalid("capabilities", "unknown capability: %s (must be one of: %s)", c, strings.Join(capabilities, ", "))
		}
		if seen[c] {
			return m.invalid("capabilities", "duplicate capability: %s", c)
		}
		seen[c] = true
	}

	if _, err := os.Stat(m.WasmPath()); errors.Is(err, fs.ErrNotExist) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

func (m *Manifest) invalid(field, format string, args ...any) error {
	return &ManifestValidationError{
		Path:    m.Path(),
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the absolute path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
