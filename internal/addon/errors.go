package addon

import (
	"errors"
	"fmt"
)

// ManifestNotFoundError occurs when manifest.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when manifest.yaml cannot be parsed as valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when manifest.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// WasmNotFoundError occurs when the Wasm file referenced in manifest doesn't exist.
type WasmNotFoundError struct {
	ManifestPath string
	WasmFile     string
}

func (e *WasmNotFoundError) Error() string {
	return fmt.Sprintf("Wasm file '%s' not found (referenced in manifest '%s')",
		e.WasmFile, e.ManifestPath)
}

// AddonLoadError occurs when add-on loading fails.
type AddonLoadError struct {
	AddonName string
	Err       error
}

func (e *AddonLoadError) Error() string {
	return fmt.Sprintf("failed to load add-on '%s': %v", e.AddonName, e.Err)
}

func (e *AddonLoadError) Unwrap() error {
	return e.Err
}

// AddonNotFoundError occurs when an add-on is not found in the registry.
type AddonNotFoundError struct {
	AddonName string
}

func (e *AddonNotFoundError) Error() string {
	return fmt.Sprintf("add-on '%s' not found", e.AddonName)
}

// ParserNotFoundError occurs when no loaded add-on parses an engine version.
type ParserNotFoundError struct {
	Engine  string
	Version string
}

func (e *ParserNotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("no parser add-on found for engine '%s' version '%s'", e.Engine, e.Version)
	}
	return fmt.Sprintf("no parser add-on found for engine '%s'", e.Engine)
}

// AddonAlreadyRegisteredError occurs when attempting to register a duplicate add-on.
type AddonAlreadyRegisteredError struct {
	AddonName string
}

func (e *AddonAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("add-on '%s' is already registered", e.AddonName)
}

// CapabilityError occurs when an add-on is used for something it does not declare.
type CapabilityError struct {
	AddonName  string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("add-on '%s' does not declare capability '%s'", e.AddonName, e.Capability)
}

// NoAddonsFoundError occurs when no add-ons are found in the configured paths.
// Err combines the per-directory load failures, if any.
type NoAddonsFoundError struct {
	Paths []string
	Err   error
}

func (e *NoAddonsFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no add-ons found in paths: %v: %v", e.Paths, e.Err)
	}
	return fmt.Sprintf("no add-ons found in paths: %v", e.Paths)
}

func (e *NoAddonsFoundError) Unwrap() error {
	return e.Err
}

var errWASIDisabled = errors.New("module requires WASI but the runtime has it disabled")
