package addon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/woxQAQ/sql-bridge/internal/wasm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Loader reads add-on directories and compiles their modules.
type Loader struct {
	runtime      *wasm.Runtime
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new add-on loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		runtime:      runtime,
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "addon-loader")),
	}
}

// LoadAddon loads the add-on in dir. An add-on declaring the parse
// capability must export the parser ABI.
func (l *Loader) LoadAddon(ctx context.Context, dir string) (*Addon, error) {
	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	logger := l.logger.With(
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("engine", manifest.Engine),
	)
	logger.Debug("Loading add-on", zap.String("dir", dir))

	if manifest.Wasm.WASI && !l.runtime.Config().EnableWASI {
		return nil, &AddonLoadError{AddonName: manifest.Name, Err: errWASIDisabled}
	}

	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &AddonLoadError{AddonName: manifest.Name, Err: err}
	}

	addon := &Addon{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	if addon.HasCapability(CapabilityParse) && !compiled.ParserABI {
		return nil, &AddonLoadError{
			AddonName: manifest.Name,
			Err:       &CapabilityError{AddonName: manifest.Name, Capability: CapabilityParse},
		}
	}

	logger.Info("Add-on loaded", zap.Int64("size_bytes", compiled.SizeBytes))

	return addon, nil
}

// DiscoverAddons loads every subdirectory of paths as an add-on. Missing
// paths are skipped. Failures of individual add-ons are logged and only
// returned, combined, when nothing loaded at all.
func (l *Loader) DiscoverAddons(ctx context.Context, paths []string) ([]*Addon, error) {
	var addons []*Addon
	var errs error

	for _, basePath := range paths {
		entries, err := os.ReadDir(basePath)
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Add-on path does not exist", zap.String("path", basePath))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			addonDir := filepath.Join(basePath, entry.Name())
			addon, err := l.LoadAddon(ctx, addonDir)
			if err != nil {
				l.logger.Error("Failed to load add-on", zap.String("dir", addonDir), zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			addons = append(addons, addon)
		}
	}

	if len(addons) == 0 {
		return nil, &NoAddonsFoundError{Paths: paths, Err: errs}
	}

	if errs != nil {
		l.logger.Warn("Some add-ons failed to load",
			zap.Int("loaded", len(addons)),
			zap.Int("failed", len(multierr.Errors(errs))),
		)
	}

	return addons, nil
}
