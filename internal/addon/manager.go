package addon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/woxQAQ/sql-bridge/internal/config"
	"github.com/woxQAQ/sql-bridge/internal/wasm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager manages add-on lifecycle.
type Manager struct {
	cfg         *config.Config
	runtime     *wasm.Runtime
	loader      *Loader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	logger      *zap.Logger

	mu     sync.RWMutex
	loaded bool
	pools  map[string]*wasm.Pool
}

// NewManager creates a new add-on manager.
func NewManager(
	cfg *config.Config,
	runtime *wasm.Runtime,
	hostFuncs *wasm.HostFunctionsImpl,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:         cfg,
		runtime:     runtime,
		loader:      NewLoader(runtime, logger),
		registry:    NewRegistry(logger),
		instanceMgr: wasm.NewInstanceManager(runtime, hostFuncs, logger),
		logger:      logger.With(zap.String("component", "addon-manager")),
		pools:       make(map[string]*wasm.Pool),
	}
}

// LoadAll discovers and loads all add-ons from configured paths.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("add-ons already loaded")
	}

	m.logger.Info("Loading add-ons",
		zap.Strings("paths", m.cfg.AddonPaths),
	)

	addons, err := m.loader.DiscoverAddons(ctx, m.cfg.AddonPaths)
	if err != nil {
		var none *NoAddonsFoundError
		if errors.As(err, &none) {
			m.logger.Warn("No add-ons found in configured paths",
				zap.Strings("paths", m.cfg.AddonPaths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, addon := range addons {
		if err := m.registry.Register(addon); err != nil {
			m.logger.Error("Failed to register add-on",
				zap.String("name", addon.Name()),
				zap.Error(err),
			)
		}
	}

	m.loaded = true

	m.logger.Info("Add-ons loaded",
		zap.Int("count", m.registry.Count()),
		zap.Strings("engines", m.registry.Engines()),
	)

	return nil
}

// GetAddon retrieves an add-on by name.
func (m *Manager) GetAddon(name string) (*Addon, error) {
	addon, ok := m.registry.Get(name)
	if !ok {
		return nil, &AddonNotFoundError{AddonName: name}
	}
	return addon, nil
}

// FindParser finds a parse-capable add-on for engine. An empty version
// matches any.
func (m *Manager) FindParser(engine, version string) (*Addon, error) {
	addon, ok := m.registry.FindParser(engine, version)
	if !ok {
		return nil, &ParserNotFoundError{Engine: engine, Version: version}
	}
	return addon, nil
}

// Instantiate creates a standalone parser instance of an add-on. The caller
// closes it.
func (m *Manager) Instantiate(ctx context.Context, addonName string) (*wasm.Instance, error) {
	addon, err := m.parser(addonName)
	if err != nil {
		return nil, err
	}

	return m.instanceMgr.Instantiate(ctx, &wasm.InstanceConfig{
		ModuleName: addon.ModuleName(),
		Timeout:    m.cfg.Wasm.Timeout(),
	})
}

// Pool returns the instance pool of a parser add-on, sized by
// wasm.max_instances. Every call for the same add-on returns the same pool;
// Shutdown closes it.
func (m *Manager) Pool(addonName string) (*wasm.Pool, error) {
	addon, err := m.parser(addonName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[addon.Name()]; ok {
		return pool, nil
	}
	pool := wasm.NewPool(m.instanceMgr, addon.ModuleName(), m.cfg.Wasm.MaxInstances, m.logger)
	m.pools[addon.Name()] = pool
	return pool, nil
}

func (m *Manager) parser(addonName string) (*Addon, error) {
	addon, err := m.GetAddon(addonName)
	if err != nil {
		return nil, err
	}
	if !addon.HasCapability(CapabilityParse) {
		return nil, &CapabilityError{AddonName: addonName, Capability: CapabilityParse}
	}
	return addon, nil
}

// Shutdown closes every pool handed out and then the runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*wasm.Pool)
	m.mu.Unlock()

	var errs error
	for _, pool := range pools {
		errs = multierr.Append(errs, pool.Close(ctx))
	}
	errs = multierr.Append(errs, m.runtime.Close(ctx))

	if errs != nil {
		m.logger.Error("Add-on manager shutdown failed", zap.Error(errs))
		return errs
	}
	m.logger.Info("Add-on manager shut down", zap.Int("pools", len(pools)))
	return nil
}

// Registry returns the add-on registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether add-ons have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
