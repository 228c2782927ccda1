package wasm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	abi "github.com/woxQAQ/sql-bridge/api/wasm"
	"go.uber.org/zap"
)

// InstanceManager creates and manages guest parser instances.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl

	hostOnce sync.Once
	hostErr  error
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string

	// Per-call execution limit; zero uses the runtime default.
	Timeout time.Duration
}

// Instance is an instantiated guest parser. An Instance is not safe for
// concurrent use; see Pool.
type Instance struct {
	module api.Module
	memory *Memory
	owner  *Runtime

	ID        string
	Name      string
	CreatedAt int64

	timeout time.Duration
	closed  atomic.Bool

	exports map[string]api.Function
}

// Instantiate creates a new instance from a compiled module and checks that
// it exports the parser ABI.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	if err := m.ensureHostModule(ctx); err != nil {
		return nil, err
	}

	m.logger.Debug("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	// Reactor-style guests (emscripten, wasip1 c-shared) initialise through
	// _initialize; a missing start function is skipped.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions("_initialize")

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	exports, err := m.requireExports(module, config.ModuleName)
	if err != nil {
		module.Close(ctx)
		return nil, err
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = m.runtime.config.ExecutionTimeout
	}

	instance := &Instance{
		module:    module,
		memory:    NewMemory(module),
		owner:     m.runtime,
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
		timeout:   timeout,
		exports:   exports,
	}

	m.runtime.StoreInstance(instance)

	m.logger.Info("Module instantiated successfully",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	return instance, nil
}

// ensureHostModule instantiates the host import module once per runtime.
func (m *InstanceManager) ensureHostModule(ctx context.Context) error {
	m.hostOnce.Do(func() {
		if m.runtime.runtime.Module(HostModuleName) != nil {
			return
		}
		builder := m.hostFuncs.export(m.runtime.runtime.NewHostModuleBuilder(HostModuleName))
		if _, err := builder.Instantiate(ctx); err != nil {
			m.hostErr = fmt.Errorf("failed to instantiate host module: %w", err)
		}
	})
	return m.hostErr
}

func (m *InstanceManager) requireExports(module api.Module, moduleName string) (map[string]api.Function, error) {
	if module.Memory() == nil {
		return nil, &FunctionNotFoundError{ModuleName: moduleName, FunctionName: abi.ExportMemory}
	}

	exports := make(map[string]api.Function, len(abi.RequiredExports))
	for _, name := range abi.RequiredExports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, &FunctionNotFoundError{ModuleName: moduleName, FunctionName: name}
		}
		exports[name] = fn
	}
	return exports, nil
}

// Memory returns the guest memory helper.
func (i *Instance) Memory() *Memory {
	return i.memory
}

// Closed reports whether the instance has been closed, either explicitly or
// because a call ran past its deadline.
func (i *Instance) Closed() bool {
	return i.closed.Load() || i.module.IsClosed()
}

// Close closes the instance and releases resources.
func (i *Instance) Close(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	i.owner.DeleteInstance(i.ID)
	return i.module.Close(ctx)
}
