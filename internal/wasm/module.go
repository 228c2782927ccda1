package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	abi "github.com/woxQAQ/sql-bridge/api/wasm"
	"go.uber.org/zap"
)

// ErrUnsupportedImport is wrapped by CompilationError when a module imports
// from a module the host does not provide.
var ErrUnsupportedImport = errors.New("unsupported import")

// ModuleLoader compiles guest modules and caches them on the runtime by
// name.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	Bytes() ([]byte, error)

	// Name is the cache key of the compiled module.
	Name() string
}

// FileModuleSource loads Wasm from a file. The cleaned path is the module
// name, so the same file reached through different relative paths is
// compiled once.
type FileModuleSource struct {
	Path string
}

func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f *FileModuleSource) Name() string {
	if abs, err := filepath.Abs(f.Path); err == nil {
		return abs
	}
	return filepath.Clean(f.Path)
}

// MemoryModuleSource loads Wasm from memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// LoadModule compiles source unless a module of the same name is cached.
// Modules importing anything other than the host module (and WASI, when
// enabled) are rejected here rather than at instantiation.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	name := source.Name()
	if cached, ok := l.runtime.GetCompiledModule(name); ok {
		l.logger.Debug("Module cache hit", zap.String("module", name))
		return cached, nil
	}

	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", name, err)
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", name),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	startTime := time.Now()

	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{ModuleName: name, Err: err}
	}

	if err := l.checkImports(compiled); err != nil {
		compiled.Close(ctx)
		return nil, &CompilationError{ModuleName: name, Err: err}
	}

	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       name,
		Source:     name,
		SizeBytes:  int64(len(wasmBytes)),
		ParserABI:  hasParserABI(compiled),
		CompiledAt: time.Now().Unix(),
	}

	l.runtime.StoreCompiledModule(compiledModule)

	l.logger.Info("Module compiled successfully",
		zap.String("module", name),
		zap.Bool("parser_abi", compiledModule.ParserABI),
		zap.Duration("duration", time.Since(startTime)),
	)

	return compiledModule, nil
}

func (l *ModuleLoader) checkImports(compiled wazero.CompiledModule) error {
	for _, def := range compiled.ImportedFunctions() {
		module, fn, _ := def.Import()
		switch {
		case module == HostModuleName:
		case module == wasi_snapshot_preview1.ModuleName && l.runtime.config.EnableWASI:
		default:
			return fmt.Errorf("%w %s.%s", ErrUnsupportedImport, module, fn)
		}
	}
	return nil
}

func hasParserABI(compiled wazero.CompiledModule) bool {
	if _, ok := compiled.ExportedMemories()[abi.ExportMemory]; !ok {
		return false
	}
	exported := compiled.ExportedFunctions()
	for _, name := range abi.RequiredExports {
		if _, ok := exported[name]; !ok {
			return false
		}
	}
	return true
}

// LoadModuleFromFile loads the module at path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{Path: path})
}

// LoadModuleFromMemory loads data under name.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
