package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var errTest = errors.New("test error")

func TestRuntimeLifecycle(t *testing.T) {
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	if runtime.IsClosed() {
		t.Error("Runtime should not be closed initially")
	}

	if err := runtime.Close(ctx); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := runtime.Close(ctx); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if !runtime.IsClosed() {
		t.Error("Runtime should be closed after Close()")
	}
}

func TestRuntimeCloseCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if err := runtime.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Unexpected error when closing with cancelled context: %v", err)
	}
}

func TestDefaultRuntimeConfig(t *testing.T) {
	config := DefaultRuntimeConfig()

	want := RuntimeConfig{
		MemoryPages:      256,
		MaxInstances:     100,
		ExecutionTimeout: 30 * time.Second,
	}
	if *config != want {
		t.Errorf("DefaultRuntimeConfig() = %+v, want %+v", *config, want)
	}
}

func TestRuntimeConfiguration(t *testing.T) {
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), &RuntimeConfig{
		MemoryPages:      128,
		DebugEnabled:     true,
		MaxInstances:     50,
		ExecutionTimeout: time.Second,
		EnableWASI:       true,
	})
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	defer runtime.Close(ctx)

	if runtime.Config().MemoryPages != 128 {
		t.Errorf("Memory pages = %d, want 128", runtime.Config().MemoryPages)
	}
	if runtime.Config().ExecutionTimeout != time.Second {
		t.Errorf("Execution timeout = %v, want 1s", runtime.Config().ExecutionTimeout)
	}
	if runtime.runtime.Module("wasi_snapshot_preview1") == nil {
		t.Error("WASI should be instantiated when EnableWASI is set")
	}
}

func TestRuntimeCompilationCacheDir(t *testing.T) {
	ctx := context.Background()

	config := DefaultRuntimeConfig()
	config.CacheDir = t.TempDir()

	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), config)
	if err != nil {
		t.Fatalf("Failed to create runtime with cache dir: %v", err)
	}
	if runtime.cache == nil {
		t.Error("Compilation cache should be set")
	}
	if err := runtime.Close(ctx); err != nil {
		t.Errorf("Failed to close runtime: %v", err)
	}
}

func TestRuntimeRegistries(t *testing.T) {
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	module := &CompiledModule{Name: "pg", Source: "pg.wasm", SizeBytes: 1024, ParserABI: true}
	runtime.StoreCompiledModule(module)
	if got, ok := runtime.GetCompiledModule("pg"); !ok || got != module {
		t.Errorf("GetCompiledModule() = %v, %v", got, ok)
	}
	if _, ok := runtime.GetCompiledModule("mysql"); ok {
		t.Error("GetCompiledModule() found a module that was never stored")
	}

	inst := &Instance{ID: "test-instance", Name: "pg"}
	runtime.StoreInstance(inst)
	if got, ok := runtime.GetInstance("test-instance"); !ok || got != inst {
		t.Errorf("GetInstance() = %v, %v", got, ok)
	}

	runtime.DeleteInstance("test-instance")
	if _, ok := runtime.GetInstance("test-instance"); ok {
		t.Error("Instance should have been deleted")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&CompilationError{ModuleName: "pg", Err: errTest}, "failed to compile Wasm module 'pg': test error"},
		{&InstantiationError{ModuleName: "pg", InstanceID: "inst-1", Err: errTest}, "failed to instantiate module 'pg' (instance: inst-1): test error"},
		{&ModuleNotFoundError{ModuleName: "pg"}, "module 'pg' not found in cache"},
		{&FunctionNotFoundError{ModuleName: "pg", FunctionName: "parse_sql"}, "function 'parse_sql' not found in module 'pg'"},
		{&MemoryAccessError{Operation: "read", Address: 16, Length: 4, Err: errOutOfBounds}, "memory access failed (op=read, addr=16, len=4): out of bounds"},
		{&TimeoutError{Duration: 2 * time.Second}, "Wasm execution timed out after 2s"},
		{&GuestError{Code: "empty_sql"}, "guest parser error 'empty_sql'"},
		{
			&GuestError{Code: "SQL parse error", Message: `syntax error at or near "SELEC"`, Cursorpos: 1},
			`guest parser error 'SQL parse error': syntax error at or near "SELEC"`,
		},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error message = %s, want %s", got, tt.want)
		}
	}

	if !errors.Is(&CompilationError{Err: errTest}, errTest) {
		t.Error("CompilationError should unwrap its cause")
	}
	if !errors.Is(&InstantiationError{Err: errTest}, errTest) {
		t.Error("InstantiationError should unwrap its cause")
	}
}

func TestGuestErrorDecoding(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want *GuestError
	}{
		{"tree", `{"version":160001,"stmts":[]}`, nil},
		{"fixed", `{"error":"alloc_failed"}`, &GuestError{Code: "alloc_failed"}},
		{
			"detail",
			`{"error":"SQL parse error","message":"syntax error","cursorpos":8}`,
			&GuestError{Code: "SQL parse error", Message: "syntax error", Cursorpos: 8},
		},
		{"malformed", `{"error"`, nil},
		{"empty code", `{"error":""}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := guestError(tt.out)
			if tt.want == nil {
				if got != nil {
					t.Errorf("guestError(%q) = %+v, want nil", tt.out, got)
				}
				return
			}
			if got == nil || *got != *tt.want {
				t.Errorf("guestError(%q) = %+v, want %+v", tt.out, got, tt.want)
			}
		})
	}
}
