// Command sqlbridge parses SQL files into JSON parse trees and, optionally,
// vets them against the read-only query policy.
//
//	sqlbridge [flags] [file ...]
//
// With no files, SQL is read from stdin.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/woxQAQ/sql-bridge/internal/addon"
	"github.com/woxQAQ/sql-bridge/internal/audit"
	"github.com/woxQAQ/sql-bridge/internal/bridge"
	"github.com/woxQAQ/sql-bridge/internal/config"
	"github.com/woxQAQ/sql-bridge/internal/guard"
	"github.com/woxQAQ/sql-bridge/internal/pgquery"
	"github.com/woxQAQ/sql-bridge/internal/service"
	"github.com/woxQAQ/sql-bridge/internal/wasm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// parserEngine is the engine looked up among add-ons for the wasm backend.
const parserEngine = "PostgreSQL"

type options struct {
	check         bool
	tables        bool
	justification string
	actor         string
	jobs          int
}

// input is one SQL source and what became of it.
type input struct {
	name string
	sql  string

	out      []byte
	rejected bool
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides log_level")
	backendName := flag.String("backend", "", "Parser backend (native, wasm); overrides backend")
	var opts options
	flag.BoolVar(&opts.check, "check", false, "Vet queries against the guard policy and print a report")
	flag.BoolVar(&opts.tables, "tables", false, "Print referenced tables instead of the parse tree")
	flag.StringVar(&opts.justification, "justification", "", "Why the queries are being run (recorded in the audit log)")
	flag.StringVar(&opts.actor, "actor", "cli", "Actor recorded in the audit log")
	flag.IntVar(&opts.jobs, "j", runtime.NumCPU(), "Number of inputs parsed concurrently")
	flag.Parse()

	logger := newLogger(*logLevel)
	defer func() { logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *logLevel == "" && cfg.LogLevel != "info" {
		logger.Sync()
		logger = newLogger(cfg.LogLevel)
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Debug("Starting sqlbridge",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
		zap.String("backend", cfg.Backend),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	backend, closeBackend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize parser backend", zap.Error(err))
	}
	defer closeBackend()

	inputs, err := readInputs(flag.Args(), os.Stdin)
	if err != nil {
		logger.Fatal("Failed to read input", zap.Error(err))
	}

	analyzer, closeAudit, err := newAnalyzer(cfg, backend, opts, logger)
	if err != nil {
		logger.Fatal("Failed to initialize analyzer", zap.Error(err))
	}
	defer closeAudit()

	if err := run(ctx, backend, analyzer, inputs, opts); err != nil {
		logger.Fatal("Failed to process input", zap.Error(err))
	}

	rejected := false
	for _, in := range inputs {
		os.Stdout.Write(in.out)
		rejected = rejected || in.rejected
	}
	if rejected {
		closeAudit()
		closeBackend()
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}

	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil && level != "" {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := cfg.Build()
	return logger
}

// newBackend builds the configured parser backend and its cleanup.
func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (service.Backend, func(), error) {
	if cfg.Backend == config.BackendNative {
		b, err := bridge.New(pgquery.New(),
			bridge.WithLogger(logger),
			bridge.WithErrorDetail(cfg.Bridge.ErrorDetail),
		)
		if err != nil {
			return nil, nil, err
		}
		return service.NewNativeBackend(b), b.Close, nil
	}

	rt, err := wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		MemoryPages:      cfg.Wasm.MemoryPages,
		DebugEnabled:     cfg.Wasm.Debug,
		CacheDir:         cfg.Wasm.CacheDir,
		MaxInstances:     cfg.Wasm.MaxInstances,
		ExecutionTimeout: cfg.Wasm.Timeout(),
		EnableWASI:       cfg.Wasm.WASI,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	pool, shutdown, err := newPool(ctx, cfg, rt, logger)
	if err != nil {
		rt.Close(context.Background())
		return nil, nil, err
	}
	return service.NewWasmBackend(pool), func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shut down Wasm backend", zap.Error(err))
		}
	}, nil
}

// newPool loads wasm.module_path when set, otherwise the first parser
// add-on found under addon_paths. The returned shutdown closes the pool and
// the runtime.
func newPool(ctx context.Context, cfg *config.Config, rt *wasm.Runtime, logger *zap.Logger) (*wasm.Pool, func(context.Context) error, error) {
	hostFuncs := wasm.NewHostFunctions(logger)

	if cfg.Wasm.ModulePath != "" {
		compiled, err := wasm.NewModuleLoader(rt, logger).LoadModuleFromFile(ctx, cfg.Wasm.ModulePath)
		if err != nil {
			return nil, nil, err
		}
		if !compiled.ParserABI {
			return nil, nil, fmt.Errorf("module %s does not export the parser ABI", compiled.Name)
		}
		manager := wasm.NewInstanceManager(rt, hostFuncs, logger)
		pool := wasm.NewPool(manager, compiled.Name, cfg.Wasm.MaxInstances, logger)
		return pool, func(ctx context.Context) error {
			return multierr.Append(pool.Close(ctx), rt.Close(ctx))
		}, nil
	}

	manager := addon.NewManager(cfg, rt, hostFuncs, logger)
	if err := manager.LoadAll(ctx); err != nil {
		return nil, nil, err
	}
	parser, err := manager.FindParser(parserEngine, "")
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using parser add-on",
		zap.String("name", parser.Name()),
		zap.String("version", parser.Version()),
	)
	pool, err := manager.Pool(parser.Name())
	if err != nil {
		return nil, nil, err
	}
	return pool, manager.Shutdown, nil
}

// newAnalyzer returns nil when neither -check nor -tables was given.
func newAnalyzer(cfg *config.Config, backend service.Backend, opts options, logger *zap.Logger) (*service.Analyzer, func(), error) {
	noop := func() {}
	if !opts.check && !opts.tables {
		return nil, noop, nil
	}

	var policy *guard.Policy
	if opts.check {
		policy = guard.NewPolicy(cfg.Guard, logger)
	}

	if !opts.check || cfg.Audit.Path == "" {
		return service.NewAnalyzer(backend, policy, nil, logger), noop, nil
	}

	auditLog, err := audit.New(cfg.Audit.Path)
	if err != nil {
		return nil, nil, err
	}
	return service.NewAnalyzer(backend, policy, auditLog, logger), func() { auditLog.Close() }, nil
}

func readInputs(paths []string, stdin io.Reader) ([]*input, error) {
	if len(paths) == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		return []*input{{name: "-", sql: string(data)}}, nil
	}

	inputs := make([]*input, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, &input{name: path, sql: string(data)})
	}
	return inputs, nil
}

// run processes inputs concurrently. Output is kept per input so it can be
// written in argument order.
func run(ctx context.Context, backend service.Backend, analyzer *service.Analyzer, inputs []*input, opts options) error {
	g, ctx := errgroup.WithContext(ctx)
	if opts.jobs > 0 {
		g.SetLimit(opts.jobs)
	}

	for _, in := range inputs {
		g.Go(func() error {
			if analyzer == nil {
				return parseOne(ctx, backend, in)
			}
			return checkOne(ctx, analyzer, in, opts)
		})
	}
	return g.Wait()
}

func parseOne(ctx context.Context, backend service.Backend, in *input) error {
	out, err := backend.ParseJSON(ctx, in.sql)
	if err != nil {
		var failure *service.ParseFailure
		if !errors.As(err, &failure) {
			return fmt.Errorf("%s: %w", in.name, err)
		}
		in.rejected = true
	}
	in.out = append([]byte(out), '\n')
	return nil
}

func checkOne(ctx context.Context, analyzer *service.Analyzer, in *input, opts options) error {
	report, err := analyzer.Check(ctx, service.Request{
		SQL:           in.sql,
		Justification: opts.justification,
		Actor:         opts.actor,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", in.name, err)
	}
	in.rejected = !report.OK

	if opts.tables && report.OK {
		for _, table := range report.Tables {
			in.out = append(in.out, table...)
			in.out = append(in.out, '\n')
		}
		return nil
	}

	if opts.tables {
		// Rejections are reported in full even in -tables mode.
		report.Tree = nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	in.out = append(data, '\n')
	return nil
}
