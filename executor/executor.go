package executor

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmbox/internal/meter"
	"github.com/caffeineduck/wasmbox/limits"
)

var errClosed = errors.New("executor is closed")

// program is a metered module compiled by the Executor's runtime.
type program struct {
	compiled wazero.CompiledModule
	meta     *meter.Module
	cached   bool
}

// Executor compiles guest modules and runs them under resource limits.
// It is safe for concurrent use; every Execute call gets its own instance.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[[sha256.Size]byte]*program
	cfg      config
	log      *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// New creates an Executor.
func New(opts ...Option) (*Executor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig()
	if cfg.interpreter {
		rtConfig = wazero.NewRuntimeConfigInterpreter()
	}
	rtConfig = rtConfig.WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	_, err = rt.NewHostModuleBuilder(meter.GuardModule).
		NewFunctionBuilder().
		WithFunc(tableGrowGuard).
		Export(meter.TableGrowGuard).
		Instantiate(ctx)
	if err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate table guard: %w", err)
	}

	e := &Executor{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[[sha256.Size]byte]*program),
		cfg:      cfg,
		log:      cfg.logger,
	}

	for _, path := range cfg.precompile {
		wasm, err := os.ReadFile(path)
		if err == nil {
			_, err = e.getCompiled(ctx, wasm)
		}
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("precompile %s: %w", path, err)
		}
	}

	return e, nil
}

// Execute runs one exported function of the requested module. On failure
// the error is an *Error and the Report is zero.
func (e *Executor) Execute(ctx context.Context, req Request) (Report, error) {
	lim := limits.Limits{MaxMemoryBytes: req.MemoryLimitBytes, MaxTableEntries: e.cfg.maxTable}
	log := e.log.With(
		zap.String("invocation", uuid.NewString()),
		zap.String("module", req.source()),
		zap.String("function", req.Function),
	)
	ec := newExecContext(lim, log)

	report, err := e.execute(ctx, ec, req)
	if err != nil {
		report = Report{}
		ec.advance(stateFaulted)
		log.Debug("invocation failed", zap.Error(err))
	} else {
		ec.advance(stateCompleted)
		log.Debug("invocation completed",
			zap.Int32("result", report.Result),
			zap.Uint64("fuel_consumed", report.FuelConsumed),
			zap.Uint64("peak_memory_bytes", report.PeakMemoryBytes),
			zap.Duration("time_consumed", report.TimeConsumed),
		)
	}
	e.cfg.metrics.observe(report, err)
	return report, err
}

func (e *Executor) execute(ctx context.Context, ec *execContext, req Request) (Report, error) {
	wasm, err := req.load()
	if err != nil {
		return Report{}, newError(ModuleLoad, "read", err)
	}
	prog, err := e.program(ctx, wasm)
	if err != nil {
		return Report{}, newError(ModuleLoad, "compile", err)
	}
	if !prog.cached {
		defer prog.compiled.Close(context.Background())
	}
	ec.bind(prog.meta)
	ec.advance(stateCompiled)

	if err := ec.checkDeclared(); err != nil {
		return Report{}, newError(ResourceLimitExceeded, "instantiate", err)
	}

	ctx = withExecContext(ctx, ec)
	// Start functions are run below, once fuel is seeded.
	modConfig := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, prog.compiled, modConfig)
	if err != nil {
		return Report{}, newError(Instantiation, "instantiate", err)
	}
	defer mod.Close(context.Background())
	ec.advance(stateInstantiated)

	fuel, ok := mod.ExportedGlobal(meter.FuelGlobal).(api.MutableGlobal)
	status := mod.ExportedGlobal(meter.StatusGlobal)
	if !ok || status == nil {
		return Report{}, newError(Instantiation, "instantiate", errors.New("module is not metered"))
	}
	fuel.Set(req.Fuel)

	if prog.meta.HasStart {
		if _, err := mod.ExportedFunction(meter.StartFunction).Call(ctx); err != nil {
			return Report{}, classify(ctx, ec, status, Instantiation, "start", err)
		}
	}

	fn, err := resolve(mod, req)
	if err != nil {
		return Report{}, err
	}

	params := make([]uint64, len(req.Args))
	for i, arg := range req.Args {
		params[i] = api.EncodeI32(arg)
	}

	ec.advance(stateRunning)
	start := time.Now()
	results, err := fn.Call(ctx, params...)
	elapsed := time.Since(start)

	if err != nil {
		return Report{}, classify(ctx, ec, status, GuestTrap, "call", err)
	}
	// A rejected memory.grow returns -1 to the guest, which may carry on.
	if ec.violation != nil {
		return Report{}, newError(ResourceLimitExceeded, "call", ec.violation)
	}
	if len(results) != 1 {
		return Report{}, newError(ResultType, "call", fmt.Errorf("got %d results, want 1", len(results)))
	}

	var consumed uint64
	if remaining := fuel.Get(); remaining <= req.Fuel {
		consumed = req.Fuel - remaining
	}
	return Report{
		Result:              api.DecodeI32(results[0]),
		FuelConsumed:        consumed,
		MemoryConsumedBytes: req.MemoryLimitBytes,
		PeakMemoryBytes:     ec.peak,
		TimeConsumed:        elapsed,
	}, nil
}

// classify maps a failed guest call to an *Error. Running out of fuel and
// hitting a limit take precedence over the trap they caused.
func classify(ctx context.Context, ec *execContext, status api.Global, fallback Kind, op string, err error) *Error {
	switch {
	case status.Get() == meter.StatusOutOfFuel:
		return newError(FuelExhausted, op, errors.New("fuel budget exhausted"))
	case ec.violation != nil:
		return newError(ResourceLimitExceeded, op, ec.violation)
	case ctx.Err() != nil:
		return newError(fallback, op, fmt.Errorf("%w: %v", ctx.Err(), err))
	default:
		return newError(fallback, op, err)
	}
}

func resolve(mod api.Module, req Request) (api.Function, error) {
	fn := mod.ExportedFunction(req.Function)
	if fn == nil || strings.HasPrefix(req.Function, meter.ReservedPrefix) {
		return nil, newError(FunctionNotFound, "resolve", fmt.Errorf("function %q is not exported", req.Function))
	}
	def := fn.Definition()
	if err := checkSignature(def.ParamTypes(), def.ResultTypes(), len(req.Args)); err != nil {
		return nil, newError(SignatureMismatch, "resolve", fmt.Errorf("function %q: %w", req.Function, err))
	}
	return fn, nil
}

// checkSignature accepts only (i32, ...) -> i32 called with one argument
// per parameter.
func checkSignature(params, results []api.ValueType, args int) error {
	for i, p := range params {
		if p != api.ValueTypeI32 {
			return fmt.Errorf("parameter %d is %s, only i32 is supported", i, api.ValueTypeName(p))
		}
	}
	if len(params) != args {
		return fmt.Errorf("takes %d arguments, got %d", len(params), args)
	}
	if len(results) != 1 || results[0] != api.ValueTypeI32 {
		return fmt.Errorf("returns %s, want (i32)", typeList(results))
	}
	return nil
}

func typeList(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return "(" + strings.Join(names, ", ") + ")"
}

// program returns the compiled form of wasm, from the cache when enabled.
func (e *Executor) program(ctx context.Context, wasm []byte) (*program, error) {
	if e.cfg.moduleCache {
		return e.getCompiled(ctx, wasm)
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errClosed
	}
	return e.compile(ctx, wasm)
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (e *Executor) getCompiled(ctx context.Context, wasm []byte) (*program, error) {
	key := sha256.Sum256(wasm)

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errClosed
	}
	if prog, ok := e.compiled[key]; ok {
		e.mu.RUnlock()
		e.cfg.metrics.cacheHit(true)
		return prog, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errClosed
	}
	if prog, ok := e.compiled[key]; ok {
		e.cfg.metrics.cacheHit(true)
		return prog, nil
	}
	e.cfg.metrics.cacheHit(false)

	prog, err := e.compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	prog.cached = true
	e.compiled[key] = prog
	return prog, nil
}

func (e *Executor) compile(ctx context.Context, wasm []byte) (*program, error) {
	meta, err := meter.Instrument(wasm)
	if err != nil {
		return nil, fmt.Errorf("instrument: %w", err)
	}
	compiled, err := e.runtime.CompileModule(ctx, meta.Binary)
	if err != nil {
		return nil, err
	}
	e.log.Debug("compiled module",
		zap.Int("bytes", len(wasm)),
		zap.Int("charge_points", meta.ChargePoints),
		zap.Bool("table_guard", meta.TableGuard),
	)
	meta.Binary = nil
	return &program{compiled: compiled, meta: meta}, nil
}

// Close releases all resources held by the Executor.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.compiled = nil

	ctx := context.Background()

	err := e.runtime.Close(ctx)
	if e.cache != nil {
		err = multierr.Append(err, e.cache.Close(ctx))
	}
	return err
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wasmbox")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wasmbox")
	}
	return filepath.Join(os.TempDir(), "wasmbox-cache")
}
