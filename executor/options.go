package executor

import (
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmbox/limits"
)

// Option configures the Executor at creation time. The resulting
// configuration is fixed for the Executor's lifetime.
type Option func(*config)

type config struct {
	diskCache   bool
	cacheDir    string
	interpreter bool
	maxTable    uint32
	moduleCache bool
	precompile  []string
	logger      *zap.Logger
	metrics     *Metrics
}

func defaultConfig() config {
	return config{
		maxTable:    limits.DefaultMaxTableEntries,
		moduleCache: true,
		logger:      zap.NewNop(),
	}
}

// WithDiskCache enables the persistent compilation cache for faster CLI
// startup. Optionally provide a custom directory; otherwise uses
// ~/.cache/wasmbox or XDG_CACHE_HOME/wasmbox.
//
// Examples:
//
//	executor.New(executor.WithDiskCache())             // default dir
//	executor.New(executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithInterpreter runs guests in wazero's interpreter instead of compiling
// them to native code. Compilation is faster, execution slower.
func WithInterpreter() Option {
	return func(c *config) {
		c.interpreter = true
	}
}

// WithMaxTableEntries sets the table ceiling. Default is
// limits.DefaultMaxTableEntries.
func WithMaxTableEntries(n uint32) Option {
	return func(c *config) {
		c.maxTable = n
	}
}

// WithModuleCache controls whether compiled modules are kept and reused
// for identical binaries. Enabled by default.
func WithModuleCache(enabled bool) Option {
	return func(c *config) {
		c.moduleCache = enabled
	}
}

// WithPrecompile compiles the modules at the given paths at Executor
// creation time. This moves the compilation cost to startup rather than
// the first Execute.
func WithPrecompile(paths ...string) Option {
	return func(c *config) {
		c.precompile = append(c.precompile, paths...)
	}
}

// WithLogger sets the logger. Default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records every invocation in m.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}
