package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmbox/executor"
	"github.com/caffeineduck/wasmbox/limits"
)

func newRunCmd(env envConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <path> [ARGS...]",
		Short: "Run an exported function of a module",
		Long: `Run one exported function of a WebAssembly module and report its result
with the fuel, memory and time it consumed.

The function must take only i32 parameters and return a single i32.
Negative arguments go after a -- separator:
  wasmbox run sub.wasm -f sub -- -5 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, env)
		},
	}

	cmd.Flags().StringP("function", "f", env.Function, "Exported function to call")
	cmd.Flags().Uint64P("memory", "m", env.MemoryMB, "Memory limit in megabytes")
	cmd.Flags().Uint64("fuel", env.Fuel, "Fuel budget")
	cmd.Flags().Uint32("table-entries", env.TableEntries, "Maximum entries per table")
	cmd.Flags().Bool("metrics", false, "Print execution metrics after the run")
	return cmd
}

func runRun(cmd *cobra.Command, args []string, env envConfig) error {
	function, _ := cmd.Flags().GetString("function")
	memoryMB, _ := cmd.Flags().GetUint64("memory")
	fuel, _ := cmd.Flags().GetUint64("fuel")
	tableEntries, _ := cmd.Flags().GetUint32("table-entries")
	showMetrics, _ := cmd.Flags().GetBool("metrics")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	interpreter, _ := cmd.Flags().GetBool("interpreter")

	memoryBytes, err := limits.MegabytesToBytes(memoryMB)
	if err != nil {
		return fmt.Errorf("--memory %d: %w", memoryMB, err)
	}
	guestArgs, err := parseArgs(args[1:])
	if err != nil {
		return err
	}

	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	var registry *prometheus.Registry
	opts := []executor.Option{
		executor.WithLogger(log),
		executor.WithMaxTableEntries(tableEntries),
	}
	if !noCache {
		opts = append(opts, executor.WithDiskCache(env.CacheDir))
	}
	if interpreter {
		opts = append(opts, executor.WithInterpreter())
	}
	if showMetrics {
		registry = prometheus.NewRegistry()
		opts = append(opts, executor.WithMetrics(executor.NewMetrics(registry)))
	}

	exec, err := executor.New(opts...)
	if err != nil {
		return err
	}
	defer exec.Close()

	report, err := exec.Execute(context.Background(), executor.Request{
		ModulePath:       args[0],
		Function:         function,
		Args:             guestArgs,
		MemoryLimitBytes: memoryBytes,
		Fuel:             fuel,
	})
	if err != nil {
		kind, _ := executor.KindOf(err)
		log.Error("execution failed",
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
	} else {
		log.Info("execution succeeded",
			zap.Int32("result", report.Result),
			zap.Uint64("fuel_consumed", report.FuelConsumed),
			zap.Uint64("memory_consumed_bytes", report.MemoryConsumedBytes),
			zap.Uint64("peak_memory_bytes", report.PeakMemoryBytes),
			zap.Duration("time_consumed", report.TimeConsumed),
		)
	}

	if registry != nil {
		if merr := writeMetrics(cmd, registry); merr != nil && err == nil {
			err = merr
		}
	}
	return err
}

// parseArgs converts positional arguments to signed 32-bit integers.
func parseArgs(args []string) ([]int32, error) {
	out := make([]int32, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q) is not a 32-bit integer", i+1, a)
		}
		out[i] = int32(v)
	}
	return out, nil
}

func writeMetrics(cmd *cobra.Command, registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
