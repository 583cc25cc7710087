package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmbox/executor"
	"github.com/caffeineduck/wasmbox/internal/logging"
)

func newRootCmd(env envConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wasmbox",
		Short: "Run WebAssembly functions under fuel and memory limits",
		Long: `wasmbox - Run one exported function of an untrusted WebAssembly module.

Every instruction the guest executes costs fuel. Linear memory and tables
are capped, and the module gets no imports: no filesystem, network or clock.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
	cmd.PersistentFlags().Bool("interpreter", false, "Use the interpreter instead of the compiler")
	cmd.PersistentFlags().String("log-level", env.LogLevel, "Log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", logging.FormatConsole, "Log format: console, json")

	cmd.AddCommand(newRunCmd(env))
	return cmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	env, err := loadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd(env).Execute(); err != nil {
		// Execution failures were already logged.
		var execErr *executor.Error
		if !errors.As(err, &execErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return logging.New(logging.Config{Level: level, Format: format}, cmd.OutOrStdout(), cmd.ErrOrStderr())
}
