// Package main is the homecore command: it loads a configuration, wires the
// event bus, state store, command registry and rule engine, and runs them
// until interrupted.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "homecore"

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPaths []string
	logLevel    string
	logFormat   string
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("homecore failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "homecore - reactive home automation core",
		Long:          "Runs an event bus, entity state store, command registry and automation rule engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := []string{}
	if env := os.Getenv("HOMECORE_CONFIG"); env != "" {
		defaultConfig = append(defaultConfig, env)
	}
	cmd.PersistentFlags().StringSliceVarP(&opts.configPaths, "config", "c", defaultConfig,
		"configuration file; repeat to layer files (env: HOMECORE_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override logging.level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "",
		"override logging.format: text, json")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s, %s)\n",
				appName, Version, BuildTime, runtime.Version())
			return err
		},
	}
}
