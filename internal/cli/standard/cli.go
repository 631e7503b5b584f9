// Package standard implements the wasmharness command-line interface.
package standard

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...standard.Version=...".
var Version = "dev"

// Execute runs the Cobra-based CLI entry point. The returned error carries
// the kind errdefs.ExitCode maps to a process exit status.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wasmharness",
		Short:         "Run compiled WebAssembly test bundles in a browser",
		Long:          "wasmharness serves a WebAssembly test bundle over local HTTP, opens it in a browser and relays the console until the suite reports.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", envOrDefault("WASMHARNESS_CONFIG", ""), "runner declaration (.yaml, .yml, .json or .hcl); built-in default when empty")
	flags.String("log-level", envOrDefault("WASMHARNESS_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flags.String("log-format", envOrDefault("WASMHARNESS_LOG_FORMAT", "text"), "log format: text or json")
	flags.String("history-db", envOrDefault("WASMHARNESS_HISTORY_DB", defaultHistoryPath), "run history database; empty disables history")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newLaunchersCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newDashboardCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wasmharness version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wasmharness %s\n", Version)
		},
	}
}
