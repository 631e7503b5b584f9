package standard

import (
	"github.com/spf13/cobra"

	"github.com/ccheshirecat/wasmharness/internal/cli/client"
	"github.com/ccheshirecat/wasmharness/internal/cli/tui"
)

func newDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Watch runs of a harness started with --status-listen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("api")
			return tui.Run(cmd.Context(), addr)
		},
	}
	cmd.Flags().String("api", envOrDefault("WASMHARNESS_API", client.DefaultBaseURL), "status API base URL")
	return cmd
}
