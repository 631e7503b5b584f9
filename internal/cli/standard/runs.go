package standard

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded browser runs",
	}
	cmd.AddCommand(newRunsListCmd())
	cmd.AddCommand(newRunsShowCmd())
	return cmd
}

var errHistoryDisabled = errors.New("run history is disabled (set --history-db)")

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromCmd(cmd)
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			if store == nil {
				return errHistoryDisabled
			}
			defer closeHistory(store, logger)

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return encodeAsJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-16s %-10s %-6s %-20s %-10s\n", "ID", "BROWSER", "STATUS", "EXIT", "STARTED", "DURATION")
			for _, r := range runs {
				exit := "-"
				if r.ExitCode != nil {
					exit = fmt.Sprintf("%d", *r.ExitCode)
				}
				fmt.Fprintf(out, "%-36s %-16s %-10s %-6s %-20s %-10s\n",
					r.ID, r.Browser, r.Status, exit, r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to show (0 for all)")
	cmd.Flags().Bool("json", false, "print as JSON")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromCmd(cmd)
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			if store == nil {
				return errHistoryDisabled
			}
			defer closeHistory(store, logger)

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID: %s\nBrowser: %s\nLauncher: %s\nStatus: %s\n", run.ID, run.Browser, run.Launcher, run.Status)
			if run.ExitCode != nil {
				fmt.Fprintf(out, "Exit code: %d\n", *run.ExitCode)
			}
			if run.PID > 0 {
				fmt.Fprintf(out, "PID: %d\n", run.PID)
			}
			fmt.Fprintf(out, "Started: %s\n", run.StartedAt.Local().Format(time.RFC3339))
			if run.FinishedAt != nil {
				fmt.Fprintf(out, "Duration: %s\n", run.Duration().Round(time.Millisecond))
			}
			fmt.Fprintf(out, "Console lines: %d\n", run.ConsoleLines)
			if run.PageURL != "" {
				fmt.Fprintf(out, "Page: %s\n", run.PageURL)
			}
			if run.Message != "" {
				fmt.Fprintf(out, "Message: %s\n", run.Message)
			}
			return nil
		},
	}
}
