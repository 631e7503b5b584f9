package standard

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/wasmharness/internal/harness/config"
	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/eventbus/memory"
	"github.com/ccheshirecat/wasmharness/internal/harness/files"
	"github.com/ccheshirecat/wasmharness/internal/harness/launcher"
	"github.com/ccheshirecat/wasmharness/internal/harness/proxy"
	"github.com/ccheshirecat/wasmharness/internal/harness/runner"
	"github.com/ccheshirecat/wasmharness/internal/harness/statusapi"
)

func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().String("base-path", "", "override basePath")
	cmd.Flags().StringSlice("browsers", nil, "override the browsers to run")
	cmd.Flags().String("host", "", "file server host")
	cmd.Flags().Int("port", 0, "file server port (0 picks a free port)")
	cmd.Flags().Duration("capture-timeout", 0, "time allowed for the browser to load the page")
	cmd.Flags().Duration("run-timeout", 0, "time allowed for the suite to report")
}

func overridesFromCmd(cmd *cobra.Command) config.Overrides {
	var ov config.Overrides
	ov.BasePath, _ = cmd.Flags().GetString("base-path")
	ov.Browsers, _ = cmd.Flags().GetStringSlice("browsers")
	ov.Host, _ = cmd.Flags().GetString("host")
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		ov.Port = &port
	}
	ov.CaptureTimeout, _ = cmd.Flags().GetDuration("capture-timeout")
	ov.RunTimeout, _ = cmd.Flags().GetDuration("run-timeout")
	return ov
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the test bundle and run it in every configured browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			logger := loggerFromCmd(cmd)

			fmt.Fprintf(out, "_HARNESS_ARGS:%s\n", strings.Join(os.Args, ","))
			logger.Info("harness invoked", "args", os.Args)

			cfg, err := configFromCmd(cmd, overridesFromCmd(cmd))
			if err != nil {
				return err
			}
			registry, err := newRegistry()
			if err != nil {
				return err
			}

			store := openRunHistory(cmd, logger)
			defer closeHistory(store, logger)

			emitter := console.NewEmitter()
			defer emitter.Close()
			bus := memory.New()

			ctx := cmd.Context()
			params := runner.Params{
				Config:   cfg,
				Logger:   logger.With("component", "runner"),
				Registry: registry,
				Bus:      bus,
				Console:  emitter,
				Output:   out,
			}
			noColor, _ := cmd.Flags().GetBool("no-color")
			params.RelayColor = !noColor && console.IsTerminal(out)
			if store != nil {
				params.Recorder = store
			}

			if addr, _ := cmd.Flags().GetString("status-listen"); addr != "" {
				var runs statusapi.RunStore
				if store != nil {
					runs = store
				}
				statusCtx, stopStatus := context.WithCancel(ctx)
				defer stopStatus()
				handler := statusapi.New(logger.With("component", "statusapi"), runs, emitter, bus)
				go func() {
					if err := statusapi.Serve(statusCtx, addr, handler, logger); err != nil {
						logger.Error("status api", "error", err)
					}
				}()
			}

			summary, runErr := runner.New(params).Run(ctx)

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				if err := encodeAsJSON(out, summary.Runs); err != nil {
					return err
				}
			} else {
				printSummary(out, summary)
			}
			return runErr
		},
	}
	addOverrideFlags(cmd)
	cmd.Flags().String("status-listen", envOrDefault("WASMHARNESS_STATUS_LISTEN", ""), "serve the status API on this address")
	cmd.Flags().Bool("no-color", false, "disable console colouring")
	cmd.Flags().Bool("json", false, "print the run summary as JSON")
	return cmd
}

func printSummary(out io.Writer, summary runner.Summary) {
	passed := 0
	for _, r := range summary.Runs {
		line := fmt.Sprintf("%s: %s in %s", r.Browser, strings.ToUpper(string(r.Status)), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		if r.ExitCode != nil {
			line += fmt.Sprintf(" (exit %d)", *r.ExitCode)
		}
		if r.Err != nil && r.ExitCode == nil {
			line += " (" + r.Err.Error() + ")"
		}
		fmt.Fprintln(out, line)
		if r.Err == nil {
			passed++
		}
	}
	if len(summary.Runs) > 0 {
		fmt.Fprintf(out, "Executed %d of %d browsers: %d passed\n", len(summary.Runs), len(summary.Runs), passed)
	}
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the declaration, resolve files and launchers without running",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			logger := loggerFromCmd(cmd)

			cfg, err := configFromCmd(cmd, overridesFromCmd(cmd))
			if err != nil {
				return err
			}
			set, err := files.Resolve(cfg.BasePath, cfg.Files)
			if err != nil {
				return err
			}
			table, err := proxy.New(cfg.Proxies)
			if err != nil {
				return err
			}
			registry, err := newRegistry()
			if err != nil {
				return err
			}
			dispatcher := launcher.NewDispatcher(registry, cfg, logger)

			fmt.Fprintf(out, "Base path: %s\n", set.BasePath())
			fmt.Fprintf(out, "%-48s %-8s %-8s %-8s\n", "FILE", "INCLUDED", "WATCHED", "SERVED")
			for _, f := range set.All() {
				fmt.Fprintf(out, "%-48s %-8t %-8t %-8t\n", f.URLPath, f.Included, f.Watched, f.Served)
			}
			for _, rule := range table.Rules() {
				fmt.Fprintf(out, "Proxy: %s -> %s\n", rule.From, rule.To)
			}
			for _, name := range cfg.Browsers {
				target, err := dispatcher.Resolve(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Browser: %s (launcher %s)\n", name, target.Profile.BaseLauncherID)
			}
			fmt.Fprintln(out, "Declaration OK")
			return nil
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

func newLaunchersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launchers",
		Short: "List the registered launcher ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := newRegistry()
			if err != nil {
				return err
			}
			logger := loggerFromCmd(cmd)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-24s %-8s\n", "LAUNCHER", "CONSOLE")
			for _, id := range registry.IDs() {
				factory, err := registry.Lookup(id)
				if err != nil {
					return err
				}
				mode := "page"
				if factory(logger).NativeConsole() {
					mode = "native"
				}
				fmt.Fprintf(out, "%-24s %-8s\n", id, mode)
			}
			return nil
		},
	}
}
