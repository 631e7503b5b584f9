package standard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/wasmharness/internal/harness/config"
	"github.com/ccheshirecat/wasmharness/internal/harness/history"
	"github.com/ccheshirecat/wasmharness/internal/harness/launcher"
	"github.com/ccheshirecat/wasmharness/internal/harness/launcher/chrome"
	"github.com/ccheshirecat/wasmharness/internal/harness/launcher/process"
	"github.com/ccheshirecat/wasmharness/internal/shared/logging"
)

const defaultHistoryPath = "~/.wasmharness/history.db"

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func encodeAsJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func loggerFromCmd(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return logging.New("wasmharness", logging.Options{Level: level, Format: format, Output: cmd.ErrOrStderr()})
}

func configFromCmd(cmd *cobra.Command, ov config.Overrides) (config.RunnerConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, ov)
}

// openHistory opens the run history store, or returns nil when history is
// disabled.
func openHistory(cmd *cobra.Command) (*history.Store, error) {
	path, _ := cmd.Flags().GetString("history-db")
	if path == "" {
		return nil, nil
	}
	return history.Open(cmd.Context(), path)
}

// openRunHistory is openHistory for commands where history is incidental: an
// unusable store is logged and the command goes on without one.
func openRunHistory(cmd *cobra.Command, logger *slog.Logger) *history.Store {
	store, err := openHistory(cmd)
	if err != nil {
		logger.Warn("run history disabled", "error", err)
		return nil
	}
	return store
}

func closeHistory(store *history.Store, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(context.Background()); err != nil {
		logger.Warn("close history", "error", err)
	}
}

// newRegistry registers every built-in launcher.
func newRegistry() (*launcher.Registry, error) {
	reg := launcher.NewRegistry()
	if err := chrome.Register(reg); err != nil {
		return nil, err
	}
	if err := process.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
