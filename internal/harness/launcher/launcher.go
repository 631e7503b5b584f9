// Package launcher resolves browser names to registered launchers and owns
// the browser child process for the duration of a run.
package launcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/ccheshirecat/wasmharness/internal/harness/console"
)

// LaunchSpec contains what a launcher needs to open the test page.
type LaunchSpec struct {
	RunID       string
	Browser     string
	URL         string
	Flags       []string
	ExecPath    string
	Options     map[string]string
	KillTimeout time.Duration
	Console     *console.Emitter
}

// Option returns spec.Options[key] or fallback.
func (s LaunchSpec) Option(key, fallback string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Instance is a running browser process.
type Instance interface {
	PID() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err reports why the process exited; valid after Done is closed.
	Err() error
	Stop(ctx context.Context) error
}

// Launcher starts browser processes of one kind.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
	// NativeConsole reports whether the launcher reads the browser console
	// itself. When false the page forwards console calls over HTTP.
	NativeConsole() bool
}

// Factory constructs a launcher.
type Factory func(logger *slog.Logger) Launcher
