package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"config", ConfigError{Field: "browsers", Err: errors.New("required")}, ExitConfig},
		{"file", FileNotFoundError{Pattern: "a.js", BasePath: "."}, ExitFileNotFound},
		{"launcher", LauncherNotFoundError{Name: "ChromeTest", Base: "Nope"}, ExitLauncherNotFound},
		{"child", ChildProcessError{Browser: "Chrome", Err: errors.New("crashed")}, ExitChildProcess},
		{"timeout", TimeoutError{Browser: "Chrome", Phase: "capture", After: time.Second}, ExitTimeout},
		{"suite", SuiteFailedError{Browser: "Chrome", Code: 3}, ExitSuiteFailed},
		{"wrapped launcher", fmt.Errorf("run: %w", LauncherNotFoundError{Name: "x"}), ExitLauncherNotFound},
		{"interrupted", fmt.Errorf("run: %w", context.Canceled), ExitInterrupted},
		{"other", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	cause := errors.New("missing")
	err := fmt.Errorf("load: %w", ConfigError{Field: "files", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through ConfigError")
	}
	var cfgErr ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "files" {
		t.Fatalf("expected ConfigError for files, got %v", err)
	}
}

func TestLauncherNotFoundMessage(t *testing.T) {
	direct := LauncherNotFoundError{Name: "Safari"}
	if got := direct.Error(); got != `launcher: no launcher registered for "Safari"` {
		t.Fatalf("unexpected message %q", got)
	}
	viaBase := LauncherNotFoundError{Name: "ChromeTest", Base: "ChromeNightly"}
	if got := viaBase.Error(); got != `launcher: browser "ChromeTest" uses unregistered launcher "ChromeNightly"` {
		t.Fatalf("unexpected message %q", got)
	}
}
