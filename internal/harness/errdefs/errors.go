// Package errdefs holds the error kinds surfaced by a harness run and their
// process exit codes.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Exit codes returned to the invoking process.
const (
	ExitSuiteFailed      = 1
	ExitConfig           = 2
	ExitFileNotFound     = 3
	ExitLauncherNotFound = 4
	ExitChildProcess     = 5
	ExitTimeout          = 6
	ExitInterrupted      = 130
)

// ConfigError marks a malformed or incomplete runner declaration.
type ConfigError struct {
	Field string
	Err   error
}

func (e ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e ConfigError) Unwrap() error { return e.Err }

// FileNotFoundError reports a declared pattern that matched no file.
type FileNotFoundError struct {
	Pattern  string
	BasePath string
	Err      error
}

func (e FileNotFoundError) Error() string {
	msg := fmt.Sprintf("files: pattern %q matched no files under %s", e.Pattern, e.BasePath)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e FileNotFoundError) Unwrap() error { return e.Err }

// LauncherNotFoundError reports an unknown browser name or base launcher id.
type LauncherNotFoundError struct {
	Name string
	Base string
}

func (e LauncherNotFoundError) Error() string {
	if e.Base != "" && e.Base != e.Name {
		return fmt.Sprintf("launcher: browser %q uses unregistered launcher %q", e.Name, e.Base)
	}
	return fmt.Sprintf("launcher: no launcher registered for %q", e.Name)
}

// ChildProcessError reports a browser that failed to start or died mid-run.
type ChildProcessError struct {
	Browser string
	Err     error
}

func (e ChildProcessError) Error() string {
	return fmt.Sprintf("browser %s: %v", e.Browser, e.Err)
}

func (e ChildProcessError) Unwrap() error { return e.Err }

// TimeoutError reports a phase that did not finish in time.
type TimeoutError struct {
	Browser string
	Phase   string
	After   time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("browser %s: %s timed out after %s", e.Browser, e.Phase, e.After)
}

// SuiteFailedError reports a suite that completed with a non-zero status.
type SuiteFailedError struct {
	Browser string
	Code    int
	Message string
}

func (e SuiteFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("browser %s: suite exited with code %d: %s", e.Browser, e.Code, e.Message)
	}
	return fmt.Sprintf("browser %s: suite exited with code %d", e.Browser, e.Code)
}

// ExitCode maps err onto the exit code of its kind. A nil error maps to 0 and
// unclassified errors map to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var (
		configErr   ConfigError
		fileErr     FileNotFoundError
		launcherErr LauncherNotFoundError
		childErr    ChildProcessError
		timeoutErr  TimeoutError
		suiteErr    SuiteFailedError
	)
	switch {
	case errors.As(err, &configErr):
		return ExitConfig
	case errors.As(err, &fileErr):
		return ExitFileNotFound
	case errors.As(err, &launcherErr):
		return ExitLauncherNotFound
	case errors.As(err, &timeoutErr):
		return ExitTimeout
	case errors.As(err, &childErr):
		return ExitChildProcess
	case errors.As(err, &suiteErr):
		return ExitSuiteFailed
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	}
	return 1
}
