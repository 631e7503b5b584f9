// Package history persists one row per browser run in SQLite.
package history

import (
	"time"

	"github.com/ccheshirecat/wasmharness/internal/harness/events"
)

// Record is a stored browser run.
type Record struct {
	ID           string           `json:"id"`
	Browser      string           `json:"browser"`
	Launcher     string           `json:"launcher,omitempty"`
	Status       events.RunStatus `json:"status"`
	ExitCode     *int             `json:"exit_code,omitempty"`
	PID          int              `json:"pid,omitempty"`
	Message      string           `json:"message,omitempty"`
	ConsoleLines int              `json:"console_lines"`
	PageURL      string           `json:"page_url,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is unfinished.
func (r Record) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
