package events

import "time"

// RunStatus is the lifecycle stage carried in a RunEvent.
type RunStatus string

const (
	RunStatusStarting RunStatus = "starting"
	RunStatusCaptured RunStatus = "captured"
	RunStatusPassed   RunStatus = "passed"
	RunStatusFailed   RunStatus = "failed"
	RunStatusTimedOut RunStatus = "timed_out"
	RunStatusCrashed  RunStatus = "crashed"
	RunStatusAborted  RunStatus = "aborted"
)

// RunEvent describes a significant change in a browser run.
type RunEvent struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Browser   string    `json:"browser"`
	Launcher  string    `json:"launcher,omitempty"`
	Status    RunStatus `json:"status"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

const (
	TypeRunStarted   = "RUN_STARTED"
	TypeRunLaunched  = "RUN_LAUNCHED"
	TypeRunCaptured  = "RUN_CAPTURED"
	TypeRunCompleted = "RUN_COMPLETED"
)
