package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ccheshirecat/wasmharness/internal/cli/client"
	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/events"
)

func testModel(t *testing.T) model {
	t.Helper()
	api, err := client.New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newModel(ctx, cancel, api)
}

func update(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(model)
	if !ok {
		t.Fatalf("unexpected model type %T", next)
	}
	return out
}

func TestRunsRenderInTable(t *testing.T) {
	m := testModel(t)
	code := 1
	m = update(t, m, runsMsg{runs: []client.Run{{
		ID:           "0123456789abcdef",
		Browser:      "ChromeHeadless",
		Status:       events.RunStatusFailed,
		ExitCode:     &code,
		ConsoleLines: 42,
		StartedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}}})

	rows := m.runs.Rows()
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0] != "01234567" || rows[0][2] != "failed" || rows[0][3] != "1" || rows[0][4] != "42" {
		t.Fatalf("unexpected row: %v", rows[0])
	}
	if !strings.Contains(m.View(), "ChromeHeadless") {
		t.Fatalf("view is missing the browser name")
	}
}

func TestEventsAreNewestFirst(t *testing.T) {
	m := testModel(t)
	for _, id := range []string{"first", "second"} {
		m = update(t, m, runEventMsg{event: client.RunEvent{
			Type:      events.TypeRunStarted,
			RunID:     id,
			Browser:   id,
			Status:    events.RunStatusStarting,
			Timestamp: time.Now(),
		}})
	}
	if len(m.events) != 2 || !strings.Contains(m.events[0], "second") {
		t.Fatalf("unexpected events: %v", m.events)
	}
}

func TestConsoleKeepsTail(t *testing.T) {
	m := testModel(t)
	for i := 0; i < maxLogLines+5; i++ {
		m = update(t, m, consoleMsg{msg: console.Message{RunID: "run", Level: "log", Text: "line"}})
	}
	if len(m.console) != maxLogLines {
		t.Fatalf("console lines = %d, want %d", len(m.console), maxLogLines)
	}
	if m.console[0] != "run LOG: line" {
		t.Fatalf("unexpected line %q", m.console[0])
	}
}

func TestErrorsAndClosedStreamsShow(t *testing.T) {
	m := testModel(t)
	m = update(t, m, errMsg{err: errors.New("connection refused")})
	m = update(t, m, streamClosedMsg{name: "console"})
	view := m.View()
	if !strings.Contains(view, "connection refused") || !strings.Contains(view, "console stream closed") {
		t.Fatalf("view missing error state:\n%s", view)
	}
}

func TestQuitCancelsContext(t *testing.T) {
	m := testModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
	if m.ctx.Err() == nil {
		t.Fatalf("context should be cancelled on quit")
	}
}
