// Package tui renders a live dashboard of harness runs.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ccheshirecat/wasmharness/internal/cli/client"
	"github.com/ccheshirecat/wasmharness/internal/harness/console"
)

const (
	refreshInterval = 5 * time.Second
	maxLogLines     = 200
	visibleEvents   = 8
	visibleConsole  = 12
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type runsMsg struct {
	runs []client.Run
}

type runEventMsg struct {
	event client.RunEvent
}

type consoleMsg struct {
	msg console.Message
}

type errMsg struct {
	err error
}

type streamClosedMsg struct {
	name string
}

type tickMsg struct{}

// Run launches the dashboard against the status API at baseURL.
func Run(ctx context.Context, baseURL string) error {
	api, err := client.New(baseURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newModel(ctx, cancel, api)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

type model struct {
	ctx    context.Context
	cancel context.CancelFunc
	api    *client.Client

	runs    table.Model
	events  []string
	console []string
	err     error
	closed  map[string]bool

	eventCh   chan client.RunEvent
	consoleCh chan console.Message
}

func newModel(ctx context.Context, cancel context.CancelFunc, api *client.Client) model {
	columns := []table.Column{
		{Title: "ID", Width: 12},
		{Title: "BROWSER", Width: 22},
		{Title: "STATUS", Width: 10},
		{Title: "EXIT", Width: 5},
		{Title: "LINES", Width: 6},
		{Title: "STARTED", Width: 20},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	return model{
		ctx:       ctx,
		cancel:    cancel,
		api:       api,
		runs:      t,
		closed:    make(map[string]bool),
		eventCh:   make(chan client.RunEvent, 16),
		consoleCh: make(chan console.Message, 64),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		fetchRunsCmd(m.ctx, m.api),
		watchEventsCmd(m.ctx, m.api, m.eventCh),
		watchConsoleCmd(m.ctx, m.api, m.consoleCh),
		waitEventCmd(m.eventCh),
		waitConsoleCmd(m.consoleCh),
		tickCmd(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}
	case runsMsg:
		m.runs.SetRows(runRows(msg.runs))
		m.err = nil
		return m, nil
	case runEventMsg:
		m.events = prepend(m.events, formatEvent(msg.event))
		return m, tea.Batch(fetchRunsCmd(m.ctx, m.api), waitEventCmd(m.eventCh))
	case consoleMsg:
		m.console = append(m.console, formatConsole(msg.msg))
		if len(m.console) > maxLogLines {
			m.console = m.console[len(m.console)-maxLogLines:]
		}
		return m, waitConsoleCmd(m.consoleCh)
	case errMsg:
		m.err = msg.err
		return m, nil
	case streamClosedMsg:
		m.closed[msg.name] = true
		return m, nil
	case tickMsg:
		return m, tea.Batch(tickCmd(), fetchRunsCmd(m.ctx, m.api))
	}

	var cmd tea.Cmd
	m.runs, cmd = m.runs.Update(msg)
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("wasmharness :: runs (q to quit)"))
	b.WriteString("\n\n")
	b.WriteString(m.runs.View())
	b.WriteString("\n\n")

	b.WriteString(titleStyle.Render("Events"))
	b.WriteString("\n")
	if len(m.events) == 0 {
		b.WriteString(dimStyle.Render("  (waiting for events)"))
		b.WriteString("\n")
	}
	for i, line := range m.events {
		if i >= visibleEvents {
			break
		}
		b.WriteString("  " + line + "\n")
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("Console"))
	b.WriteString("\n")
	if len(m.console) == 0 {
		b.WriteString(dimStyle.Render("  (no output yet)"))
		b.WriteString("\n")
	}
	start := len(m.console) - visibleConsole
	if start < 0 {
		start = 0
	}
	for _, line := range m.console[start:] {
		b.WriteString("  " + line + "\n")
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	}
	for _, name := range []string{"events", "console"} {
		if m.closed[name] {
			b.WriteString(dimStyle.Render(fmt.Sprintf("\n%s stream closed.", name)))
		}
	}
	return b.String()
}

func runRows(runs []client.Run) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		rows = append(rows, table.Row{
			shortID(r.ID),
			r.Browser,
			string(r.Status),
			exit,
			strconv.Itoa(r.ConsoleLines),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}

func formatEvent(ev client.RunEvent) string {
	ts := ev.Timestamp.Local().Format("15:04:05")
	line := fmt.Sprintf("%s %-14s %-10s %s", ts, ev.Type, ev.Status, ev.Browser)
	if ev.Message != "" {
		line += " " + ev.Message
	}
	return line
}

func formatConsole(msg console.Message) string {
	return fmt.Sprintf("%s %s: %s", shortID(msg.RunID), strings.ToUpper(msg.Level), msg.Text)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func prepend(lines []string, line string) []string {
	lines = append([]string{line}, lines...)
	if len(lines) > maxLogLines {
		lines = lines[:maxLogLines]
	}
	return lines
}

func fetchRunsCmd(parent context.Context, api *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		runs, err := api.ListRuns(ctx, 0)
		if err != nil {
			return errMsg{err: err}
		}
		return runsMsg{runs: runs}
	}
}

func watchEventsCmd(ctx context.Context, api *client.Client, ch chan<- client.RunEvent) tea.Cmd {
	return func() tea.Msg {
		go func() {
			defer close(ch)
			err := api.WatchRunEvents(ctx, func(ev client.RunEvent) {
				select {
				case ch <- ev:
				case <-ctx.Done():
				}
			})
			if err != nil && ctx.Err() == nil {
				select {
				case ch <- client.RunEvent{Type: "ERROR", Message: err.Error(), Timestamp: time.Now().UTC()}:
				default:
				}
			}
		}()
		return nil
	}
}

func watchConsoleCmd(ctx context.Context, api *client.Client, ch chan<- console.Message) tea.Cmd {
	return func() tea.Msg {
		go func() {
			defer close(ch)
			err := api.WatchConsole(ctx, func(msg console.Message) {
				select {
				case ch <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil && ctx.Err() == nil {
				select {
				case ch <- console.Message{Level: "error", Text: err.Error(), Timestamp: time.Now().UTC()}:
				default:
				}
			}
		}()
		return nil
	}
}

func waitEventCmd(ch <-chan client.RunEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{name: "events"}
		}
		return runEventMsg{event: ev}
	}
}

func waitConsoleCmd(ch <-chan console.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamClosedMsg{name: "console"}
		}
		return consoleMsg{msg: msg}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}
