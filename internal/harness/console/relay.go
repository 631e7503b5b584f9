package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	debugStyle = lipgloss.NewStyle().Faint(true)
)

// RelayOptions tunes how messages are rendered.
type RelayOptions struct {
	// Color enables level colouring. Use IsTerminal to decide.
	Color  bool
	Buffer int
}

// Relay copies console messages to a host writer in emission order.
type Relay struct {
	out  io.Writer
	opts RelayOptions
	sub  *Subscription

	mu      sync.Mutex
	err     error
	lines   int
	perRun  map[string]int
	written uint64
	changed chan struct{}
	doneCh  chan struct{}
}

// NewRelay subscribes to the emitter and starts forwarding to out.
func NewRelay(emitter *Emitter, out io.Writer, opts RelayOptions) *Relay {
	r := &Relay{
		out:     out,
		opts:    opts,
		sub:     emitter.Subscribe(opts.Buffer),
		perRun:  make(map[string]int),
		changed: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Relay) loop() {
	defer close(r.doneCh)
	for msg := range r.sub.C() {
		text := r.Format(msg)
		_, err := io.WriteString(r.out, text)

		n := strings.Count(text, "\n")
		r.mu.Lock()
		r.lines += n
		if msg.RunID != "" {
			r.perRun[msg.RunID] += n
		}
		if msg.Seq > r.written {
			r.written = msg.Seq
		}
		if err != nil && r.err == nil {
			r.err = err
		}
		close(r.changed)
		r.changed = make(chan struct{})
		r.mu.Unlock()
	}
}

// Stop detaches from the emitter, flushes what was already delivered and
// returns the first write error, if any.
func (r *Relay) Stop() error {
	r.sub.Cancel()
	<-r.doneCh
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Lines reports how many lines were written so far.
func (r *Relay) Lines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines
}

// RunLines reports how many lines were written for runID so far.
func (r *Relay) RunLines(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perRun[runID]
}

// Drain blocks until every message up to seq has been written, the relay
// stops, or ctx ends.
func (r *Relay) Drain(ctx context.Context, seq uint64) error {
	for {
		r.mu.Lock()
		written, changed := r.written, r.changed
		r.mu.Unlock()
		if written >= seq {
			return nil
		}
		select {
		case <-changed:
		case <-r.doneCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Format renders msg as one or more newline-terminated lines, each carrying
// the level prefix.
func (r *Relay) Format(msg Message) string {
	prefix := levelPrefix(msg)
	text := strings.TrimRight(strings.ReplaceAll(msg.Text, "\r\n", "\n"), "\n")

	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		rendered := prefix + line
		if r.opts.Color {
			rendered = colourize(msg.Level, rendered)
		}
		b.WriteString(rendered)
		b.WriteByte('\n')
	}
	return b.String()
}

func levelPrefix(msg Message) string {
	switch msg.Source {
	case SourceStdout, SourceStderr:
		return ""
	case SourceException:
		return "ERROR: "
	}
	switch strings.ToLower(msg.Level) {
	case "warning", "warn":
		return "WARN: "
	case "error", "assert":
		return "ERROR: "
	case "info":
		return "INFO: "
	case "debug", "verbose":
		return "DEBUG: "
	default:
		return "LOG: "
	}
}

func colourize(level, s string) string {
	switch strings.ToLower(level) {
	case "warning", "warn":
		return warnStyle.Render(s)
	case "error", "assert":
		return errorStyle.Render(s)
	case "debug", "verbose":
		return debugStyle.Render(s)
	}
	return s
}

// IsTerminal reports whether w is a terminal file descriptor.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func (m Message) String() string {
	return fmt.Sprintf("#%d %s/%s: %s", m.Seq, m.Source, m.Level, m.Text)
}
