//go:build unix

// Package process launches an arbitrary browser command and relays its
// output streams as console messages.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/launcher"
)

// ID is the registry id of the command launcher.
const ID = "Command"

const defaultKillTimeout = 10 * time.Second

// Register adds the command launcher to reg.
func Register(reg *launcher.Registry) error {
	return reg.Register(ID, func(logger *slog.Logger) launcher.Launcher {
		return New(logger)
	})
}

// Launcher runs ExecPath with the profile flags followed by the page URL.
// Setting the "tty" option runs the command on a pseudo-terminal.
type Launcher struct {
	logger *slog.Logger
}

// New constructs a command launcher.
func New(logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{logger: logger}
}

func (l *Launcher) NativeConsole() bool { return false }

// Launch starts the command. Its lifetime is bound to Stop, not to ctx.
func (l *Launcher) Launch(ctx context.Context, spec launcher.LaunchSpec) (launcher.Instance, error) {
	if spec.ExecPath == "" {
		return nil, errors.New("process: exec path required")
	}
	path, err := exec.LookPath(spec.ExecPath)
	if err != nil {
		return nil, fmt.Errorf("process: resolve %s: %w", spec.ExecPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append(append([]string(nil), spec.Flags...), spec.URL)
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(),
		"WASMHARNESS_URL="+spec.URL,
		"WASMHARNESS_RUN_ID="+spec.RunID,
	)
	if dir := spec.Option("dir", ""); dir != "" {
		cmd.Dir = dir
	}

	inst := &instance{
		spec:   spec,
		logger: l.logger,
		cmd:    cmd,
		done:   make(chan struct{}),
	}

	var streams []stream
	if spec.Option("tty", "false") == "true" {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("process: start %s on pty: %w", path, err)
		}
		inst.closer = ptmx
		streams = append(streams, stream{r: ptmx, source: console.SourceStdout, level: "log"})
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("process: stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("process: stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("process: start %s: %w", path, err)
		}
		streams = append(streams,
			stream{r: stdout, source: console.SourceStdout, level: "log"},
			stream{r: stderr, source: console.SourceStderr, level: "error"},
		)
	}

	l.logger.Debug("command started", "exec", path, "pid", cmd.Process.Pid, "tty", inst.closer != nil)
	go inst.wait(streams)
	return inst, nil
}

type stream struct {
	r      io.Reader
	source string
	level  string
}

type instance struct {
	spec   launcher.LaunchSpec
	logger *slog.Logger
	cmd    *exec.Cmd
	closer io.Closer

	mu       sync.Mutex
	err      error
	exitCode int
	stopping bool

	done chan struct{}
}

func (i *instance) PID() int              { return i.cmd.Process.Pid }
func (i *instance) Done() <-chan struct{} { return i.done }

func (i *instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// ExitCode returns the process exit status once Done is closed.
func (i *instance) ExitCode() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode
}

// wait drains every output stream before reaping the process, so no line
// is lost between exit and Done.
func (i *instance) wait(streams []stream) {
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s stream) {
			defer wg.Done()
			i.relay(s)
		}(s)
	}
	wg.Wait()

	err := i.cmd.Wait()
	if i.closer != nil {
		_ = i.closer.Close()
	}

	i.mu.Lock()
	i.exitCode = i.cmd.ProcessState.ExitCode()
	if i.stopping {
		err = nil
	}
	i.err = err
	i.mu.Unlock()

	if err != nil {
		i.logger.Warn("command exited", "pid", i.cmd.Process.Pid, "error", err)
	}
	close(i.done)
}

func (i *instance) relay(s stream) {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if i.spec.Console == nil {
			continue
		}
		i.spec.Console.Publish(console.Message{
			RunID:  i.spec.RunID,
			Source: s.source,
			Level:  s.level,
			Text:   scanner.Text(),
		})
	}
	// A pty master reports EIO once the child side closes.
	if err := scanner.Err(); err != nil && !errors.Is(err, unix.EIO) && !errors.Is(err, os.ErrClosed) {
		i.logger.Debug("command output", "source", s.source, "error", err)
	}
}

// Stop signals the process group with SIGTERM and escalates to SIGKILL after
// the kill timeout.
func (i *instance) Stop(ctx context.Context) error {
	select {
	case <-i.done:
		return nil
	default:
	}

	i.mu.Lock()
	i.stopping = true
	i.mu.Unlock()

	pid := i.cmd.Process.Pid
	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("process: signal term: %w", err)
	}

	grace := i.spec.KillTimeout
	if grace <= 0 {
		grace = defaultKillTimeout
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-i.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	i.logger.Warn("command did not exit, killing", "pid", pid)
	if err := signalGroup(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("process: signal kill: %w", err)
	}
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

var _ launcher.Launcher = (*Launcher)(nil)
var _ launcher.Instance = (*instance)(nil)
