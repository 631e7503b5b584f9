// Package runner drives one harness invocation: it serves the declared files,
// launches each configured browser in turn and waits for the suite to report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ccheshirecat/wasmharness/internal/harness/config"
	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
	"github.com/ccheshirecat/wasmharness/internal/harness/eventbus"
	"github.com/ccheshirecat/wasmharness/internal/harness/events"
	"github.com/ccheshirecat/wasmharness/internal/harness/files"
	"github.com/ccheshirecat/wasmharness/internal/harness/history"
	"github.com/ccheshirecat/wasmharness/internal/harness/httpapi"
	"github.com/ccheshirecat/wasmharness/internal/harness/launcher"
	"github.com/ccheshirecat/wasmharness/internal/harness/proxy"
)

// stopGrace is added to the kill timeout when stopping a browser after the
// run context is gone.
const stopGrace = 5 * time.Second

// Recorder persists run records.
type Recorder interface {
	RecordRun(ctx context.Context, rec history.Record) error
}

// Params configures a Runner. Bus, Recorder and Console are optional.
type Params struct {
	Config     config.RunnerConfig
	Logger     *slog.Logger
	Registry   *launcher.Registry
	Bus        eventbus.Bus
	Recorder   Recorder
	Console    *console.Emitter
	Output     io.Writer
	RelayColor bool
	// Ready, when set, receives the file server base URL once it listens.
	Ready func(baseURL string)
}

// Result is the outcome of one browser run.
type Result struct {
	RunID      string           `json:"run_id"`
	Browser    string           `json:"browser"`
	Launcher   string           `json:"launcher"`
	Status     events.RunStatus `json:"status"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Message    string           `json:"message,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Err        error            `json:"-"`
}

// Summary collects every browser result of an invocation.
type Summary struct {
	Runs []Result
}

// Passed reports whether every browser run passed.
func (s Summary) Passed() bool {
	if len(s.Runs) == 0 {
		return false
	}
	for _, r := range s.Runs {
		if r.Status != events.RunStatusPassed {
			return false
		}
	}
	return true
}

// Runner executes a harness invocation.
type Runner struct {
	cfg      config.RunnerConfig
	logger   *slog.Logger
	registry *launcher.Registry
	bus      eventbus.Bus
	recorder Recorder
	emitter  *console.Emitter
	ownsEmit bool
	output   io.Writer
	color    bool
	ready    func(string)
}

// New constructs a runner.
func New(p Params) *Runner {
	r := &Runner{
		cfg:      p.Config,
		logger:   p.Logger,
		registry: p.Registry,
		bus:      p.Bus,
		recorder: p.Recorder,
		emitter:  p.Console,
		output:   p.Output,
		color:    p.RelayColor,
		ready:    p.Ready,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.registry == nil {
		r.registry = launcher.NewRegistry()
	}
	if r.emitter == nil {
		r.emitter = console.NewEmitter()
		r.ownsEmit = true
	}
	if r.output == nil {
		r.output = os.Stdout
	}
	return r
}

// Run serves the files and runs every configured browser sequentially. It
// returns the first failure; later browsers still run unless ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	if r.ownsEmit {
		defer r.emitter.Close()
	}

	set, err := files.Resolve(r.cfg.BasePath, r.cfg.Files)
	if err != nil {
		return summary, err
	}

	dispatcher := launcher.NewDispatcher(r.registry, r.cfg, r.logger.With("component", "dispatcher"))
	targets := make([]launcher.Target, 0, len(r.cfg.Browsers))
	for _, name := range r.cfg.Browsers {
		target, err := dispatcher.Resolve(name)
		if err != nil {
			return summary, err
		}
		targets = append(targets, target)
	}

	table, err := proxy.New(r.cfg.Proxies)
	if err != nil {
		return summary, errdefs.ConfigError{Field: "proxies", Err: err}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port)))
	if err != nil {
		return summary, errdefs.ConfigError{Field: "port", Err: fmt.Errorf("listen: %w", err)}
	}
	baseURL := browserURL(ln.Addr())

	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServe()

	if err := set.Watch(serveCtx, r.logger.With("component", "watch")); err != nil {
		r.logger.Warn("file watching disabled", "error", err)
	}

	server := httpapi.New(httpapi.Params{
		Logger:  r.logger.With("component", "httpapi"),
		Files:   set,
		Proxy:   table,
		Console: r.emitter,
		Client:  r.cfg.Client,
	})
	served := make(chan error, 1)
	go func() { served <- server.Serve(serveCtx, ln) }()
	defer func() {
		stopServe()
		if err := <-served; err != nil {
			r.logger.Warn("file server", "error", err)
		}
	}()
	if r.ready != nil {
		r.ready(baseURL)
	}

	var relay *console.Relay
	var sink *console.Emitter
	if r.cfg.Client.CaptureConsole {
		sink = r.emitter
		relay = console.NewRelay(r.emitter, r.output, console.RelayOptions{Color: r.color})
		defer func() {
			if err := relay.Stop(); err != nil {
				r.logger.Warn("console relay", "error", err)
			}
		}()
	}

	var firstErr error
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		res := r.runOne(ctx, dispatcher, server, relay, sink, target, baseURL)
		summary.Runs = append(summary.Runs, res)
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
	}
	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	return summary, firstErr
}

func (r *Runner) runOne(ctx context.Context, dispatcher *launcher.Dispatcher, server *httpapi.Server, relay *console.Relay, sink *console.Emitter, target launcher.Target, baseURL string) Result {
	runID := uuid.NewString()
	browser := target.Profile.Name
	logger := r.logger.With("run_id", runID, "browser", browser)

	pageURL := baseURL + "/context.html?run=" + url.QueryEscape(runID)
	run := server.Expect(runID, !target.Launcher.NativeConsole())
	defer server.Forget(runID)

	res := Result{
		RunID:     runID,
		Browser:   browser,
		Launcher:  target.Profile.BaseLauncherID,
		Status:    events.RunStatusStarting,
		StartedAt: time.Now().UTC(),
	}
	rec := history.Record{
		ID:        runID,
		Browser:   browser,
		Launcher:  res.Launcher,
		Status:    res.Status,
		PageURL:   pageURL,
		StartedAt: res.StartedAt,
	}
	r.record(ctx, rec)
	r.publish(ctx, events.TypeRunStarted, res, 0)

	logger.Info("launching browser", "launcher", res.Launcher, "url", pageURL)
	handle, err := dispatcher.Launch(ctx, target, runID, pageURL, sink)
	if err != nil {
		res.Status = events.RunStatusCrashed
		res.Err = err
		res.Message = err.Error()
		r.finish(ctx, logger, res, rec, 0, relay)
		return res
	}
	pid := handle.PID()
	r.publish(ctx, events.TypeRunLaunched, res, pid)

	captureTimer, captureC := newTimer(r.cfg.CaptureTimeout)
	defer stopTimer(captureTimer)
	runTimer, runC := newTimer(r.cfg.RunTimeout)
	defer stopTimer(runTimer)

	captured := run.Captured()
	onCaptured := func() {
		if captured == nil {
			return
		}
		captured = nil
		stopTimer(captureTimer)
		captureC = nil
		res.Status = events.RunStatusCaptured
		r.publish(ctx, events.TypeRunCaptured, res, pid)
		logger.Info("browser captured")
	}
wait:
	for {
		select {
		case <-run.Completed():
			onCaptured()
			r.applyResult(&res, run.Result())
			break wait
		case <-captured:
			onCaptured()
		case <-captureC:
			res.Status = events.RunStatusTimedOut
			res.Err = errdefs.TimeoutError{Browser: browser, Phase: "capture", After: r.cfg.CaptureTimeout}
			break wait
		case <-runC:
			res.Status = events.RunStatusTimedOut
			res.Err = errdefs.TimeoutError{Browser: browser, Phase: "run", After: r.cfg.RunTimeout}
			break wait
		case <-handle.Done():
			select {
			case <-run.Completed():
				onCaptured()
				r.applyResult(&res, run.Result())
				break wait
			default:
			}
			cause := handle.Err()
			if cause == nil {
				cause = errors.New("browser exited before the suite reported")
			}
			res.Status = events.RunStatusCrashed
			res.Err = errdefs.ChildProcessError{Browser: browser, Err: cause}
			break wait
		case <-ctx.Done():
			res.Status = events.RunStatusAborted
			res.Err = ctx.Err()
			break wait
		}
	}
	if res.Err != nil && res.Message == "" {
		res.Message = res.Err.Error()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.KillTimeout+stopGrace)
	defer cancel()
	if err := dispatcher.Stop(stopCtx); err != nil {
		logger.Warn("stop browser", "error", err)
	}

	r.finish(ctx, logger, res, rec, pid, relay)
	return res
}

func (r *Runner) applyResult(res *Result, out httpapi.Result) {
	code := out.Code
	res.ExitCode = &code
	res.Message = out.Message
	if code == 0 {
		res.Status = events.RunStatusPassed
		return
	}
	res.Status = events.RunStatusFailed
	res.Err = errdefs.SuiteFailedError{Browser: res.Browser, Code: code, Message: out.Message}
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, res Result, rec history.Record, pid int, relay *console.Relay) {
	finished := time.Now().UTC()
	res.FinishedAt = finished

	rec.Status = res.Status
	rec.ExitCode = res.ExitCode
	rec.PID = pid
	rec.Message = res.Message
	rec.ConsoleLines = r.runLines(ctx, logger, relay, res.RunID)
	rec.FinishedAt = &finished
	r.record(ctx, rec)
	r.publish(ctx, events.TypeRunCompleted, res, pid)

	args := []any{"status", res.Status, "duration", finished.Sub(res.StartedAt).Round(time.Millisecond).String()}
	if res.ExitCode != nil {
		args = append(args, "exit_code", *res.ExitCode)
	}
	if res.Err != nil {
		logger.Error("browser run finished", append(args, "error", res.Err)...)
		return
	}
	logger.Info("browser run finished", args...)
}

func (r *Runner) record(ctx context.Context, rec history.Record) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("record run", "run_id", rec.ID, "error", err)
	}
}

func (r *Runner) publish(ctx context.Context, eventType string, res Result, pid int) {
	if r.bus == nil {
		return
	}
	ev := events.RunEvent{
		Type:      eventType,
		RunID:     res.RunID,
		Browser:   res.Browser,
		Launcher:  res.Launcher,
		Status:    res.Status,
		PID:       pid,
		ExitCode:  res.ExitCode,
		Timestamp: time.Now().UTC(),
		Message:   res.Message,
	}
	if err := r.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Debug("publish run event", "type", eventType, "error", err)
	}
}

// runLines waits for the relay to write everything published so far and
// returns the line count attributed to runID.
func (r *Runner) runLines(ctx context.Context, logger *slog.Logger, relay *console.Relay, runID string) int {
	if relay == nil {
		return 0
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
	defer cancel()
	if err := relay.Drain(drainCtx, r.emitter.Seq()); err != nil {
		logger.Warn("console relay behind, line count may be short", "error", err)
	}
	return relay.RunLines(runID)
}

func newTimer(d time.Duration) (*time.Timer, <-chan time.Time) {
	if d <= 0 {
		return nil, nil
	}
	t := time.NewTimer(d)
	return t, t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// browserURL turns the listener address into a URL the browser can reach.
// Wildcard binds are addressed through loopback.
func browserURL(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "http://" + addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
