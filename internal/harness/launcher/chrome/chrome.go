// Package chrome launches Chrome-family browsers through the DevTools
// protocol and reads the page console natively.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/launcher"
)

const userDataDirPattern = "wasmharness-chrome-*"

// Variant describes one registered Chrome flavour.
type Variant struct {
	ID         string
	Headless   bool
	EnvVar     string
	Candidates []string
}

var (
	stableCandidates = []string{
		"google-chrome",
		"google-chrome-stable",
		"/usr/bin/google-chrome",
		"/opt/google/chrome/chrome",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	canaryCandidates = []string{
		"google-chrome-canary",
		"google-chrome-unstable",
		"/usr/bin/google-chrome-unstable",
		"/opt/google/chrome-unstable/chrome",
		"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
	}
	chromiumCandidates = []string{
		"chromium",
		"chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/headless-shell/headless-shell",
		"/usr/bin/headless-shell",
	}
)

// Variants lists every Chrome launcher id this package provides.
var Variants = []Variant{
	{ID: "Chrome", EnvVar: "CHROME_BIN", Candidates: stableCandidates},
	{ID: "ChromeHeadless", Headless: true, EnvVar: "CHROME_BIN", Candidates: stableCandidates},
	{ID: "ChromeCanary", EnvVar: "CHROME_CANARY_BIN", Candidates: canaryCandidates},
	{ID: "ChromeCanaryHeadless", Headless: true, EnvVar: "CHROME_CANARY_BIN", Candidates: canaryCandidates},
	{ID: "Chromium", EnvVar: "CHROMIUM_BIN", Candidates: chromiumCandidates},
	{ID: "ChromiumHeadless", Headless: true, EnvVar: "CHROMIUM_BIN", Candidates: chromiumCandidates},
}

// Register adds every Chrome variant to reg.
func Register(reg *launcher.Registry) error {
	for _, v := range Variants {
		if err := reg.Register(v.ID, func(logger *slog.Logger) launcher.Launcher {
			return New(v, logger)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Launcher starts one Chrome variant.
type Launcher struct {
	variant Variant
	logger  *slog.Logger
}

// New constructs a launcher for variant.
func New(v Variant, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{variant: v, logger: logger}
}

func (l *Launcher) NativeConsole() bool { return true }

// ResolveExecPath picks the browser binary: the profile path first, then the
// variant's environment variable, then well-known install locations.
func (l *Launcher) ResolveExecPath(requested string) (string, error) {
	candidates := make([]string, 0, len(l.variant.Candidates)+2)
	if path := strings.TrimSpace(requested); path != "" {
		candidates = append(candidates, path)
	}
	if env := strings.TrimSpace(os.Getenv(l.variant.EnvVar)); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, l.variant.Candidates...)

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if !strings.ContainsRune(candidate, os.PathSeparator) {
			if resolved, err := exec.LookPath(candidate); err == nil {
				return resolved, nil
			}
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("chrome: could not find a %s binary; tried %s", l.variant.ID, strings.Join(candidates, ", "))
}

// AllocatorOptions builds the exec allocator options for spec.
func (l *Launcher) AllocatorOptions(execPath, userDataDir string, spec launcher.LaunchSpec) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.variant.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("no-first-run", true),
		chromedp.UserDataDir(userDataDir),
		chromedp.ExecPath(execPath),
	)
	if spec.Option("noSandbox", "") == "true" {
		opts = append(opts, chromedp.NoSandbox)
	}
	for _, raw := range spec.Flags {
		name, value := parseFlag(raw)
		if name == "" {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

func parseFlag(raw string) (string, any) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
	if raw == "" {
		return "", nil
	}
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		return name, true
	}
	return name, value
}

// Launch starts the browser and navigates it to spec.URL without waiting for
// the page to load.
func (l *Launcher) Launch(ctx context.Context, spec launcher.LaunchSpec) (launcher.Instance, error) {
	execPath, err := l.ResolveExecPath(spec.ExecPath)
	if err != nil {
		return nil, err
	}

	userDataDir := spec.Option("userDataDir", "")
	ownsDataDir := userDataDir == ""
	if ownsDataDir {
		userDataDir, err = os.MkdirTemp("", userDataDirPattern)
		if err != nil {
			return nil, fmt.Errorf("chrome: create user data dir: %w", err)
		}
	}

	// The browser lifetime is bound to Stop, not to the caller's context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), l.AllocatorOptions(execPath, userDataDir, spec)...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			l.logger.Debug(fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			l.logger.Debug("devtools error", "detail", fmt.Sprintf(format, args...))
		}),
	)

	inst := &instance{
		spec:        spec,
		logger:      l.logger,
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		userDataDir: userDataDir,
		ownsDataDir: ownsDataDir,
		done:        make(chan struct{}),
		crashed:     make(chan struct{}),
	}

	if err := chromedp.Run(browserCtx); err != nil {
		inst.release()
		return nil, fmt.Errorf("chrome: start %s: %w", execPath, err)
	}

	if c := chromedp.FromContext(browserCtx); c != nil && c.Browser != nil {
		if proc := c.Browser.Process(); proc != nil {
			inst.pid = proc.Pid
		}
		inst.lost = c.Browser.LostConnection
	}

	chromedp.ListenTarget(browserCtx, inst.onEvent)

	navErr := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, err := page.Navigate(spec.URL).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return errors.New(errText)
		}
		return nil
	}))
	if navErr != nil {
		inst.release()
		return nil, fmt.Errorf("chrome: navigate %s: %w", spec.URL, navErr)
	}

	l.logger.Debug("chrome started", "exec", execPath, "pid", inst.pid, "headless", l.variant.Headless)
	go inst.watch()
	return inst, nil
}

type instance struct {
	spec   launcher.LaunchSpec
	logger *slog.Logger
	pid    int

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	userDataDir string
	ownsDataDir bool

	lost        <-chan struct{}
	crashed     chan struct{}
	crashedOnce sync.Once

	mu       sync.Mutex
	err      error
	stopping bool

	done        chan struct{}
	releaseOnce sync.Once
}

func (i *instance) PID() int              { return i.pid }
func (i *instance) Done() <-chan struct{} { return i.done }

func (i *instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *instance) onEvent(ev any) {
	switch e := ev.(type) {
	case *cdpruntime.EventConsoleAPICalled:
		i.publish(console.SourceConsole, consoleLevel(e.Type), formatArgs(e.Args))
	case *cdpruntime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			i.publish(console.SourceException, "error", exceptionText(e.ExceptionDetails))
		}
	case *inspector.EventTargetCrashed:
		i.crashedOnce.Do(func() { close(i.crashed) })
	}
}

func (i *instance) publish(source, level, text string) {
	if i.spec.Console == nil {
		return
	}
	i.spec.Console.Publish(console.Message{
		RunID:  i.spec.RunID,
		Source: source,
		Level:  level,
		Text:   text,
	})
}

func (i *instance) watch() {
	var err error
	select {
	case <-i.crashed:
		err = errors.New("page crashed")
	case <-i.lost:
		err = errors.New("browser connection lost")
	case <-i.ctx.Done():
	}

	i.mu.Lock()
	if i.stopping {
		err = nil
	}
	i.err = err
	i.mu.Unlock()

	if err != nil {
		i.logger.Warn("chrome exited", "pid", i.pid, "error", err)
	}
	i.release()
}

// release tears down the allocator and closes done. The exec allocator kills
// the process when its context is cancelled.
func (i *instance) release() {
	i.releaseOnce.Do(func() {
		i.cancel()
		i.allocCancel()
		if i.ownsDataDir {
			if err := os.RemoveAll(i.userDataDir); err != nil {
				i.logger.Debug("remove user data dir", "dir", i.userDataDir, "error", err)
			}
		}
		close(i.done)
	})
}

// Stop asks the browser to close and falls back to killing it after the
// kill timeout or when ctx expires.
func (i *instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	i.stopping = true
	i.mu.Unlock()

	grace := i.spec.KillTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}
	closeCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	closed := make(chan error, 1)
	go func() { closed <- chromedp.Cancel(i.ctx) }()

	var err error
	select {
	case err = <-closed:
	case <-closeCtx.Done():
		i.logger.Warn("chrome did not close in time, killing", "pid", i.pid)
		if i.pid > 0 {
			if proc, findErr := os.FindProcess(i.pid); findErr == nil {
				_ = proc.Kill()
			}
		}
	}
	i.release()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("chrome: close: %w", err)
	}
	return nil
}

func consoleLevel(t cdpruntime.APIType) string {
	switch t {
	case cdpruntime.APITypeWarning:
		return "warn"
	case cdpruntime.APITypeError, cdpruntime.APITypeAssert:
		return "error"
	case cdpruntime.APITypeInfo:
		return "info"
	case cdpruntime.APITypeDebug:
		return "debug"
	default:
		return "log"
	}
}
