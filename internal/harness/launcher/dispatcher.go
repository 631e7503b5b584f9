package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ccheshirecat/wasmharness/internal/harness/config"
	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
)

// Target is a browser name resolved down to a concrete launcher.
type Target struct {
	Profile  config.LauncherProfile
	Launcher Launcher
}

// Handle is the read-only view of a running browser handed to callers. Only
// the Dispatcher can terminate the process.
type Handle struct {
	name string
	inst Instance
}

func (h *Handle) Name() string          { return h.name }
func (h *Handle) PID() int              { return h.inst.PID() }
func (h *Handle) Done() <-chan struct{} { return h.inst.Done() }
func (h *Handle) Err() error            { return h.inst.Err() }

// Dispatcher resolves browser names and owns at most one browser process.
type Dispatcher struct {
	registry *Registry
	cfg      config.RunnerConfig
	logger   *slog.Logger

	mu     sync.Mutex
	active Instance
	name   string
}

// NewDispatcher binds the registry to the declared launcher profiles.
func NewDispatcher(registry *Registry, cfg config.RunnerConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, cfg: cfg, logger: logger}
}

// Resolve maps a browser name to its profile and launcher. A name without a
// custom profile is accepted when it is itself a registered launcher id.
func (d *Dispatcher) Resolve(name string) (Target, error) {
	profile, ok := d.cfg.Profile(name)
	if !ok {
		if !d.registry.Has(name) {
			return Target{}, errdefs.LauncherNotFoundError{Name: name}
		}
		profile = config.LauncherProfile{Name: name, BaseLauncherID: name}
	}

	factory, err := d.registry.Lookup(profile.BaseLauncherID)
	if err != nil {
		return Target{}, errdefs.LauncherNotFoundError{Name: name, Base: profile.BaseLauncherID}
	}
	return Target{Profile: profile, Launcher: factory(d.logger.With("launcher", profile.BaseLauncherID))}, nil
}

// Launch starts the target browser against url. Only one browser may run at
// a time.
func (d *Dispatcher) Launch(ctx context.Context, target Target, runID, url string, sink *console.Emitter) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, fmt.Errorf("launcher: %s is still running", d.name)
	}

	spec := LaunchSpec{
		RunID:       runID,
		Browser:     target.Profile.Name,
		URL:         url,
		Flags:       append([]string(nil), target.Profile.Flags...),
		ExecPath:    target.Profile.ExecPath,
		Options:     target.Profile.Options,
		KillTimeout: d.cfg.KillTimeout,
		Console:     sink,
	}

	inst, err := target.Launcher.Launch(ctx, spec)
	if err != nil {
		return nil, errdefs.ChildProcessError{Browser: target.Profile.Name, Err: fmt.Errorf("launch: %w", err)}
	}

	d.active = inst
	d.name = target.Profile.Name
	d.logger.Info("browser launched", "browser", d.name, "launcher", target.Profile.BaseLauncherID, "pid", inst.PID())
	return &Handle{name: d.name, inst: inst}, nil
}

// Stop terminates the running browser, if any. It is safe to call more than
// once.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	inst, name := d.active, d.name
	d.active, d.name = nil, ""
	d.mu.Unlock()

	if inst == nil {
		return nil
	}
	if err := inst.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("browser stop", "browser", name, "error", err)
		return errdefs.ChildProcessError{Browser: name, Err: fmt.Errorf("stop: %w", err)}
	}
	d.logger.Info("browser stopped", "browser", name)
	return nil
}

// Active reports whether a browser is currently owned by the dispatcher.
func (d *Dispatcher) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}
