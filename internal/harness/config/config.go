package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultCaptureTimeout = 60 * time.Second
	DefaultRunTimeout     = 30 * time.Minute
	DefaultKillTimeout    = 10 * time.Second
)

// FileEntry declares a test asset and how it is exposed to the page.
type FileEntry struct {
	Pattern  string
	Watched  bool
	Included bool
	Served   bool
}

// ProxyRule rewrites request paths starting with FromPath.
type ProxyRule struct {
	FromPath string
	ToPath   string
}

// LauncherProfile binds a browser name to a registered launcher.
type LauncherProfile struct {
	Name           string
	BaseLauncherID string
	Flags          []string
	ExecPath       string
	Options        map[string]string
}

// ClientOptions are passed through to the test page.
type ClientOptions struct {
	CaptureConsole bool
}

// RunnerConfig is the complete, validated runner declaration. It is built once
// by Load and treated as read-only afterwards.
type RunnerConfig struct {
	BasePath  string
	Files     []FileEntry
	Proxies   []ProxyRule
	Launchers []LauncherProfile
	Browsers  []string
	Client    ClientOptions

	Host           string
	Port           int
	CaptureTimeout time.Duration
	RunTimeout     time.Duration
	KillTimeout    time.Duration
}

// Default returns the built-in declaration for the onnxruntime wasm test
// bundle.
func Default() RunnerConfig {
	return RunnerConfig{
		BasePath: ".",
		Files: []FileEntry{
			{Pattern: "onnxruntime_test_all.js", Watched: false, Included: true, Served: true},
			{Pattern: "onnxruntime_test_all.data", Watched: true, Included: false, Served: true},
			{Pattern: "onnxruntime_test_all.wasm", Watched: true, Included: false, Served: true},
		},
		Proxies: []ProxyRule{
			{FromPath: "/onnxruntime_test_all.data", ToPath: "/base/onnxruntime_test_all.data"},
		},
		Launchers: []LauncherProfile{
			{Name: "ChromeTest", BaseLauncherID: "ChromeCanary"},
		},
		Browsers:       []string{"ChromeTest"},
		Client:         ClientOptions{CaptureConsole: true},
		Host:           DefaultHost,
		CaptureTimeout: DefaultCaptureTimeout,
		RunTimeout:     DefaultRunTimeout,
		KillTimeout:    DefaultKillTimeout,
	}
}

// Profile returns the custom launcher profile declared under name.
func (c RunnerConfig) Profile(name string) (LauncherProfile, bool) {
	for _, p := range c.Launchers {
		if p.Name == name {
			return p, true
		}
	}
	return LauncherProfile{}, false
}

// Validate reports the first structural problem with the declaration.
func (c RunnerConfig) Validate() error {
	if len(c.Files) == 0 {
		return errdefs.ConfigError{Field: "files", Err: errors.New("at least one file entry required")}
	}
	for i, f := range c.Files {
		if strings.TrimSpace(f.Pattern) == "" {
			return errdefs.ConfigError{Field: fmt.Sprintf("files[%d]", i), Err: errors.New("pattern required")}
		}
	}

	if len(c.Browsers) == 0 {
		return errdefs.ConfigError{Field: "browsers", Err: errors.New("at least one browser required")}
	}
	for i, b := range c.Browsers {
		if strings.TrimSpace(b) == "" {
			return errdefs.ConfigError{Field: fmt.Sprintf("browsers[%d]", i), Err: errors.New("empty browser name")}
		}
	}

	for i, p := range c.Proxies {
		field := fmt.Sprintf("proxies[%d]", i)
		if !strings.HasPrefix(p.FromPath, "/") {
			return errdefs.ConfigError{Field: field, Err: fmt.Errorf("from path %q must start with /", p.FromPath)}
		}
		if err := validateProxyTarget(p.ToPath); err != nil {
			return errdefs.ConfigError{Field: field, Err: err}
		}
	}

	seen := make(map[string]struct{}, len(c.Launchers))
	for i, p := range c.Launchers {
		field := fmt.Sprintf("customLaunchers[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			return errdefs.ConfigError{Field: field, Err: errors.New("name required")}
		}
		if strings.TrimSpace(p.BaseLauncherID) == "" {
			return errdefs.ConfigError{Field: field, Err: fmt.Errorf("launcher %s: base required", p.Name)}
		}
		if _, dup := seen[p.Name]; dup {
			return errdefs.ConfigError{Field: field, Err: fmt.Errorf("launcher %s declared twice", p.Name)}
		}
		seen[p.Name] = struct{}{}
	}

	if c.Port < 0 || c.Port > 65535 {
		return errdefs.ConfigError{Field: "port", Err: fmt.Errorf("invalid port %d", c.Port)}
	}
	if c.CaptureTimeout < 0 || c.RunTimeout < 0 || c.KillTimeout < 0 {
		return errdefs.ConfigError{Field: "timeouts", Err: errors.New("timeouts must not be negative")}
	}
	return nil
}

func validateProxyTarget(target string) error {
	if strings.HasPrefix(target, "/") {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid proxy target %q: %w", target, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("proxy target %q must be a path or an http(s) URL", target)
	}
	return nil
}

// Overrides carries command-line adjustments applied on top of the
// declaration. Zero values leave the declaration untouched.
type Overrides struct {
	BasePath       string
	Browsers       []string
	Host           string
	Port           *int
	CaptureTimeout time.Duration
	RunTimeout     time.Duration
}

func (o Overrides) apply(cfg *RunnerConfig) {
	if o.BasePath != "" {
		cfg.BasePath = o.BasePath
	}
	if len(o.Browsers) > 0 {
		cfg.Browsers = append([]string(nil), o.Browsers...)
	}
	if o.Host != "" {
		cfg.Host = o.Host
	}
	if o.Port != nil {
		cfg.Port = *o.Port
	}
	if o.CaptureTimeout > 0 {
		cfg.CaptureTimeout = o.CaptureTimeout
	}
	if o.RunTimeout > 0 {
		cfg.RunTimeout = o.RunTimeout
	}
}

// Load reads the declaration at path (or the built-in default when path is
// empty), layers environment and command-line overrides on top, and validates
// the result.
func Load(path string, ov Overrides) (RunnerConfig, error) {
	var cfg RunnerConfig
	if strings.TrimSpace(path) == "" {
		cfg = Default()
	} else {
		loaded, err := FileLoader{}.Load(path)
		if err != nil {
			return RunnerConfig{}, err
		}
		cfg = loaded
		if !filepath.IsAbs(cfg.BasePath) {
			cfg.BasePath = filepath.Join(filepath.Dir(path), cfg.BasePath)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return RunnerConfig{}, err
	}
	ov.apply(&cfg)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return RunnerConfig{}, err
	}
	return cfg, nil
}

func (c *RunnerConfig) fillDefaults() {
	if strings.TrimSpace(c.BasePath) == "" {
		c.BasePath = "."
	}
	c.BasePath = filepath.Clean(c.BasePath)
	if strings.TrimSpace(c.Host) == "" {
		c.Host = DefaultHost
	}
	if c.CaptureTimeout == 0 {
		c.CaptureTimeout = DefaultCaptureTimeout
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.KillTimeout == 0 {
		c.KillTimeout = DefaultKillTimeout
	}
}

func applyEnv(cfg *RunnerConfig) error {
	if host := getenv("WASMHARNESS_HOST", ""); host != "" {
		cfg.Host = host
	}
	if raw := getenv("WASMHARNESS_PORT", ""); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return errdefs.ConfigError{Field: "WASMHARNESS_PORT", Err: err}
		}
		cfg.Port = port
	}
	if raw := getenv("WASMHARNESS_BROWSERS", ""); raw != "" {
		cfg.Browsers = splitList(raw)
	}
	for key, dst := range map[string]*time.Duration{
		"WASMHARNESS_CAPTURE_TIMEOUT": &cfg.CaptureTimeout,
		"WASMHARNESS_RUN_TIMEOUT":     &cfg.RunTimeout,
	} {
		raw := getenv(key, "")
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errdefs.ConfigError{Field: key, Err: err}
		}
		*dst = d
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
