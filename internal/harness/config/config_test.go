package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultMatchesReferenceDeclaration(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(cfg.Files))
	}
	if !cfg.Files[0].Included || cfg.Files[0].Watched {
		t.Fatalf("js bundle should be included and unwatched: %+v", cfg.Files[0])
	}
	for _, f := range cfg.Files[1:] {
		if f.Included {
			t.Fatalf("%s should not be included", f.Pattern)
		}
	}
	profile, ok := cfg.Profile("ChromeTest")
	if !ok || profile.BaseLauncherID != "ChromeCanary" {
		t.Fatalf("expected ChromeTest -> ChromeCanary, got %+v", profile)
	}
	if !cfg.Client.CaptureConsole {
		t.Fatalf("console capture should default on")
	}
	if cfg.Proxies[0].ToPath != "/base/onnxruntime_test_all.data" {
		t.Fatalf("unexpected proxy %+v", cfg.Proxies[0])
	}
}

func TestLoadYAMLKeepsProxyOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "harness.yaml", `
basePath: bundle
files:
  - a.js
  - pattern: b.data
    included: false
  - pattern: c.wasm
    included: false
    watched: false
proxies:
  /z: /base/z
  /a.data: /base/b.data
  /a: /base/a
browsers: [ChromeTest]
customLaunchers:
  ChromeTest:
    base: ChromeCanary
    flags: [--js-flags=--expose-gc]
client:
  captureConsole: false
captureTimeout: 1500
runTimeout: 2m
`)

	cfg, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.BasePath != filepath.Join(dir, "bundle") {
		t.Fatalf("base path should resolve next to the config file, got %s", cfg.BasePath)
	}
	wantOrder := []string{"/z", "/a.data", "/a"}
	for i, from := range wantOrder {
		if cfg.Proxies[i].FromPath != from {
			t.Fatalf("proxy %d = %s, want %s", i, cfg.Proxies[i].FromPath, from)
		}
	}
	if !cfg.Files[0].Included || !cfg.Files[0].Watched || !cfg.Files[0].Served {
		t.Fatalf("bare pattern should take defaults: %+v", cfg.Files[0])
	}
	if cfg.Files[2].Watched || cfg.Files[2].Included {
		t.Fatalf("explicit flags lost: %+v", cfg.Files[2])
	}
	if cfg.Client.CaptureConsole {
		t.Fatalf("captureConsole should be false")
	}
	if cfg.CaptureTimeout != 1500*time.Millisecond {
		t.Fatalf("capture timeout = %s", cfg.CaptureTimeout)
	}
	if cfg.RunTimeout != 2*time.Minute {
		t.Fatalf("run timeout = %s", cfg.RunTimeout)
	}
	if cfg.KillTimeout != DefaultKillTimeout {
		t.Fatalf("kill timeout should default, got %s", cfg.KillTimeout)
	}
	profile, _ := cfg.Profile("ChromeTest")
	if len(profile.Flags) != 1 {
		t.Fatalf("flags not decoded: %+v", profile)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "harness.json", `{
  "files": [{"pattern": "onnxruntime_test_all.js", "watched": false}],
  "proxies": [{"from": "/x.data", "to": "/base/x.data"}],
  "browsers": ["ChromeHeadless"],
  "port": 9876
}`)

	cfg, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9876 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.Proxies[0].FromPath != "/x.data" {
		t.Fatalf("proxy list form not decoded: %+v", cfg.Proxies)
	}
	if cfg.Host != DefaultHost {
		t.Fatalf("host should default, got %q", cfg.Host)
	}
}

func TestLoadHCL(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "harness.hcl", `
browsers = ["ChromeTest"]
capture_timeout = "5s"

file "onnxruntime_test_all.js" {
  watched = false
}

file "onnxruntime_test_all.data" {
  included = false
}

proxy "/onnxruntime_test_all.data" {
  to = "/base/onnxruntime_test_all.data"
}

launcher "ChromeTest" {
  base  = "Command"
  exec_path = "/usr/bin/true"
  options = { tty = "true" }
}

client {
  capture_console = true
}
`)

	cfg, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Files) != 2 || cfg.Files[1].Included {
		t.Fatalf("files not decoded: %+v", cfg.Files)
	}
	if cfg.CaptureTimeout != 5*time.Second {
		t.Fatalf("capture timeout = %s", cfg.CaptureTimeout)
	}
	profile, ok := cfg.Profile("ChromeTest")
	if !ok || profile.BaseLauncherID != "Command" || profile.Options["tty"] != "true" {
		t.Fatalf("launcher not decoded: %+v", profile)
	}
}

func TestLoadOverridesAndEnv(t *testing.T) {
	t.Setenv("WASMHARNESS_PORT", "4455")
	t.Setenv("WASMHARNESS_BROWSERS", "Chromium, ChromeHeadless")

	port := 0
	cfg, err := Load("", Overrides{Port: &port, RunTimeout: time.Minute})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 0 {
		t.Fatalf("flag override should beat env, got %d", cfg.Port)
	}
	if len(cfg.Browsers) != 2 || cfg.Browsers[1] != "ChromeHeadless" {
		t.Fatalf("env browsers not applied: %v", cfg.Browsers)
	}
	if cfg.RunTimeout != time.Minute {
		t.Fatalf("run timeout override lost: %s", cfg.RunTimeout)
	}
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("WASMHARNESS_RUN_TIMEOUT", "soon")
	_, err := Load("", Overrides{})
	var cfgErr errdefs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunnerConfig)
		field  string
	}{
		{"no files", func(c *RunnerConfig) { c.Files = nil }, "files"},
		{"empty pattern", func(c *RunnerConfig) { c.Files[0].Pattern = " " }, "files[0]"},
		{"no browsers", func(c *RunnerConfig) { c.Browsers = nil }, "browsers"},
		{"relative proxy", func(c *RunnerConfig) { c.Proxies[0].FromPath = "x" }, "proxies[0]"},
		{"bad proxy target", func(c *RunnerConfig) { c.Proxies[0].ToPath = "ftp://host/x" }, "proxies[0]"},
		{"launcher without base", func(c *RunnerConfig) { c.Launchers[0].BaseLauncherID = "" }, "customLaunchers[0]"},
		{"duplicate launcher", func(c *RunnerConfig) { c.Launchers = append(c.Launchers, c.Launchers[0]) }, "customLaunchers[1]"},
		{"port", func(c *RunnerConfig) { c.Port = 70000 }, "port"},
		{"timeouts", func(c *RunnerConfig) { c.RunTimeout = -time.Second }, "timeouts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var cfgErr errdefs.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Fatalf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "karma.conf.js", "module.exports = {}")
	_, err := Load(path, Overrides{})
	var cfgErr errdefs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
