package chrome

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/ccheshirecat/wasmharness/internal/harness/launcher"
	"github.com/ccheshirecat/wasmharness/internal/shared/logging"
)

func fakeBinary(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "chrome")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return p
}

func TestResolveExecPathOrder(t *testing.T) {
	requested := fakeBinary(t)
	fromEnv := fakeBinary(t)
	t.Setenv("CHROME_CANARY_BIN", fromEnv)

	l := New(Variant{ID: "ChromeCanary", EnvVar: "CHROME_CANARY_BIN"}, logging.Discard())

	got, err := l.ResolveExecPath(requested)
	if err != nil || got != requested {
		t.Fatalf("profile path should win: got %q, %v", got, err)
	}
	got, err = l.ResolveExecPath("")
	if err != nil || got != fromEnv {
		t.Fatalf("env path should be next: got %q, %v", got, err)
	}
}

func TestResolveExecPathMissing(t *testing.T) {
	t.Setenv("CHROMIUM_BIN", "")
	l := New(Variant{ID: "Chromium", EnvVar: "CHROMIUM_BIN", Candidates: []string{"/nonexistent/chromium"}}, logging.Discard())
	_, err := l.ResolveExecPath(filepath.Join(t.TempDir(), "missing"))
	if err == nil || !strings.Contains(err.Error(), "/nonexistent/chromium") {
		t.Fatalf("expected error listing candidates, got %v", err)
	}
}

func TestRegisterAllVariants(t *testing.T) {
	reg := launcher.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, v := range Variants {
		factory, err := reg.Lookup(v.ID)
		if err != nil {
			t.Fatalf("lookup %s: %v", v.ID, err)
		}
		if !factory(logging.Discard()).NativeConsole() {
			t.Fatalf("%s should read the console natively", v.ID)
		}
	}
	if err := Register(reg); err == nil {
		t.Fatalf("registering twice should fail")
	}
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		raw   string
		name  string
		value any
	}{
		{"--headless", "headless", true},
		{"--js-flags=--expose-gc", "js-flags", "--expose-gc"},
		{"  ", "", nil},
	}
	for _, tt := range tests {
		name, value := parseFlag(tt.raw)
		if name != tt.name || value != tt.value {
			t.Errorf("parseFlag(%q) = (%q, %v), want (%q, %v)", tt.raw, name, value, tt.name, tt.value)
		}
	}
}

func TestFormatArgs(t *testing.T) {
	args := []*cdpruntime.RemoteObject{
		{Type: cdpruntime.TypeString, Value: []byte(`"[ RUN      ] Tensor.Basic"`)},
		{Type: cdpruntime.TypeNumber, Value: []byte(`42`)},
		{Type: cdpruntime.TypeNumber, UnserializableValue: "NaN"},
		{Type: cdpruntime.TypeObject, Description: "Error: boom"},
	}
	got := formatArgs(args)
	want := "[ RUN      ] Tensor.Basic 42 NaN Error: boom"
	if got != want {
		t.Fatalf("formatArgs = %q, want %q", got, want)
	}
}

func TestConsoleLevel(t *testing.T) {
	if consoleLevel(cdpruntime.APITypeWarning) != "warn" || consoleLevel(cdpruntime.APITypeLog) != "log" {
		t.Fatalf("unexpected level mapping")
	}
}
