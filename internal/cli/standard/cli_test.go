package standard

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ccheshirecat/wasmharness/internal/harness/errdefs"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"onnxruntime_test_all.js", "onnxruntime_test_all.data", "onnxruntime_test_all.wasm"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	cfg := `basePath: .
files:
  - pattern: onnxruntime_test_all.js
    watched: false
  - pattern: onnxruntime_test_all.data
    included: false
  - pattern: onnxruntime_test_all.wasm
    included: false
proxies:
  /onnxruntime_test_all.data: /base/onnxruntime_test_all.data
browsers: [ChromeTest]
customLaunchers:
  ChromeTest:
    base: ChromeCanary
client:
  captureConsole: true
`
	path := filepath.Join(dir, "harness.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.HasPrefix(out, "wasmharness ") {
		t.Fatalf("version = %q, %v", out, err)
	}
}

func TestCheckResolvesDeclaration(t *testing.T) {
	path := writeBundle(t)
	out, err := execute(t, "check", "--config", path, "--history-db", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{
		"/base/onnxruntime_test_all.js",
		"Proxy: /onnxruntime_test_all.data -> /base/onnxruntime_test_all.data",
		"Browser: ChromeTest (launcher ChromeCanary)",
		"Declaration OK",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("check output missing %q:\n%s", want, out)
		}
	}
}

func TestCheckReportsMissingFile(t *testing.T) {
	path := writeBundle(t)
	if err := os.Remove(filepath.Join(filepath.Dir(path), "onnxruntime_test_all.wasm")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, err := execute(t, "check", "--config", path)
	if errdefs.ExitCode(err) != errdefs.ExitFileNotFound {
		t.Fatalf("expected file-not-found exit, got %v", err)
	}
}

func TestCheckReportsUnknownBrowser(t *testing.T) {
	path := writeBundle(t)
	_, err := execute(t, "check", "--config", path, "--browsers", "Safari")
	var notFound errdefs.LauncherNotFoundError
	if !errors.As(err, &notFound) || notFound.Name != "Safari" {
		t.Fatalf("expected LauncherNotFoundError, got %v", err)
	}
}

func TestLaunchersListsBuiltins(t *testing.T) {
	out, err := execute(t, "launchers")
	if err != nil {
		t.Fatalf("launchers: %v", err)
	}
	for _, id := range []string{"ChromeCanary", "ChromeHeadless", "Command"} {
		if !strings.Contains(out, id) {
			t.Fatalf("launchers output missing %s:\n%s", id, out)
		}
	}
}

func TestRunsWithEmptyHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	out, err := execute(t, "runs", "list", "--history-db", db)
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if !strings.Contains(out, "No runs recorded") {
		t.Fatalf("output = %q", out)
	}
	if _, err := execute(t, "runs", "show", "missing", "--history-db", db); err == nil {
		t.Fatalf("expected error for unknown run")
	}
	if _, err := execute(t, "runs", "list", "--history-db", ""); !errors.Is(err, errHistoryDisabled) {
		t.Fatalf("expected disabled history error, got %v", err)
	}
}

func TestRunFailsFastOnBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.toml")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := execute(t, "run", "--config", path, "--history-db", "")
	if errdefs.ExitCode(err) != errdefs.ExitConfig {
		t.Fatalf("expected config exit, got %v", err)
	}
	if !strings.HasPrefix(out, "_HARNESS_ARGS:") {
		t.Fatalf("invocation args not echoed: %q", out)
	}
}

func TestRunContinuesWhenHistoryCannotOpen(t *testing.T) {
	path := writeBundle(t)
	if err := os.Remove(filepath.Join(filepath.Dir(path), "onnxruntime_test_all.wasm")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := execute(t, "run", "--config", path, "--history-db", filepath.Join(blocker, "history.db"))
	if errdefs.ExitCode(err) != errdefs.ExitFileNotFound {
		t.Fatalf("expected the run to proceed to file resolution, got %v", err)
	}
}
