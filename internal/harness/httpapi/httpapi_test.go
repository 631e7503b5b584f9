package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ccheshirecat/wasmharness/internal/harness/config"
	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/files"
	"github.com/ccheshirecat/wasmharness/internal/harness/proxy"
	"github.com/ccheshirecat/wasmharness/internal/shared/logging"
)

func newTestServer(t *testing.T, capture bool) (*Server, *httptest.Server, *console.Emitter) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"a.js":   "var fromA = '</script>';",
		"b.data": "BINARY-DATA",
		"c.wasm": "\x00asm\x01\x00\x00\x00",
		"d.css":  "body { color: red; }",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	set, err := files.Resolve(dir, []config.FileEntry{
		{Pattern: "a.js", Included: true, Served: true},
		{Pattern: "b.data", Included: false, Served: true, Watched: true},
		{Pattern: "c.wasm", Included: false, Served: true, Watched: true},
		{Pattern: "d.css", Included: true, Served: true},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	table, err := proxy.New([]config.ProxyRule{{FromPath: "/b.data", ToPath: "/base/b.data"}})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}

	emitter := console.NewEmitter()
	srv := New(Params{
		Logger:  logging.Discard(),
		Files:   set,
		Proxy:   table,
		Console: emitter,
		Client:  config.ClientOptions{CaptureConsole: capture},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, emitter
}

func get(t *testing.T, url string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body), resp.Header
}

func TestPageInlinesIncludedFilesOnly(t *testing.T) {
	srv, ts, _ := newTestServer(t, true)
	run := srv.Expect("run-1", true)

	status, body, header := get(t, ts.URL+"/context.html?run=run-1")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.HasPrefix(header.Get("Content-Type"), "text/html") {
		t.Fatalf("content type = %s", header.Get("Content-Type"))
	}
	if !strings.Contains(body, `var fromA = '<\/script>';`) {
		t.Fatalf("included script not inlined safely:\n%s", body)
	}
	if !strings.Contains(body, "body { color: red; }") {
		t.Fatalf("included stylesheet missing:\n%s", body)
	}
	for _, excluded := range []string{"b.data", "c.wasm", "BINARY-DATA"} {
		if strings.Contains(body, excluded) {
			t.Fatalf("excluded file %s referenced by page", excluded)
		}
	}
	if strings.Index(body, "__harness__") > strings.Index(body, "fromA") {
		t.Fatalf("shim must precede included files")
	}
	if !strings.Contains(body, `"forwardConsole":true`) || !strings.Contains(body, `"runId":"run-1"`) {
		t.Fatalf("page config missing:\n%s", body)
	}

	select {
	case <-run.Captured():
	default:
		t.Fatalf("page render should mark the run captured")
	}
}

func TestConsoleForwardingDisabledWithoutCapture(t *testing.T) {
	srv, ts, _ := newTestServer(t, false)
	srv.Expect("run-1", true)
	_, body, _ := get(t, ts.URL+"/?run=run-1")
	if !strings.Contains(body, `"forwardConsole":false`) {
		t.Fatalf("console forwarding should be off:\n%s", body)
	}
}

func TestServesExcludedFilesOnDemand(t *testing.T) {
	_, ts, _ := newTestServer(t, true)

	status, body, _ := get(t, ts.URL+"/base/b.data")
	if status != http.StatusOK || body != "BINARY-DATA" {
		t.Fatalf("b.data = %d %q", status, body)
	}
	status, _, header := get(t, ts.URL+"/base/c.wasm")
	if status != http.StatusOK || header.Get("Content-Type") != "application/wasm" {
		t.Fatalf("c.wasm = %d %s", status, header.Get("Content-Type"))
	}
	if status, _, _ := get(t, ts.URL+"/base/missing.js"); status != http.StatusNotFound {
		t.Fatalf("undeclared file status = %d", status)
	}
}

func TestProxyReturnsIdenticalBytes(t *testing.T) {
	_, ts, _ := newTestServer(t, true)
	_, direct, _ := get(t, ts.URL+"/base/b.data")
	status, proxied, _ := get(t, ts.URL+"/b.data")
	if status != http.StatusOK || proxied != direct {
		t.Fatalf("proxied = %d %q, direct %q", status, proxied, direct)
	}
}

func TestCompleteReportsResult(t *testing.T) {
	srv, ts, _ := newTestServer(t, true)
	run := srv.Expect("run-1", false)

	resp, err := http.Post(ts.URL+"/__harness__/complete?run=run-1", "application/json", strings.NewReader(`{"code":3,"message":"exit"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case <-run.Completed():
	case <-time.After(time.Second):
		t.Fatalf("run not completed")
	}
	if res := run.Result(); res.Code != 3 || res.Message != "exit" {
		t.Fatalf("result = %+v", res)
	}

	resp, err = http.Post(ts.URL+"/__harness__/complete?run=run-1", "application/json", strings.NewReader(`{"code":0}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if res := run.Result(); res.Code != 3 {
		t.Fatalf("first result must stick, got %+v", res)
	}

	resp, err = http.Post(ts.URL+"/__harness__/complete?run=other", "application/json", strings.NewReader(`{"code":0}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run status = %d", resp.StatusCode)
	}
}

func TestConsoleEndpointPublishesInOrder(t *testing.T) {
	srv, ts, emitter := newTestServer(t, true)
	srv.Expect("run-1", true)
	sub := emitter.Subscribe(8)
	defer sub.Cancel()

	for _, line := range []string{
		`{"level":"log","text":"[ RUN      ] A"}`,
		`{"level":"warn","text":"slow"}`,
		`{"level":"error","source":"exception","text":"boom"}`,
	} {
		resp, err := http.Post(ts.URL+"/__harness__/console?run=run-1", "application/json", bytes.NewBufferString(line))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
	}

	want := []console.Message{
		{Source: console.SourcePage, Level: "log", Text: "[ RUN      ] A"},
		{Source: console.SourcePage, Level: "warn", Text: "slow"},
		{Source: console.SourceException, Level: "error", Text: "boom"},
	}
	for i, w := range want {
		msg := <-sub.C()
		if msg.Source != w.Source || msg.Level != w.Level || msg.Text != w.Text || msg.RunID != "run-1" {
			t.Fatalf("message %d = %+v", i, msg)
		}
		if msg.Seq != uint64(i+1) {
			t.Fatalf("message %d seq = %d", i, msg.Seq)
		}
	}
}

func TestHealthz(t *testing.T) {
	_, ts, _ := newTestServer(t, true)
	status, body, _ := get(t, ts.URL+"/healthz")
	if status != http.StatusOK || !strings.Contains(body, "ok") {
		t.Fatalf("healthz = %d %s", status, body)
	}
}

func TestPageKeepsEmptyScriptAsScript(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{"empty.js": "", "empty.css": ""} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	set, err := files.Resolve(dir, []config.FileEntry{
		{Pattern: "empty.js", Included: true, Served: true},
		{Pattern: "empty.css", Included: true, Served: true},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	table, err := proxy.New(nil)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	srv := New(Params{Logger: logging.Discard(), Files: set, Proxy: table, Console: console.NewEmitter()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	srv.Expect("run-1", false)

	status, body, _ := get(t, ts.URL+"/context.html?run=run-1")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(body, `<script data-src="/base/empty.js"></script>`) {
		t.Fatalf("empty script not emitted as a script:\n%s", body)
	}
	if strings.Contains(body, `<style data-src="/base/empty.js">`) {
		t.Fatalf("empty script emitted as a stylesheet:\n%s", body)
	}
	if !strings.Contains(body, `<style data-src="/base/empty.css"></style>`) {
		t.Fatalf("empty stylesheet missing:\n%s", body)
	}
}
