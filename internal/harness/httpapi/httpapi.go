// Package httpapi serves the test page, the declared files and the endpoints
// the page uses to report back to the harness.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ccheshirecat/wasmharness/internal/harness/config"
	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/files"
	"github.com/ccheshirecat/wasmharness/internal/harness/proxy"
)

const maxReportBytes = 1 << 20

// Params wires the server to the rest of the harness.
type Params struct {
	Logger  *slog.Logger
	Files   *files.Set
	Proxy   *proxy.Table
	Console *console.Emitter
	Client  config.ClientOptions
}

// Server is the harness HTTP surface.
type Server struct {
	logger  *slog.Logger
	files   *files.Set
	proxy   *proxy.Table
	console *console.Emitter
	client  config.ClientOptions

	mu   sync.RWMutex
	runs map[string]*Run
}

// New constructs a server.
func New(p Params) *Server {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := p.Proxy
	if table == nil {
		table, _ = proxy.New(nil)
	}
	return &Server{
		logger:  logger,
		files:   p.Files,
		proxy:   table,
		console: p.Console,
		client:  p.Client,
		runs:    make(map[string]*Run),
	}
}

// Expect registers a run id the next page load will carry. forwardConsole
// asks the page to send console calls over HTTP; it only takes effect when
// console capture is enabled.
func (s *Server) Expect(runID string, forwardConsole bool) *Run {
	run := newRun(runID, forwardConsole && s.client.CaptureConsole)
	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()
	return run
}

// Forget drops a finished run.
func (s *Server) Forget(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

func (s *Server) lookup(runID string) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok
}

// Handler returns the router. Proxy rules are applied before routing.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(s.logger))
	router.Use(s.proxy.Middleware(s.logger))

	router.Get("/healthz", s.handleHealth)
	router.Get("/", s.handlePage)
	router.Get("/context.html", s.handlePage)
	router.Get(files.BasePrefix+"*", s.handleFile)
	router.Get(files.AbsolutePrefix+"/*", s.handleFile)

	router.Route("/__harness__", func(r chi.Router) {
		r.Post("/complete", s.handleComplete)
		r.Post("/console", s.handleConsole)
	})
	return router
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("file server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("file server shutdown", "error", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("httpapi: serve: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")
	forward := s.client.CaptureConsole
	var run *Run
	if runID != "" {
		var ok bool
		if run, ok = s.lookup(runID); ok {
			forward = run.ForwardConsole
		} else {
			s.logger.Warn("page requested for unknown run", "run_id", runID)
		}
	}

	data := pageData{
		Config: pageConfig{RunID: runID, ForwardConsole: forward, BasePrefix: files.BasePrefix},
		Shim:   shimScript,
	}
	for _, f := range s.files.Included() {
		body, err := s.files.Content(f)
		if err != nil {
			s.logger.Error("read included file", "path", f.Path, "error", err)
			http.Error(w, "failed to read "+f.URLPath, http.StatusInternalServerError)
			return
		}
		switch inlineKind(f.Path) {
		case "script":
			data.Assets = append(data.Assets, pageAsset{Kind: "script", URL: f.URLPath, Script: scriptBody(body)})
		case "style":
			data.Assets = append(data.Assets, pageAsset{Kind: "style", URL: f.URLPath, Style: styleBody(body)})
		default:
			s.logger.Warn("included file is neither script nor stylesheet, skipping", "path", f.Path)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Error("render page", "error", err)
		return
	}
	if run != nil {
		run.markCaptured()
		s.logger.Info("browser captured", "run_id", runID, "client_ip", r.RemoteAddr)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	f, ok := s.files.Lookup(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	file, info, err := s.files.Open(f)
	if err != nil {
		s.logger.Error("open served file", "path", f.Path, "error", err)
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	if strings.HasSuffix(f.Path, ".wasm") {
		w.Header().Set("Content-Type", "application/wasm")
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}

type completeRequest struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(r.URL.Query().Get("run"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run"})
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if run.complete(Result{Code: req.Code, Message: req.Message}) {
		s.logger.Info("suite reported", "run_id", run.ID, "code", req.Code, "message", req.Message)
	}
	w.WriteHeader(http.StatusNoContent)
}

type consoleRequest struct {
	Level  string `json:"level"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(r.URL.Query().Get("run"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run"})
		return
	}
	var req consoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	source := console.SourcePage
	if req.Source == console.SourceException {
		source = console.SourceException
	}
	level := req.Level
	if level == "" {
		level = "log"
	}
	if s.console != nil {
		s.console.Publish(console.Message{RunID: run.ID, Source: source, Level: level, Text: req.Text})
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxReportBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("latency", time.Since(start).String()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
