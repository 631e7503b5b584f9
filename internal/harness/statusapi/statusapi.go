// Package statusapi exposes run history and live run output to observers
// outside the harness process.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/eventbus"
	"github.com/ccheshirecat/wasmharness/internal/harness/events"
	"github.com/ccheshirecat/wasmharness/internal/harness/history"
)

const (
	defaultListLimit = 50
	consoleBuffer    = 256
	writeWait        = 10 * time.Second
)

// RunStore reads stored runs.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]history.Record, error)
	GetRun(ctx context.Context, id string) (*history.Record, error)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// New constructs the status API router. Any dependency may be nil; the
// routes backed by it then answer 503.
func New(logger *slog.Logger, store RunStore, emitter *console.Emitter, bus eventbus.Bus) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	api := &apiServer{logger: logger, store: store, emitter: emitter, bus: bus}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.GET("", api.listRuns)
			runs.GET(":id", api.getRun)
		}
		v1.GET("/events/runs", api.streamRunEvents)
	}

	r.GET("/ws/v1/console", api.consoleWebSocket)
	r.GET("/ws/v1/events", api.eventsWebSocket)

	return r
}

// Serve runs handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status api listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status api shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("statusapi: listen %s: %w", addr, err)
	}
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", time.Since(start).String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Debug("http request", args...)
		}
	}
}

type apiServer struct {
	logger  *slog.Logger
	store   RunStore
	emitter *console.Emitter
	bus     eventbus.Bus
}

func (api *apiServer) listRuns(c *gin.Context) {
	if api.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history not available"})
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	runs, err := api.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []history.Record{}
	}
	c.JSON(http.StatusOK, runs)
}

func (api *apiServer) getRun(c *gin.Context) {
	if api.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history not available"})
		return
	}
	run, err := api.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (api *apiServer) streamRunEvents(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	eventsCh := make(chan events.RunEvent, 16)
	unsubscribe, err := api.bus.Subscribe(eventsCh, eventFilter(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eventsCh:
			data, err := json.Marshal(ev)
			if err != nil {
				api.logger.Error("marshal run event", "error", err)
				continue
			}
			if _, err := c.Writer.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// consoleWebSocket streams console messages. Slow readers lose messages
// instead of stalling the run.
func (api *apiServer) consoleWebSocket(c *gin.Context) {
	if api.emitter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "console streaming not available"})
		return
	}
	sub := api.emitter.SubscribeLossy(consoleBuffer)
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("console ws upgrade", "error", err)
		return
	}
	defer conn.Close()
	closed := watchClose(conn)

	for {
		select {
		case <-closed:
			return
		case msg, ok := <-sub.C():
			if !ok {
				writeClose(conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (api *apiServer) eventsWebSocket(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}
	eventsCh := make(chan events.RunEvent, 16)
	unsubscribe, err := api.bus.Subscribe(eventsCh, eventFilter(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("events ws upgrade", "error", err)
		return
	}
	defer conn.Close()
	closed := watchClose(conn)

	for {
		select {
		case <-closed:
			return
		case ev := <-eventsCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// eventFilter narrows an event stream by the optional run and type query
// parameters.
func eventFilter(c *gin.Context) eventbus.Filter {
	byRun := eventbus.ForRun(c.Query("run"))
	var byType eventbus.Filter
	if raw := c.Query("type"); raw != "" {
		byType = eventbus.OfType(strings.Split(raw, ",")...)
	}
	switch {
	case byRun == nil:
		return byType
	case byType == nil:
		return byRun
	}
	return func(ev events.RunEvent) bool { return byRun(ev) && byType(ev) }
}

// watchClose reads from conn until the peer goes away. Clients never send
// data frames; reading is what surfaces close frames and dead connections.
func watchClose(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return closed
}

func writeClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
