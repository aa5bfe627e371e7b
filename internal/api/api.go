// internal/api/api.go
//
// Routes:
//
//	GET  /api/v1/status                 hub diagnostics and status block health
//	GET  /api/v1/targets                per-target enablement state
//	POST /api/v1/targets/{id}/enable    enable a target (period_ms, max_latency_ms)
//	POST /api/v1/targets/{id}/disable   disable a target
//	POST /api/v1/reset                  explicit hub reset (?wait=true blocks)
//	GET  /api/v1/resets                 reset journal, newest first
//	GET  /api/v1/events                 WebSocket stream of samples and resets
//	GET  /metrics                       Prometheus exposition
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tamzrod/sensorhub/internal/dispatch"
	"github.com/tamzrod/sensorhub/internal/enablement"
	"github.com/tamzrod/sensorhub/internal/events"
	"github.com/tamzrod/sensorhub/internal/frame"
	"github.com/tamzrod/sensorhub/internal/hub"
	"github.com/tamzrod/sensorhub/internal/status"
)

// Hub is the administrative and observability surface the API drives.
type Hub interface {
	Diagnostics() hub.Diagnostics
	Targets() []hub.TargetInfo
	Enable(ctx context.Context, t frame.Target, p enablement.Params) error
	Disable(ctx context.Context, t frame.Target) error
	ForceReset(ctx context.Context, wait bool) error
}

// Journal lists recorded reset cycles.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]events.ResetEvent, error)
}

// Health provides the status block snapshot.
type Health interface {
	Snapshot() status.Snapshot
}

// Streamer hands out live event subscriptions.
type Streamer interface {
	Subscribe() (<-chan events.Envelope, func())
}

// Options carries the optional dependencies. A nil field leaves its
// routes unregistered.
type Options struct {
	Journal Journal
	Health  Health
	Stream  Streamer
	Metrics prometheus.Gatherer
}

const pingInterval = 20 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	hub  Hub
	opts Options
	log  *zap.Logger
}

// NewRouter wires all routes and returns a http.Handler.
func NewRouter(h Hub, opts Options, log *zap.Logger) (http.Handler, error) {
	if h == nil {
		return nil, errors.New("api: hub required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{hub: h, opts: opts, log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)

	mux.HandleFunc("GET /api/v1/targets", s.listTargets)
	mux.HandleFunc("POST /api/v1/targets/{id}/enable", s.enableTarget)
	mux.HandleFunc("POST /api/v1/targets/{id}/disable", s.disableTarget)

	mux.HandleFunc("POST /api/v1/reset", s.reset)

	if opts.Journal != nil {
		mux.HandleFunc("GET /api/v1/resets", s.listResets)
	}
	if opts.Stream != nil {
		mux.HandleFunc("GET /api/v1/events", s.eventStream)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	return withLogging(log, mux), nil
}

// ---- status ----

type healthView struct {
	Health         string `json:"health"`
	LastErrorCode  uint16 `json:"last_error_code"`
	SecondsInError uint16 `json:"seconds_in_error"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"diagnostics": s.hub.Diagnostics(),
	}
	if s.opts.Health != nil {
		snap := s.opts.Health.Snapshot()
		resp["health"] = healthView{
			Health:         status.HealthName(snap.Health),
			LastErrorCode:  snap.LastErrorCode,
			SecondsInError: snap.SecondsInError,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- targets ----

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.hub.Targets()
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": targets,
		"count":   len(targets),
	})
}

type enableRequest struct {
	PeriodMs     int `json:"period_ms"`
	MaxLatencyMs int `json:"max_latency_ms"`
}

func (s *Server) enableTarget(w http.ResponseWriter, r *http.Request) {
	t, err := pathTarget(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.PeriodMs, err = queryInt(r, "period_ms", req.PeriodMs, 0, 1<<31-1); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxLatencyMs, err = queryInt(r, "max_latency_ms", req.MaxLatencyMs, 0, 1<<31-1); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PeriodMs <= 0 {
		http.Error(w, "period_ms must be > 0", http.StatusBadRequest)
		return
	}
	if req.MaxLatencyMs < 0 {
		http.Error(w, "max_latency_ms must be >= 0", http.StatusBadRequest)
		return
	}

	p := enablement.Params{
		Period:     time.Duration(req.PeriodMs) * time.Millisecond,
		MaxLatency: time.Duration(req.MaxLatencyMs) * time.Millisecond,
	}
	if err := s.hub.Enable(r.Context(), t, p); err != nil {
		s.adminError(w, "enable", t, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": t, "enabled": true})
}

func (s *Server) disableTarget(w http.ResponseWriter, r *http.Request) {
	t, err := pathTarget(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.hub.Disable(r.Context(), t); err != nil {
		s.adminError(w, "disable", t, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": t, "enabled": false})
}

// ---- reset ----

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	wait, err := queryBool(r, "wait")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.hub.ForceReset(r.Context(), wait); err != nil {
		s.log.Warn("api: reset", zap.Bool("wait", wait), zap.Error(err))
		code := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), code)
		return
	}

	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
		return
	}
	d := s.hub.Diagnostics()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "completed",
		"reset_seq": d.Recovery.Counters.ResetSeq,
	})
}

func (s *Server) listResets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resets, err := s.opts.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("api: list resets", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resets": resets,
		"count":  len(resets),
	})
}

// ---- WebSocket event stream ----

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.opts.Stream.Subscribe()
	defer unsub()

	// Drain client frames so control messages are processed and a close
	// from the peer ends the stream.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ---- errors ----

func (s *Server) adminError(w http.ResponseWriter, op string, t frame.Target, err error) {
	code := adminStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Warn("api: "+op, zap.Uint8("target", uint8(t)), zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func adminStatus(err error) int {
	switch {
	case errors.Is(err, hub.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ---- middleware ----

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: hijack not supported")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func pathTarget(r *http.Request) (frame.Target, error) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid target id %q", r.PathValue("id"))
	}
	return frame.Target(n), nil
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}
