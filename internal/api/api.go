// Package api implements the local HTTP surface of posturestream.
//
// Routes:
//
//	GET  /health            liveness and connection state
//	GET  /api/v1/status     session snapshot
//	POST /api/v1/samples    inject one sample
//	GET  /api/v1/events     WebSocket live stream of dispatched events
//	GET  /metrics           Prometheus exposition
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/YamYamee/soft-electronic/internal/codec"
	"github.com/YamYamee/soft-electronic/internal/model"
	"github.com/YamYamee/soft-electronic/internal/state"
	"github.com/YamYamee/soft-electronic/internal/transport"
)

const pingInterval = 20 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Sender is the subset of client.Client the API needs.
type Sender interface {
	Send(model.Sample) error
	State() transport.ConnectionState
	Endpoint() string
}

// Server holds handler dependencies.
type Server struct {
	client  Sender
	tracker *state.Tracker
	relay   *Relay
	log     *zap.Logger
	now     func() time.Time
}

// NewRouter wires all routes and returns a http.Handler. A nil gatherer
// leaves /metrics unmounted.
func NewRouter(
	client Sender,
	tracker *state.Tracker,
	relay *Relay,
	gatherer prometheus.Gatherer,
	log *zap.Logger,
) http.Handler {
	s := &Server{client: client, tracker: tracker, relay: relay, log: log, now: time.Now}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("POST /api/v1/samples", s.sendSample)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return withLogging(log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"connection": s.client.State().String(),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":    s.client.Endpoint(),
		"connection":  s.client.State().String(),
		"session":     s.tracker.Snapshot(),
		"subscribers": s.relay.Len(),
	})
}

// ── Samples ───────────────────────────────────────────────────────────────

type sampleRequest struct {
	Timestamp     *int64   `json:"timestamp"` // epoch ms, defaults to now
	RelativePitch *float64 `json:"relativePitch"`
}

func (s *Server) sendSample(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RelativePitch == nil {
		writeError(w, http.StatusBadRequest, "relativePitch required")
		return
	}
	sample := model.NewSample(s.now(), *req.RelativePitch)
	if req.Timestamp != nil {
		sample.Timestamp = *req.Timestamp
	}

	err := s.client.Send(sample)
	var encErr *codec.EncodeError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "timestamp": sample.Timestamp})
	case errors.As(err, &encErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transport.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrSendQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("api: send sample", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.relay.Subscribe()
	defer unsub()

	// Reads only serve to notice the client going away.
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

// ── Middleware ────────────────────────────────────────────────────────────

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
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
