// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/szaher/agentgraph/internal/audit"
	"github.com/szaher/agentgraph/internal/engine"
	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/telemetry"
)

const (
	maxBodyBytes        = 4 << 20
	correlationIDHeader = "X-Correlation-ID"
)

// Server is the HTTP API in front of an Engine.
type Server struct {
	engine    *engine.Engine
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	limiter   *SyncLimiter
	version   string
	startTime time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m at /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithSyncLimiter replaces the default per-session sync limiter.
func WithSyncLimiter(l *SyncLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// NewServer creates the HTTP server for eng.
func NewServer(eng *engine.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:    eng,
		logger:    slog.Default(),
		limiter:   NewSyncLimiter(500*time.Millisecond, 2),
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PUT /v1/sessions/{id}/graph", s.handleSyncGraph)
	mux.HandleFunc("POST /v1/sessions/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/sessions/{id}/nodes/{node}/audit", s.handleAuditNode)
	mux.HandleFunc("GET /v1/sessions/{id}/audits", s.handleListAudits)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("DELETE /v1/contexts/{id}", s.handleDeleteContext)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.requestMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr, "version", s.version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestMiddleware attaches a correlation id to the request context and
// logs each request once it completes.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(correlationIDHeader))
		w.Header().Set(correlationIDHeader, telemetry.CorrelationID(ctx))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		telemetry.RequestLogger(s.logger, ctx, "").Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).String(),
		"catalog": s.engine.Catalog().Types(),
		"version": s.version,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID   string `json:"owner_id"`
		ContextID string `json:"context_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.engine.CreateSession(r.Context(), req.OwnerID, req.ContextID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSyncGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.limiter.Allow(id) {
		retry := int(math.Ceil(s.limiter.RetryAfter().Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Sync rate exceeded for this session. Try again later.")
		return
	}

	var req engine.SyncRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.engine.SyncGraph(r.Context(), id, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ExecuteGraph(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditNode(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.AuditNode(r.Context(), r.PathValue("id"), r.PathValue("node"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.AuditRecords(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.DeleteSession(r.Context(), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.limiter.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.DeleteContext(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

// writeEngineError maps engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var cycle *graph.CycleError
	switch {
	case errors.As(err, &cycle):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "cycle_detected",
			"message": err.Error(),
			"node":    cycle.Node,
		})
	case errors.Is(err, graph.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, audit.ErrNoOutput):
		writeError(w, http.StatusConflict, "no_output", err.Error())
	default:
		telemetry.RequestLogger(s.logger, r.Context(), r.PathValue("id")).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
