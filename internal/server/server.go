// Package server exposes the REST control plane of the gateway: outbound
// call orders, warm transfers, health probes and Prometheus metrics.
//
// Call and transfer endpoints are guarded by bearer authentication when a
// token is configured; health and metrics stay open for probes and scrapers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flametree-ai/sipvox/internal/app"
	"github.com/flametree-ai/sipvox/internal/health"
	"github.com/flametree-ai/sipvox/internal/observe"
)

// Gateway is the application surface the REST layer drives. *app.App
// implements it; tests substitute stubs.
type Gateway interface {
	// PlaceCall starts an outbound call and returns its backend session ID.
	PlaceCall(ctx context.Context, req app.CallRequest) (string, error)

	// TransferCall arms a warm transfer on a live call.
	TransferCall(sessionID, toURI string, delay time.Duration) error
}

// Config holds the REST server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Token, when non-empty, is the bearer token required on /call and
	// /transfer requests.
	Token string
}

// Server is the control-plane HTTP server.
type Server struct {
	gateway Gateway
	token   string
	httpSrv *http.Server
	handler http.Handler
}

// Option configures optional Server collaborators.
type Option func(*options)

type options struct {
	metrics *observe.Metrics
	health  *health.Handler
}

// WithMetrics sets the metrics instance used by the HTTP middleware.
// Defaults to the process-wide metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHealth mounts the given health handler's /healthz and /readyz routes.
func WithHealth(h *health.Handler) Option {
	return func(o *options) { o.health = h }
}

// New builds the server and its route table.
func New(cfg Config, gw Gateway, opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	s := &Server{gateway: gw, token: cfg.Token}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /call", s.authorize(s.handleCall))
	mux.HandleFunc("POST /transfer/{session_id}", s.authorize(s.handleTransfer))
	if o.health != nil {
		o.health.Register(mux)
	}

	s.handler = observe.Middleware(o.metrics)(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wired handler chain, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe blocks serving requests until Shutdown or a listener error.
// A graceful shutdown surfaces as [http.ErrServerClosed].
func (s *Server) ListenAndServe() error {
	slog.Info("rest api listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// ─── Handlers ────────────────────────────────────────────────────────────────

type callRequest struct {
	ToURI           string         `json:"to_uri"`
	EnvInfo         map[string]any `json:"env_info"`
	CommunicationID string         `json:"communication_id"`
}

type transferRequest struct {
	ToURI string `json:"to_uri"`

	// TransferDelay is the settle wait in seconds before the REFER is sent.
	// Absent means 1 second.
	TransferDelay *float64 `json:"transfer_delay"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	slog.Debug("health check served")
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("unparseable call request", "error", err)
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToURI == "" {
		writeMessage(w, http.StatusBadRequest, "to_uri is required")
		return
	}

	sessionID, err := s.gateway.PlaceCall(r.Context(), app.CallRequest{
		ToURI:           req.ToURI,
		EnvInfo:         req.EnvInfo,
		CommunicationID: req.CommunicationID,
	})
	switch {
	case errors.Is(err, app.ErrSIPNotReady):
		writeMessage(w, http.StatusServiceUnavailable, "sip not initialized")
	case err != nil:
		log.Error("outbound call failed", "to_uri", req.ToURI, "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to start session")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"message":    "ok",
			"session_id": sessionID,
		})
	}
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	log := observe.Logger(r.Context())

	// An empty body means "default delay"; only malformed JSON is an error.
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Error("unparseable transfer request", "session_id", sessionID, "error", err)
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToURI == "" {
		writeMessage(w, http.StatusBadRequest, "to_uri is required")
		return
	}
	delay := time.Second
	if req.TransferDelay != nil {
		delay = time.Duration(*req.TransferDelay * float64(time.Second))
	}

	err := s.gateway.TransferCall(sessionID, req.ToURI, delay)
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		writeMessage(w, http.StatusNotFound, "session not found")
	case errors.Is(err, app.ErrCallNotActive):
		writeMessage(w, http.StatusBadRequest, "call is not active")
	case err != nil:
		log.Error("transfer failed", "session_id", sessionID, "error", err)
		writeMessage(w, http.StatusInternalServerError, "call state error")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"message":    "Successfully transferred",
			"session_id": sessionID,
			"to_uri":     req.ToURI,
		})
	}
}

// ─── Auth ────────────────────────────────────────────────────────────────────

// authorize enforces the bearer token on control endpoints. Without a
// configured token every request passes.
func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			writeMessage(w, http.StatusUnauthorized, "missing authorization")
			return
		}
		if header != "Bearer "+s.token {
			writeMessage(w, http.StatusForbidden, "invalid authorization")
			return
		}
		next(w, r)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}
