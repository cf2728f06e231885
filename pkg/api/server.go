// Package api exposes the command service over HTTP: operator routes under
// /nl, the signed voice-agent webhook and a health probe.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/erichecan/AIrest/pkg/api/apierror"
	"github.com/erichecan/AIrest/pkg/auth"
	"github.com/erichecan/AIrest/pkg/boundary"
	"github.com/erichecan/AIrest/pkg/command"
	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/store"
)

const maxBodyBytes = 1 << 20

// Options wires a Server.
type Options struct {
	Service  *command.Service
	Webhooks store.WebhookStore
	// Guard authenticates webhook deliveries.
	Guard *boundary.Guard
	// WebhookLimiter throttles tool calls per voice call.
	WebhookLimiter boundary.Limiter
	WebhookPolicy  boundary.Policy
	// APILimiter throttles operator routes per principal. Optional.
	APILimiter boundary.Limiter
	APIPolicy  boundary.Policy
	// Auth authenticates operator routes.
	Auth func(http.Handler) http.Handler
	// Health reports readiness of the backing stores.
	Health func(ctx context.Context) error

	DefaultTenantID     string
	DefaultRestaurantID string
}

// Server serves the HTTP API.
type Server struct {
	opts   Options
	clock  func() time.Time
	logger *slog.Logger
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = auth.NewMiddleware(nil)
	}
	return &Server{
		opts:   opts,
		clock:  time.Now,
		logger: slog.Default().With("component", "api"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler returns the routed handler with request id, auth and rate limit
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook", s.handleWebhook)

	mux.HandleFunc("POST /nl/command", s.handleCommand)
	mux.HandleFunc("POST /nl/confirm", s.handleConfirm)
	mux.HandleFunc("POST /nl/cancel", s.handleCancel)
	mux.HandleFunc("POST /nl/clarify", s.handleClarify)
	mux.HandleFunc("POST /nl/undo", s.handleUndo)
	mux.HandleFunc("GET /nl/config", s.handleConfig)
	mux.HandleFunc("GET /nl/audit", s.handleAudit)

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.opts.Auth(h)
	h = s.logRequests(h)
	return auth.RequestIDMiddleware(h)
}

// rateLimit throttles authenticated operators. Limiter errors fail open.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.opts.APILimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		ok, err := s.opts.APILimiter.Allow(r.Context(), "api:"+p.TenantID+"/"+p.ID)
		if err != nil {
			s.logger.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
		} else if !ok {
			apierror.WriteTooManyRequests(w, r, s.opts.APIPolicy.RetryAfter())
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", s.clock().Sub(start).Milliseconds(),
			"request_id", auth.GetRequestID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			apierror.WriteUnavailable(w, r, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body of at most maxBodyBytes into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		apierror.WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to problem details. Decisions about a
// command are never errors here; they arrive as Response statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, contracts.ErrValidation):
		apierror.WriteBadRequest(w, r, err.Error())
	case errors.Is(err, contracts.ErrSignatureInvalid):
		apierror.WriteUnauthorized(w, r, "Invalid webhook signature")
	case errors.Is(err, contracts.ErrReplayDetected):
		apierror.WriteConflict(w, r, "Replay detected")
	case errors.Is(err, contracts.ErrNotFound):
		apierror.WriteNotFound(w, r, err.Error())
	case errors.Is(err, contracts.ErrDownstreamUnavailable):
		apierror.WriteUnavailable(w, r, "A dependency is unavailable. Please retry.")
	default:
		apierror.WriteInternal(w, r, err)
	}
}
