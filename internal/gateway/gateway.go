// Package gateway exposes turns, scope, proposals and runs over HTTP with
// bearer auth, JSON Schema validated bodies, SSE and WebSocket streams.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/bus"
	"github.com/basket/turngate/internal/config"
	"github.com/basket/turngate/internal/otel"
	"github.com/basket/turngate/internal/persistence"
	"github.com/basket/turngate/internal/proposal"
	"github.com/basket/turngate/internal/runs"
	"github.com/basket/turngate/internal/scope"
	"github.com/basket/turngate/internal/session"
)

const defaultKeepAlive = 15 * time.Second

type Config struct {
	Store     *persistence.Store
	Guard     *scope.Guard
	Sessions  *session.Manager
	Proposals *proposal.Service
	Runs      *runs.Manager
	Bus       *bus.Bus

	Telemetry *otel.Provider
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger

	AuthToken string
	// AllowOrigins feeds both CORS and the WebSocket origin check.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig
	MaxBodyBytes int64

	// ConfigFingerprint is reported by /healthz so operators can tell which
	// config generation is live.
	ConfigFingerprint func() string

	// KeepAlive is the SSE comment interval. Zero uses 15s.
	KeepAlive time.Duration
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	validator *validator
	limiter   *RateLimitMiddleware
}

func New(cfg Config) (*Server, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(cfg.Tracer),
		metrics:   cfg.Metrics,
		validator: v,
		limiter:   NewRateLimitMiddleware(cfg.RateLimit),
	}, nil
}

// Limiter exposes the rate limiter so the caller can run its eviction loop.
func (s *Server) Limiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.withTelemetry(pattern, h))
	}

	route("GET /healthz", s.handleHealthz)
	route("GET /metrics", s.handleMetrics)

	route("POST /api/turns", s.handleStartTurn)
	route("GET /api/turns", s.handleListTurns)
	route("GET /api/turns/{id}", s.handleGetTurn)
	route("GET /api/turns/{id}/events", s.handleTurnEvents)
	route("GET /api/turns/{id}/stream", s.handleTurnStream)
	route("GET /ws/turns/{id}", s.handleTurnWS)

	route("GET /api/session", s.handleSessionStatus)
	route("POST /api/session", s.handleSessionStart)
	route("DELETE /api/session", s.handleSessionStop)

	route("POST /api/scope/enforce", s.handleEnforce)
	route("POST /api/scope/overrides", s.handleStartOverride)
	route("GET /api/scope/overrides", s.handleOverrideStatus)
	route("DELETE /api/scope/overrides", s.handleStopOverride)

	route("GET /api/proposals", s.handleListProposals)
	route("POST /api/proposals", s.handleCreateProposal)
	route("POST /api/proposals/resolve", s.handleResolveByToken)
	route("GET /api/proposals/{id}", s.handleGetProposal)
	route("GET /api/proposals/{id}/files", s.handleProposalFiles)
	route("POST /api/proposals/{id}/resolve", s.handleResolveProposal)

	route("GET /api/loops/{id}/settings", s.handleGetLoopSettings)
	route("PUT /api/loops/{id}/settings", s.handlePutLoopSettings)

	route("GET /api/commands", s.handleListCommands)
	route("GET /api/runs", s.handleListRuns)
	route("POST /api/runs", s.handleStartRun)
	route("GET /api/runs/{id}", s.handleGetRun)
	route("GET /api/runs/{id}/stream", s.handleRunStream)
	route("POST /api/runs/{id}/stop", s.handleStopRun)
	route("GET /ws/runs/{id}", s.handleRunWS)

	route("GET /api/events", s.handleBusEvents)
	route("GET /api/audit", s.handleListAudit)

	var h http.Handler = mux
	h = s.withAuth(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store != nil && s.cfg.Store.DB().PingContext(ctx) == nil
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	if s.cfg.Sessions != nil {
		payload["session"] = s.cfg.Sessions.Status()
	}
	if s.cfg.Runs != nil {
		payload["running_runs"] = s.cfg.Runs.Running()
	}
	if s.cfg.ConfigFingerprint != nil {
		payload["config_fingerprint"] = s.cfg.ConfigFingerprint()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleMetrics renders the OpenTelemetry counters plus live gauges in
// Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if s.cfg.Telemetry != nil {
		if err := s.cfg.Telemetry.WritePrometheus(ctx, w); err != nil {
			s.logger.Warn("collect metrics failed", "error", err)
		}
	}
	if s.cfg.Sessions != nil {
		st := s.cfg.Sessions.Status()
		gauge(w, "turngate_active_turns", "Turns that have not reached a terminal state.", st.ActiveTurnCount)
		gauge(w, "turngate_active_threads", "Agent threads open on the current session.", int64(st.ActiveThreadCount))
	}
	if s.cfg.Runs != nil {
		gauge(w, "turngate_running_runs", "Command runs still executing.", int64(s.cfg.Runs.Running()))
	}
	if s.cfg.Store != nil {
		if n, err := s.cfg.Store.CountProposals(ctx, persistence.ProposalPending); err == nil {
			gauge(w, "turngate_pending_proposals", "Proposals awaiting review.", int64(n))
		}
	}
	if s.cfg.Bus != nil {
		counter(w, "turngate_bus_dropped_total", "Bus events dropped for slow subscribers.", s.cfg.Bus.Dropped())
	}
	counter(w, "turngate_policy_deny_total", "Audited deny decisions since start.", audit.DenyCount())
}

func gauge(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}

func counter(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}
