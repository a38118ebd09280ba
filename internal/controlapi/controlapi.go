// Package controlapi implements the host-side HTTP control plane.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package controlapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/provisioner"
	"github.com/jkaninda/ngome/internal/ratelimit"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg    *config.APIConfig
	prov   *provisioner.Provisioner
	trail  *audit.Store
	obs    *observability.Observability
	logger *slog.Logger

	metricsPath string
	limiter     *ratelimit.Limiter // nil = unlimited

	okapi  *okapi.Okapi
	server *http.Server
}

// NewServer creates the control API server. The audit store and
// observability facade may be nil.
func NewServer(cfg *config.APIConfig, prov *provisioner.Provisioner, trail *audit.Store, obs *observability.Observability, metricsPath string, logger *slog.Logger) *Server {
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
	}
	return &Server{
		cfg:         cfg,
		prov:        prov,
		trail:       trail,
		obs:         obs,
		metricsPath: metricsPath,
		limiter:     limiter,
		logger:      logger,
		okapi:       okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize())),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	// Metrics middleware (applied globally).
	if m := s.obs.MetricsOrNil(); m != nil {
		var tr trace.Tracer
		if t := s.obs.TracerOrNil(); t != nil {
			tr = t.Tracer()
		}
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(m, tr, next)
		})
	}

	group := s.okapi.Group("/v1", s.guard)

	group.Get("/agents", s.handleAgentList,
		okapi.DocSummary("List all provisioned agents"),
		okapi.DocTags("Agents"),
		okapi.DocResponse([]AgentResponse{}),
	)
	group.Post("/agents", s.handleAgentCreate,
		okapi.DocSummary("Provision a sandbox for a repository"),
		okapi.DocTags("Agents"),
		okapi.DocRequestBody(ProvisionRequest{}),
		okapi.DocResponse(http.StatusAccepted, AgentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	group.Get("/agents/{id}", s.handleAgentGet,
		okapi.DocSummary("Get one agent's provisioning state"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID"),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	group.Delete("/agents/{id}", s.handleAgentDestroy,
		okapi.DocSummary("Stop an agent's sandbox"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID"),
		okapi.DocResponse(map[string]string{}),
	)
	group.Get("/agents/{id}/attempts", s.handleAgentAttempts,
		okapi.DocSummary("List an agent's provisioning attempts"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID"),
		okapi.DocResponse([]audit.ProvisionAttempt{}),
	)
	group.Get("/agents/{id}/logs", s.handleAgentLogs,
		okapi.DocSummary("Tail an agent's sandbox output"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID"),
		okapi.DocResponse(LogsResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// WebSocket log streaming (std handler; agent selected by query param).
	s.okapi.HandleStd("GET", "/v1/logs/stream", s.handleLogStream)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if m := s.obs.MetricsOrNil(); m != nil {
		path := s.metricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.cfg.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Ngome",
			Version: provisioner.Version,
		})
	}

	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("control api starting", slog.String("addr", s.cfg.Addr()))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("control api stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// ProvisionRequest is the JSON body for POST /v1/agents.
type ProvisionRequest struct {
	AgentID    string `json:"agent_id"`
	Repository string `json:"repository"`
}

// AgentResponse mirrors the persisted bridge state.
type AgentResponse struct {
	AgentID         string `json:"agent_id"`
	Repository      string `json:"repository"`
	Port            int    `json:"port,omitempty"`
	Backend         string `json:"backend"`
	Status          string `json:"status"`
	Iterations      int    `json:"iterations"`
	CreatedAt       string `json:"created_at"`
	LastHealthCheck string `json:"last_health_check,omitempty"`
}

// LogsResponse is the JSON response for GET /v1/agents/{id}/logs.
type LogsResponse struct {
	AgentID string `json:"agent_id"`
	Output  string `json:"output"`
}

func toAgentResponse(state *provisioner.BridgeState) AgentResponse {
	resp := AgentResponse{
		AgentID:    state.AgentID,
		Repository: state.Repository,
		Port:       state.Port,
		Backend:    state.Backend,
		Status:     string(state.Status),
		Iterations: state.Iterations,
		CreatedAt:  state.CreatedAt.Format(time.RFC3339),
	}
	if !state.LastHealthCheck.IsZero() {
		resp.LastHealthCheck = state.LastHealthCheck.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleAgentList(c *okapi.Context) error {
	states, err := s.prov.List()
	if err != nil {
		s.logger.Error("listing agents", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing agents failed")
	}
	resp := make([]AgentResponse, len(states))
	for i, state := range states {
		resp[i] = toAgentResponse(state)
	}
	return c.OK(resp)
}

func (s *Server) handleAgentCreate(c *okapi.Context) error {
	var req ProvisionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Repository == "" {
		return c.AbortBadRequest("repository is required")
	}
	if req.AgentID == "" {
		req.AgentID = uuid.NewString()
	}

	s.logger.Info("provision requested",
		slog.String("agent_id", req.AgentID),
		slog.String("repository", req.Repository),
	)

	// Provisioning can take minutes; run it in the background and let
	// clients poll GET /v1/agents/{id}. Failures land in the state file.
	go func() {
		if _, err := s.prov.Initialize(context.Background(), req.AgentID, req.Repository); err != nil {
			s.logger.Error("background provisioning failed",
				slog.String("agent_id", req.AgentID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return c.JSON(http.StatusAccepted, AgentResponse{
		AgentID:    req.AgentID,
		Repository: req.Repository,
		Status:     string(provisioner.StatusAnalyzing),
	})
}

func (s *Server) handleAgentGet(c *okapi.Context) error {
	state, err := s.prov.GetState(c.Param("id"))
	if err != nil {
		if errors.Is(err, provisioner.ErrStateNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "agent not found"})
		}
		return c.AbortInternalServerError("reading agent state failed")
	}
	return c.OK(toAgentResponse(state))
}

func (s *Server) handleAgentDestroy(c *okapi.Context) error {
	if err := s.prov.Destroy(c.Context(), c.Param("id")); err != nil {
		s.logger.Error("destroying agent",
			slog.String("agent_id", c.Param("id")),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("destroy failed")
	}
	return c.OK(map[string]string{"status": string(provisioner.StatusStopped)})
}

func (s *Server) handleAgentAttempts(c *okapi.Context) error {
	attempts, err := s.trail.ListByAgent(c.Context(), c.Param("id"), 0)
	if err != nil {
		return c.AbortInternalServerError("listing attempts failed")
	}
	if attempts == nil {
		attempts = []audit.ProvisionAttempt{}
	}
	return c.OK(attempts)
}

func (s *Server) handleAgentLogs(c *okapi.Context) error {
	agentID := c.Param("id")
	lines := 100
	if v := c.Query("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	out, err := s.prov.Logs(c.Context(), agentID, lines)
	if err != nil {
		if errors.Is(err, provisioner.ErrStateNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "agent not found"})
		}
		return c.AbortInternalServerError("reading logs failed")
	}
	return c.OK(LogsResponse{AgentID: agentID, Output: out})
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(okapi.M{"status": "ok"})
}

func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.obs == nil || s.obs.Health == nil {
		return c.OK(okapi.M{"status": "ok"})
	}
	status := s.obs.Health.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// guard is the /v1 middleware chain: authentication, then rate limiting.
func (s *Server) guard(next okapi.HandlerFunc) okapi.HandlerFunc {
	return s.authenticate(s.rateLimit(next))
}

// authenticate validates the bearer token against the configured API key.
// An empty configured key disables authentication (loopback deployments).
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if s.cfg.APIKey == "" {
			return next(c)
		}
		if !s.keyMatches(c.Header("Authorization")) {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		return next(c)
	}
}

func (s *Server) keyMatches(authHeader string) bool {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	key := strings.TrimPrefix(authHeader, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

// rateLimit throttles requests per presented credential. Unauthenticated
// deployments share a single bucket.
func (s *Server) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if s.limiter == nil {
			return next(c)
		}
		clientID := c.Header("Authorization")
		if clientID == "" {
			clientID = "anonymous"
		}
		if err := s.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}
