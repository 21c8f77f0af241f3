package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/slotwarden/slotwarden/internal/auth"
	"github.com/slotwarden/slotwarden/internal/ctxutil"
	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/ratelimit"
)

// Store is the read surface the HTTP layer needs directly. Writes go through
// the services.
type Store interface {
	Ping(ctx context.Context) error
	GetOperator(ctx context.Context, operatorID string) (model.Operator, error)
	CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error)
	ListResolutions(ctx context.Context, f model.ResolutionFilter) ([]model.ConflictResolution, error)
	ListActions(ctx context.Context, resolutionID uuid.UUID) ([]model.ResolutionAction, error)
}

// Resolutions is the resolution engine as seen by the control surface.
type Resolutions interface {
	Get(ctx context.Context, id uuid.UUID) (model.ConflictResolution, error)
	HandleHumanResolution(ctx context.Context, id uuid.UUID, userID, action string, params map[string]any, notes string) (model.ConflictResolution, bool, error)
	AssignResolution(ctx context.Context, id uuid.UUID, assignee, actor string) (model.ConflictResolution, error)
	LearnFromOutcome(ctx context.Context, targetID uuid.UUID, actual string, occurred bool, satisfaction *float64) (model.Outcome, error)
	Metrics(ctx context.Context, window time.Duration) (model.ResolutionMetrics, error)
}

// Detector runs conflict detection on demand.
type Detector interface {
	Detect(ctx context.Context, subjectID string, w model.Window, types ...model.ConflictType) ([]model.ConflictEvent, error)
	OnExternalChange(ctx context.Context, subjectID, provider string, w model.Window) ([]model.ConflictEvent, error)
}

// Risks is the risk predictor as seen by the control surface.
type Risks interface {
	AnalyzeBookingRequest(ctx context.Context, req model.RiskAnalyzeRequest) (model.RiskAssessment, error)
	Get(ctx context.Context, id uuid.UUID) (model.ConflictRisk, error)
	PreventPredictedConflict(ctx context.Context, id uuid.UUID, strategies []string) (model.PreventionResult, error)
}

// Server is the SlotWarden HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, MCPServer, AuthLimiter, WriteLimiter,
// ReadLimiter, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store       Store
	JWTMgr      *auth.JWTManager
	Resolutions Resolutions
	Detector    Detector
	Risks       Risks
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker       *Broker
	MCPServer    *mcpserver.MCPServer
	AuthLimiter  ratelimit.Limiter
	WriteLimiter ratelimit.Limiter
	ReadLimiter  ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Resolutions:         cfg.Resolutions,
		Detector:            cfg.Detector,
		Risks:               cfg.Risks,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestID(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	writeRL := ratelimit.Middleware(cfg.WriteLimiter, operatorKeyFunc, reqIDFunc, cfg.Logger)
	readRL := ratelimit.Middleware(cfg.ReadLimiter, operatorKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	viewer := requireRole(model.RoleViewer)
	operator := requireRole(model.RoleOperator)
	manager := requireRole(model.RoleManager)

	// Resolutions.
	mux.Handle("GET /v1/resolutions", readRL(viewer(http.HandlerFunc(h.HandleListResolutions))))
	mux.Handle("GET /v1/resolutions/{id}", readRL(viewer(http.HandlerFunc(h.HandleGetResolution))))
	mux.Handle("GET /v1/resolutions/{id}/audit", readRL(viewer(http.HandlerFunc(h.HandleResolutionAudit))))
	mux.Handle("POST /v1/resolutions/{id}/resolve", writeRL(operator(http.HandlerFunc(h.HandleResolve))))
	mux.Handle("POST /v1/resolutions/{id}/assign", writeRL(operator(http.HandlerFunc(h.HandleAssign))))
	mux.Handle("POST /v1/resolutions/{id}/outcome", writeRL(operator(http.HandlerFunc(h.HandleOutcome))))
	mux.Handle("GET /v1/metrics/resolutions", readRL(viewer(http.HandlerFunc(h.HandleMetrics))))

	// Detection.
	mux.Handle("POST /v1/detect", writeRL(operator(http.HandlerFunc(h.HandleDetect))))
	mux.Handle("POST /v1/external-changes", writeRL(operator(http.HandlerFunc(h.HandleExternalChange))))

	// Risk.
	mux.Handle("POST /v1/risk/analyze", writeRL(operator(http.HandlerFunc(h.HandleAnalyzeRisk))))
	mux.Handle("GET /v1/risks/{id}", readRL(viewer(http.HandlerFunc(h.HandleGetRisk))))
	mux.Handle("POST /v1/risks/{id}/prevent", writeRL(manager(http.HandlerFunc(h.HandlePrevent))))
	mux.Handle("POST /v1/risks/{id}/outcome", writeRL(operator(http.HandlerFunc(h.HandleOutcome))))

	// Subscription endpoint (no rate limit, long-lived connection).
	mux.Handle("GET /v1/subscribe", viewer(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport. Write tools check the operator role themselves.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", viewer(mcpHTTP))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → body limit → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// operatorKeyFunc keys rate limits on the authenticated operator.
// Returns empty string for admins, which are exempt.
func operatorKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "op:" + claims.OperatorID
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
