package http_api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/core-coin/mealpass/internal/billing"
	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/issuer"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/ratelimit"
	"github.com/core-coin/mealpass/internal/redemption"
	"github.com/core-coin/mealpass/internal/session"
	"github.com/core-coin/mealpass/internal/wellknown"
	"github.com/core-coin/mealpass/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

type Issuer interface {
	Run(ctx context.Context) (*issuer.Report, error)
	RunForDay(ctx context.Context, day clock.Day) (*issuer.Report, error)
}

type Redeemer interface {
	Redeem(ctx context.Context, presented, terminalID string) (*redemption.Outcome, error)
}

type Sessions interface {
	Authenticate(ctx context.Context, token, kind string) (*session.Principal, error)
	IssueDevice(ctx context.Context, label, actor string) (string, *models.Session, error)
	Revoke(ctx context.Context, jti, actor, reason string) (bool, error)
	RevokeAllForPrincipal(ctx context.Context, kind, principal, actor, reason string) (int64, error)
	RequestOperatorLink(ctx context.Context, email string) error
	ConsumeOperatorLink(ctx context.Context, raw string) (string, *models.Session, error)
	CreateTelegramLink(ctx context.Context, customerID string) (string, error)
}

type Limiter interface {
	Allow(ctx context.Context, policy ratelimit.Policy, key string) (ratelimit.Result, error)
}

type Billing interface {
	Apply(ctx context.Context, event *billing.SubscriptionEvent) (bool, error)
}

// Options wires the server to the engine.
type Options struct {
	Issuer   Issuer
	Redeemer Redeemer
	Sessions Sessions
	Limiter  Limiter
	Billing  Billing
	Policies map[string]ratelimit.Policy
	KeySet   *wellknown.JWKS
	// TelegramWebhook is nil when the bot long-polls.
	TelegramWebhook http.HandlerFunc
	Metrics         http.Handler
	Health          func(ctx context.Context) error

	SchedulerSecret       string
	BillingWebhookSecret  string
	TelegramWebhookSecret string
	ShutdownTimeout       time.Duration
}

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int

	// server is the underlying HTTP server
	server *http.Server

	opts Options
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(opts Options, port int, logger *logger.Logger) *HTTPServer {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = ShutdownTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.Named("http")))

	// Add CORS middleware
	router.Use(corsMiddleware())

	server := &HTTPServer{
		router: router,
		port:   port,
		opts:   opts,
		logger: logger.Named("http"),
	}

	// Define routes
	server.routes()

	return server
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%v", s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start the HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}
