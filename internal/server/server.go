// Package server sets up the HTTP server with all routes
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/claudinethelobster/clawfather/internal/account"
	"github.com/claudinethelobster/clawfather/internal/audit"
	"github.com/claudinethelobster/clawfather/internal/auth"
	"github.com/claudinethelobster/clawfather/internal/billing"
	"github.com/claudinethelobster/clawfather/internal/chat"
	"github.com/claudinethelobster/clawfather/internal/config"
	"github.com/claudinethelobster/clawfather/internal/health"
	"github.com/claudinethelobster/clawfather/internal/logging"
	"github.com/claudinethelobster/clawfather/internal/metrics"
	"github.com/claudinethelobster/clawfather/internal/payments"
	"github.com/claudinethelobster/clawfather/internal/probe"
	"github.com/claudinethelobster/clawfather/internal/ratelimit"
	"github.com/claudinethelobster/clawfather/internal/security"
	"github.com/claudinethelobster/clawfather/internal/session"
	"github.com/claudinethelobster/clawfather/internal/validation"
)

// Version is set by ldflags at build time.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	accounts    *account.Service
	store       account.Store
	registry    *session.Registry
	manager     *session.Manager
	ticker      *billing.Ticker
	gateway     *chat.Gateway
	oauth       *auth.GitHubOAuth
	payments    *payments.Service
	prober      *probe.Prober
	auditStore  audit.Store
	auditLog    *audit.Logger
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	startedAt   time.Time

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		startedAt: time.Now(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dbDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		accountStore := account.NewPostgresStore(db)
		if err := accountStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate account store", "error", err)
		}
		s.store = accountStore

		auditStore := audit.NewPostgresStore(db)
		if err := auditStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		s.auditStore = auditStore
	} else {
		s.store = account.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.auditLog = audit.NewLogger(s.auditStore, s.logger)

	accounts, err := account.NewService(s.store, cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create account service: %w", err)
	}
	s.accounts = accounts

	prober := probe.New()
	s.registry = session.NewRegistry()
	s.manager = session.NewManager(session.Config{
		SocketDir:      cfg.ControlSocketDir,
		DefaultSSHPort: cfg.SSHPort,
		MaxSessions:    cfg.MaxSessionsPer,
		WebDomain:      websocketOrigin(cfg.WebDomain),
		ProbeTimeout:   cfg.RequestTimeout,
	}, accounts, s.registry, prober, s.auditLog, logging.Component(s.logger, "session"))

	s.ticker = billing.NewTicker(s.store, s.registry, s.manager, cfg.TickPeriod, cfg.IdleTimeout, logging.Component(s.logger, "ticker"))
	s.gateway = chat.NewGateway(s.registry, accounts, s.manager, logging.Component(s.logger, "chat"))
	s.oauth = auth.NewGitHubOAuth(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.WebDomain, accounts)
	s.payments = payments.NewService(s.store, cfg.StripeWebhookSecret, s.auditLog, s.logger)
	s.prober = prober

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", s.db.PingContext)
	}
	s.checks.Register("credit_ticker", func(ctx context.Context) error {
		if !s.ticker.Running() {
			return errors.New("not running")
		}
		return nil
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// websocketOrigin converts the public HTTP origin to its ws(s) counterpart.
func websocketOrigin(domain string) string {
	if strings.HasPrefix(domain, "https://") {
		return "wss://" + strings.TrimPrefix(domain, "https://")
	}
	if strings.HasPrefix(domain, "http://") {
		return "ws://" + strings.TrimPrefix(domain, "http://")
	}
	return domain
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "An unexpected error occurred"},
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: only the configured web origin may send credentials
	s.router.Use(security.CORSMiddleware([]string{s.cfg.WebDomain}))

	// Gzip compression (after CORS, before request size limit)
	s.router.Use(gzipMiddleware())

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Request timeout (after logging so timeouts are logged)
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket chat channel. Auth happens in-band via the first frame.
	s.router.GET("/ws/sessions/:id", func(c *gin.Context) {
		s.gateway.HandleWebSocket(c.Writer, c.Request, c.Param("id"))
	})

	v1 := s.router.Group("/api/v1")

	// OAuth (no bearer auth). The start endpoint carries its own budget:
	// 10 requests per 60s per IP.
	authHandler := auth.NewHandler(s.accounts, s.oauth, s.auditLog, s.cfg.IsProduction())
	v1.POST("/auth/oauth/github/start",
		s.rateLimiter.EndpointMiddleware("oauth_start", 10, 10),
		authHandler.Start,
	)
	v1.GET("/auth/oauth/github/callback", authHandler.Callback)

	// Stripe webhook (raw body, signature header, no bearer auth)
	paymentsHandler := payments.NewHandler(s.payments)
	v1.POST("/webhooks/stripe", paymentsHandler.HandleWebhook)

	// PROTECTED ROUTES (require bearer token)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.accounts), auth.RequireAuth())
	{
		protected.DELETE("/auth/session", authHandler.Logout)
		protected.GET("/auth/me", authHandler.Me)

		accountHandler := account.NewHandler(
			s.accounts,
			s.prober,
			s.auditLog,
			auth.AccountID,
			session.InstallCommand,
			s.cfg.SSHPort,
		)
		accountHandler.RegisterRoutes(protected)

		sessionHandler := session.NewHandler(s.manager, s.store, auth.AccountID)
		sessionHandler.RegisterRoutes(protected)

		auditHandler := audit.NewHandler(s.auditStore)
		protected.GET("/audit", auditHandler.List(auth.AccountID))
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	dbStatus := "ok"
	httpStatus := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			dbStatus = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	status := "ok"
	if httpStatus != http.StatusOK {
		status = "degraded"
	}

	c.JSON(httpStatus, gin.H{
		"status":          status,
		"active_sessions": s.registry.Count(),
		"db":              dbStatus,
		"version":         Version,
		"uptime_s":        int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "ready"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": statuses})
}

// -----------------------------------------------------------------------------
// Run / Shutdown
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.WebPort,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.WebPort)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the credit ticker
	go s.ticker.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (ticker)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the credit ticker
	s.ticker.Stop()
	s.logger.Info("credit ticker stopped")

	// Terminate live sessions so no control master outlives the server
	s.manager.Shutdown(ctx)
	s.logger.Info("live sessions terminated")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// appendDSNParams adds connect_timeout and statement_timeout to a PostgreSQL DSN.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	// Key-value format
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipWriter) WriteString(str string) (int, error) {
	return w.writer.Write([]byte(str))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
