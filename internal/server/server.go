// Package server sets up the HTTP server with all routes
package server

import (
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/sagapay/internal/admin"
	"github.com/mbd888/sagapay/internal/circuitbreaker"
	"github.com/mbd888/sagapay/internal/config"
	"github.com/mbd888/sagapay/internal/credits"
	"github.com/mbd888/sagapay/internal/health"
	"github.com/mbd888/sagapay/internal/kyc"
	"github.com/mbd888/sagapay/internal/logging"
	"github.com/mbd888/sagapay/internal/metrics"
	"github.com/mbd888/sagapay/internal/payment"
	"github.com/mbd888/sagapay/internal/payments"
	"github.com/mbd888/sagapay/internal/provider"
	"github.com/mbd888/sagapay/internal/ratelimit"
	"github.com/mbd888/sagapay/internal/reconciliation"
	"github.com/mbd888/sagapay/internal/risk"
	"github.com/mbd888/sagapay/internal/saga"
	"github.com/mbd888/sagapay/internal/security"
	"github.com/mbd888/sagapay/internal/validation"
	"github.com/mbd888/sagapay/internal/webhook"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	sagaStore    saga.Store
	orchestrator *saga.Orchestrator
	sweepTimer   *saga.Timer
	reconciler   *reconciliation.Service
	reconTimer   *reconciliation.Timer
	validator    *risk.Validator
	riskStore    risk.Store
	kycSvc       kyc.Service
	ledger       *credits.Ledger
	providers    *provider.Router
	payments     *payments.Service
	ingestor     *webhook.Ingestor
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithProviders sets a custom provider router (for testing)
func WithProviders(r *provider.Router) Option {
	return func(s *Server) {
		s.providers = r
	}
}

// WithKYC sets a custom KYC collaborator (for testing)
func WithKYC(svc kyc.Service) Option {
	return func(s *Server) {
		s.kycSvc = svc
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var creditStore credits.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.sagaStore = saga.NewPostgresStore(db)
		s.riskStore = risk.NewPostgresStore(db)
		creditStore = credits.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.sagaStore = saga.NewMemoryStore()
		s.riskStore = risk.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = credits.New(creditStore).WithLogger(s.logger)

	if s.kycSvc == nil {
		s.kycSvc = kyc.NewMemoryService()
	}
	s.validator = risk.NewValidator(s.riskStore, s.kycSvc, risk.Limits{
		MinAmount:       cfg.MinAmount,
		MaxAmount:       cfg.MaxAmount,
		DailySpendLimit: cfg.DailySpendLimit,
		KYCThreshold:    cfg.KYCThreshold,
		KYCHardLimit:    cfg.KYCHardLimit,
	}).WithLogger(s.logger)

	if s.providers == nil {
		s.providers = buildProviders(cfg, s.logger)
	}

	executor := saga.DefaultExecutor(s.ledger, s.providers).WithLogger(s.logger)
	s.orchestrator = saga.NewOrchestrator(s.sagaStore, executor).
		WithLogger(s.logger).
		WithMaxRetries(cfg.StepMaxRetries).
		WithTTL(cfg.SagaTTL)
	s.sweepTimer = saga.NewTimer(s.orchestrator, cfg.SweepInterval, s.logger)

	s.reconciler = reconciliation.NewService(s.sagaStore, s.ledger).WithLogger(s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.payments = payments.NewService(s.validator, s.orchestrator, s.providers, s.ledger).
		WithLogger(s.logger).
		WithStepTimeout(cfg.StepTimeout)

	var eventStore webhook.EventStore
	if s.db != nil {
		eventStore = webhook.NewPostgresEventStore(s.db)
	}
	s.ingestor = buildIngestor(cfg, s.payments, s.providers, eventStore, s.logger)

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildProviders registers one client per configured payment method,
// each behind a shared circuit breaker.
func buildProviders(cfg *config.Config, logger *slog.Logger) *provider.Router {
	router := provider.NewRouter()
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("provider circuit transition",
			"provider", key, "from", from.String(), "to", to.String())
	})

	if cfg.StripeAPIKey != "" {
		client := provider.NewStripeClient(cfg.StripeAPIKey)
		router.Register(payment.MethodCreditCard, provider.WithBreaker(client, breaker))
		logger.Info("stripe provider enabled")
	}
	if cfg.PayPalClientID != "" {
		client := provider.NewPayPalClient(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret).
			WithWebhookID(cfg.PayPalWebhookID)
		router.Register(payment.MethodPayPal, provider.WithBreaker(client, breaker))
		logger.Info("paypal provider enabled")
	}
	if cfg.Web3TreasuryAddr != "" {
		client, err := provider.NewWeb3Client(cfg.Web3TreasuryAddr)
		if err != nil {
			logger.Warn("web3 provider disabled", "error", err)
		} else {
			router.Register(payment.MethodUSDC, provider.WithBreaker(client, breaker))
			logger.Info("web3 provider enabled", "treasury", cfg.Web3TreasuryAddr)
		}
	}
	return router
}

// buildIngestor wires signature verifiers for each configured provider.
func buildIngestor(cfg *config.Config, sink webhook.Sink, providers *provider.Router, eventStore webhook.EventStore, logger *slog.Logger) *webhook.Ingestor {
	dedup := webhook.NewDedupCache(cfg.DedupRetention)
	ingestor := webhook.NewIngestor(dedup, sink).WithLogger(logger)
	if eventStore != nil {
		ingestor.WithStore(eventStore)
	}

	if cfg.StripeWebhookSecret != "" {
		verifier := webhook.NewStripeVerifier(cfg.StripeWebhookSecret).
			WithReplayWindow(cfg.ReplayWindow)
		ingestor.RegisterVerifier("stripe", verifier)
	}
	if cfg.PayPalWebhookID != "" {
		if client, err := providers.ByName("paypal"); err == nil {
			if certs, ok := client.(webhook.CertVerifier); ok {
				ingestor.RegisterVerifier("paypal", webhook.NewPayPalVerifier(certs))
			}
		}
	}
	return ingestor
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

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
			"requestId", logging.RequestID(c.Request.Context()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

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

		logger := s.logger.With(
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"requestId", logging.RequestID(c.Request.Context()),
		)

		switch {
		case status >= 500:
			logger.Error("request completed", "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed")
		default:
			logger.Info("request completed")
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	payments.NewHandler(s.payments).RegisterRoutes(v1)
	saga.NewHandler(s.orchestrator).RegisterRoutes(v1)
	webhook.NewHandler(s.ingestor).RegisterRoutes(v1)
	credits.NewHandler(s.ledger).RegisterRoutes(v1)
	risk.NewHandler(s.riskStore).RegisterRoutes(v1)
	admin.NewHandler().
		WithSagaService(&sagaAdmin{store: s.sagaStore}).
		WithRecoverer(s.orchestrator).
		WithReconciler(s.reconciler).
		RegisterRoutes(v1)
}

// sagaAdmin exposes failed sagas to the admin handler without giving it
// the full store surface.
type sagaAdmin struct {
	store saga.Store
}

func (a *sagaAdmin) ListStuckSagas(ctx context.Context, limit int) ([]admin.StuckSaga, error) {
	failed, err := a.store.ListByStatus(ctx, saga.StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	stuck := make([]admin.StuckSaga, 0, len(failed))
	for _, sg := range failed {
		stuck = append(stuck, admin.StuckSaga{
			ID:        sg.ID,
			PaymentID: sg.PaymentID,
			UserID:    sg.UserID,
			Amount:    sg.Amount,
			Currency:  sg.Currency,
			Status:    string(sg.Status),
			Reason:    sg.Reason,
			UpdatedAt: sg.UpdatedAt,
		})
	}
	return stuck, nil
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the saga recovery sweep and the reconciliation loop
	go s.sweepTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.logger.Info("saga sweep timer stopped")
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
