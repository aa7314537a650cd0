// Package server assembles the HTTP API: storage selection, service
// wiring, middleware, routes, and lifecycle.
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
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/admin"
	"github.com/tobenna/marketledger/internal/agreements"
	"github.com/tobenna/marketledger/internal/audit"
	"github.com/tobenna/marketledger/internal/auth"
	"github.com/tobenna/marketledger/internal/commission"
	"github.com/tobenna/marketledger/internal/config"
	"github.com/tobenna/marketledger/internal/disputes"
	"github.com/tobenna/marketledger/internal/health"
	"github.com/tobenna/marketledger/internal/logging"
	"github.com/tobenna/marketledger/internal/metrics"
	"github.com/tobenna/marketledger/internal/notify"
	"github.com/tobenna/marketledger/internal/orders"
	"github.com/tobenna/marketledger/internal/payments"
	"github.com/tobenna/marketledger/internal/pending"
	"github.com/tobenna/marketledger/internal/ratelimit"
	"github.com/tobenna/marketledger/internal/realtime"
	"github.com/tobenna/marketledger/internal/security"
	"github.com/tobenna/marketledger/internal/validation"
	"github.com/tobenna/marketledger/internal/wallet"
)

// Server wraps the HTTP server and its wired services.
type Server struct {
	cfg *config.Config

	walletService    *wallet.Service
	orderService     *orders.Service
	paymentService   *payments.Service
	agreementService *agreements.Service
	disputeService   *disputes.Service
	queue            *payments.Queue
	hub              *realtime.Hub
	verifier         *auth.Verifier
	rates            *commission.Resolver
	trail            *audit.Trail
	checks           *health.Registry
	rateLimiter      *ratelimit.Limiter

	db           *sql.DB       // nil when running on in-memory stores
	redis        *redis.Client // nil when pending intents are in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server with storage chosen by configuration: Postgres
// and Redis when DATABASE_URL / REDIS_URL are set, in-memory otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		walletStore    wallet.Store
		orderStore     orders.Store
		agreementStore agreements.Store
		disputeStore   disputes.Store
		rateStore      commission.Store
		auditStore     audit.Store
		failedStore    payments.FailedStore
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ws := wallet.NewPostgresStore(db)
		if err := ws.Migrate(ctx); err != nil {
			s.logger.Warn("wallet store migration failed", "error", err)
		}
		walletStore = ws

		ords := orders.NewPostgresStore(db)
		if err := ords.Migrate(ctx); err != nil {
			s.logger.Warn("order store migration failed", "error", err)
		}
		orderStore = ords

		as := agreements.NewPostgresStore(db)
		if err := as.Migrate(ctx); err != nil {
			s.logger.Warn("agreement store migration failed", "error", err)
		}
		agreementStore = as

		ds := disputes.NewPostgresStore(db)
		if err := ds.Migrate(ctx); err != nil {
			s.logger.Warn("dispute store migration failed", "error", err)
		}
		disputeStore = ds

		cs := commission.NewPostgresStore(db)
		if err := cs.Migrate(ctx); err != nil {
			s.logger.Warn("commission store migration failed", "error", err)
		}
		rateStore = cs

		aus := audit.NewPostgresStore(db)
		if err := aus.Migrate(ctx); err != nil {
			s.logger.Warn("audit store migration failed", "error", err)
		}
		auditStore = aus

		fs := payments.NewPostgresFailedStore(db)
		if err := fs.Migrate(ctx); err != nil {
			s.logger.Warn("failed-jobs store migration failed", "error", err)
		}
		failedStore = fs

		s.checks.Register("database", db.PingContext)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		walletStore = wallet.NewMemoryStore()
		orderStore = orders.NewMemoryStore()
		agreementStore = agreements.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		rateStore = commission.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		failedStore = payments.NewMemoryFailedStore()
	}

	var intents pending.Store
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.redis = client
		intents = pending.NewRedisStore(client)
		s.logger.Info("pending intents in Redis")

		s.checks.Register("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	} else {
		intents = pending.NewMemoryStore()
		s.logger.Info("pending intents in memory")
	}

	s.trail = audit.NewTrail(auditStore)
	s.rates = commission.NewResolver(rateStore, map[string]decimal.Decimal{
		commission.KindDelivery:  cfg.DeliveryCommissionRate,
		commission.KindFood:      cfg.FoodCommissionRate,
		commission.KindLaundry:   cfg.LaundryCommissionRate,
		commission.KindProduct:   cfg.ProductCommissionRate,
		commission.KindAgreement: decimal.NewFromInt(1).Sub(cfg.AgreementCommissionRate),
	})

	gateway := notify.NewBreakerGateway(&notify.LogGateway{Logger: s.logger}, 5, 30*time.Second)
	notifier := notify.New(gateway, s.logger)

	s.walletService = wallet.NewService(walletStore, wallet.Limits{
		MaxWalletBalance: cfg.MaxWalletBalance,
		MinTopUp:         cfg.MinTopUp,
	}).WithAudit(s.trail)

	s.orderService = orders.NewService(orderStore, walletStore, s.rates).
		WithNotifier(notifier).
		WithAudit(s.trail)

	s.hub = realtime.NewHub(s.logger)

	s.agreementService = agreements.NewService(agreementStore, walletStore, s.rates).
		WithNotifier(notifier).
		WithAudit(s.trail)

	s.disputeService = disputes.NewService(disputeStore, s.orderService, s.agreementService).
		WithBroadcaster(s.hub).
		WithNotifier(notifier).
		WithAudit(s.trail)
	s.agreementService.WithDisputes(s.disputeService)

	s.paymentService = payments.NewService(intents, s.walletService, payments.Fees{
		BaseDeliveryFee:  cfg.BaseDeliveryFee,
		DeliveryFeePerKm: cfg.DeliveryFeePerKm,
	}, cfg.GatewayPublicKey, cfg.Currency)

	materializer := payments.NewIntentMaterializer(intents, s.orderService, walletStore, s.walletService)
	s.queue = payments.NewQueue(materializer, failedStore, s.logger,
		payments.WithWorkers(int(cfg.WebhookWorkers)))

	s.verifier = auth.NewVerifier(cfg.JWTSecret)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(failedStore)

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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
		logger := logging.L(c.Request.Context())

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

func (s *Server) setupRoutes(failedStore payments.FailedStore) {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api/v1")

	paymentHandler := payments.NewHandler(s.paymentService, s.paymentProcessor(), failedStore, s.logger)
	walletHandler := wallet.NewHandler(s.walletService, s.logger)
	orderHandler := orders.NewHandler(s.orderService, s.logger)
	agreementHandler := agreements.NewHandler(s.agreementService, s.logger)
	disputeHandler := disputes.NewHandler(s.disputeService, s.hub, s.logger)
	adminHandler := admin.NewHandler(s.rates).
		WithAudit(s.trail).
		WithStats(s.hub)

	// The gateway callback authenticates with its own signature header.
	paymentHandler.RegisterWebhookRoutes(api)

	// Development-only token mint so the API is exercisable without the
	// identity provider.
	if s.cfg.IsDevelopment() {
		api.POST("/dev/login", s.devLoginHandler)
	}

	authed := api.Group("")
	authed.Use(s.verifier.Middleware())
	{
		paymentHandler.RegisterRoutes(authed)
		walletHandler.RegisterRoutes(authed)
		orderHandler.RegisterRoutes(authed)
		agreementHandler.RegisterRoutes(authed)
		disputeHandler.RegisterRoutes(authed)
	}

	adminGroup := api.Group("")
	adminGroup.Use(s.verifier.Middleware(), auth.RequireAdmin())
	{
		walletHandler.RegisterAdminRoutes(adminGroup)
		paymentHandler.RegisterAdminRoutes(adminGroup)
		disputeHandler.RegisterAdminRoutes(adminGroup)
		adminHandler.RegisterRoutes(adminGroup)
	}
}

func (s *Server) paymentProcessor() *payments.Processor {
	return payments.NewProcessor(s.cfg.GatewaySecretHash, s.walletService.Store(), s.queue, s.logger)
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

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": statuses})
}

// devLoginHandler mints a short-lived token for local development.
func (s *Server) devLoginHandler(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "user_id is required"})
		return
	}
	role := auth.RoleUser
	if req.Role == auth.RoleAdmin {
		role = auth.RoleAdmin
	}
	token, err := s.verifier.Sign(req.UserID, role, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "role": role})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal or a fatal server error.
func (s *Server) Run(ctx context.Context) error {
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

	go s.hub.Run(runCtx)
	s.queue.Start(runCtx)

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

// Shutdown gracefully stops the server. The queue drains before the
// stores close so in-flight materializations finish against live
// storage.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.queue.Stop()
	s.logger.Info("materialization queue drained")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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

// Router returns the gin router for testing.
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
