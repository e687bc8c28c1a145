// Package server wires the stores, services, and HTTP surface together and
// owns the process lifecycle.
package server

import (
	"context"
	"database/sql"
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
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/bankaccount"
	"github.com/safehold/safehold/internal/circuitbreaker"
	"github.com/safehold/safehold/internal/config"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/health"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/logging"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/migrate"
	"github.com/safehold/safehold/internal/notify"
	"github.com/safehold/safehold/internal/payments"
	"github.com/safehold/safehold/internal/paystack"
	"github.com/safehold/safehold/internal/ratelimit"
	"github.com/safehold/safehold/internal/realtime"
	"github.com/safehold/safehold/internal/reconciliation"
	"github.com/safehold/safehold/internal/security"
	"github.com/safehold/safehold/internal/traces"
	"github.com/safehold/safehold/internal/validation"
)

// Server is the SafeHold API server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil unless REDIS_ADDR is set
	amqp  *notify.AMQPSink

	verifier       *auth.Verifier
	gateway        payments.Gateway
	resolver       bankaccount.Resolver
	ledger         *ledger.Ledger
	bankAccounts   *bankaccount.Service
	escrow         *escrow.Service
	payments       *payments.Service
	notifications  notify.Store
	dispatcher     *notify.Dispatcher
	hub            *realtime.Hub
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	stopTracing     func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTimeout time.Duration
	drainDelay      time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported on exported traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithGateway replaces the Paystack client used for wallet funding and
// account-name resolution (for testing).
func WithGateway(g payments.Gateway, r bankaccount.Resolver) Option {
	return func(s *Server) {
		s.gateway = g
		s.resolver = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:             cfg,
		logger:          logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownTimeout: 30 * time.Second,
		drainDelay:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: s.version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	s.health = health.NewRegistry()
	s.verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	var (
		runner       dbtx.Runner
		ledgerStore  ledger.Store
		escrowStore  escrow.Store
		accountStore bankaccount.Store
	)
	if cfg.UsesPostgres() {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrate.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		runner = dbtx.NewSQLRunner(db, cfg.LockTimeout)
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		accountStore = bankaccount.NewPostgresStore(db)
		s.notifications = notify.NewPostgresStore(db)
		s.health.Register("database", health.PingCheck("database", db.PingContext))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		runner = dbtx.NewMemoryRunner(cfg.LockTimeout)
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		accountStore = bankaccount.NewMemoryStore()
		s.notifications = notify.NewMemoryStore()
	}

	var cache payments.SettledCache = payments.NewMemoryCache(payments.DefaultSettledTTL)
	if cfg.RedisAddr != "" {
		rdb, err := payments.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			// The cache is only a hint; the ledger's unique reference still
			// guarantees exactly-once crediting.
			s.logger.Warn("redis unavailable, using in-process settled cache", "error", err)
		} else {
			s.redis = rdb
			cache = payments.NewRedisCache(rdb, payments.DefaultSettledTTL)
			s.health.Register("redis", health.PingCheck("redis", func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}))
			s.logger.Info("settled-reference cache on redis", "addr", cfg.RedisAddr)
		}
	}

	if s.gateway == nil {
		client := paystack.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey).
			WithBreaker(circuitbreaker.New(5, 30*time.Second)).
			WithLogger(s.logger)
		s.gateway = client
		s.resolver = client
		if cfg.PaystackSecretKey == "" {
			s.logger.Warn("PAYSTACK_SECRET_KEY not set, wallet funding will fail")
		}
	}

	s.hub = realtime.NewHub(s.logger, cfg.CORSOrigins...)

	s.dispatcher = notify.NewDispatcher(s.logger,
		notify.NewStoreSink(s.notifications),
		notify.NewLogSink(s.logger),
		realtime.NewSink(s.hub),
	)
	if cfg.AMQPURL != "" {
		sink, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, s.logger)
		if err != nil {
			s.logger.Warn("amqp unavailable, notifications will not be published", "error", err)
		} else {
			s.amqp = sink
			s.dispatcher.AddSink(sink)
			s.logger.Info("publishing notifications to amqp", "exchange", cfg.AMQPExchange)
		}
	}

	s.bankAccounts = bankaccount.NewService(accountStore, runner).
		WithResolver(s.resolver).
		WithLogger(s.logger)

	s.ledger = ledger.New(ledgerStore, runner).
		WithCurrency(cfg.Currency).
		WithWithdrawalFee(cfg.WithdrawalFee).
		WithAccountChecker(s.bankAccounts).
		WithObserver(s.hub.LedgerObserver()).
		WithLogger(s.logger)

	s.escrow = escrow.NewService(escrowStore, s.ledger, runner).
		WithFeeRate(cfg.PlatformFeeRate).
		WithMaxAttempts(cfg.ContentionMaxAttempts).
		WithNotifier(s.dispatcher).
		WithLogger(s.logger)

	s.payments = payments.NewService(s.gateway, s.ledger, cfg.PaystackSecretKey).
		WithCallbackURL(cfg.PaymentCallbackURL).
		WithCache(cache).
		WithCurrency(cfg.Currency).
		WithLogger(s.logger)

	s.reconciler = reconciliation.NewRunner(s.ledger, escrowStore, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(logging.Middleware(s.logger))

	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())

	// Identity is resolved for every request so rate limiting can key on it;
	// route groups decide whether it is required.
	s.router.Use(auth.Middleware(s.verifier))

	cfg := ratelimit.DefaultConfig()
	cfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(cfg)
	s.router.Use(s.rateLimiter.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.Register("server", func(context.Context) health.Status {
		if !s.ready.Load() {
			return health.Status{Name: "server", Healthy: false, Detail: "not ready"}
		}
		return health.Status{Name: "server", Healthy: true}
	})
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", s.hub.Handle)

	v1 := s.router.Group("/v1")

	paymentsHandler := payments.NewHandler(s.payments, s.logger)
	paymentsHandler.RegisterPublicRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	ledger.NewHandler(s.ledger, s.logger).RegisterProtectedRoutes(protected)
	paymentsHandler.RegisterProtectedRoutes(protected)
	bankaccount.NewHandler(s.bankAccounts, s.logger).RegisterProtectedRoutes(protected)
	escrowHandler := escrow.NewHandler(s.escrow, s.logger)
	escrowHandler.RegisterProtectedRoutes(protected)
	notify.NewHandler(s.notifications, s.logger).RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	escrowHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background work, then blocks until a
// signal, ctx cancellation, or a listener error.
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
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to see the failing readiness probe.
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	// Stops the hub and the reconciliation timer.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()

	// In-flight notifications go out before their sinks close.
	s.dispatcher.Wait()
	if s.amqp != nil {
		if err := s.amqp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp close: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if err := s.stopTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown error", "error", err)
	}
	s.logger.Info("server stopped")
	return err
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Verifier returns the token verifier, so operators and tests can mint
// tokens with the server's secret.
func (s *Server) Verifier() *auth.Verifier {
	return s.verifier
}
