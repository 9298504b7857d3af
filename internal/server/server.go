// Package server wires the HTTP API, background jobs and storage together.
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/prooflab/prooflab/internal/auth"
	"github.com/prooflab/prooflab/internal/bonustask"
	"github.com/prooflab/prooflab/internal/campaign"
	"github.com/prooflab/prooflab/internal/circuitbreaker"
	"github.com/prooflab/prooflab/internal/commission"
	"github.com/prooflab/prooflab/internal/config"
	"github.com/prooflab/prooflab/internal/dispute"
	"github.com/prooflab/prooflab/internal/health"
	"github.com/prooflab/prooflab/internal/httperr"
	"github.com/prooflab/prooflab/internal/ledger"
	"github.com/prooflab/prooflab/internal/logging"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/metrics"
	"github.com/prooflab/prooflab/internal/payments"
	"github.com/prooflab/prooflab/internal/ratelimit"
	"github.com/prooflab/prooflab/internal/reconciliation"
	"github.com/prooflab/prooflab/internal/security"
	"github.com/prooflab/prooflab/internal/session"
	"github.com/prooflab/prooflab/internal/store"
	"github.com/prooflab/prooflab/internal/validation"
)

// Version is reported by /health. Overridden by cmd/server at build time.
var Version = "dev"

// Server wraps the HTTP server and its dependencies
type Server struct {
	cfg       *config.Config
	store     store.Store
	db        *sql.DB
	processor payments.Processor
	breaker   *circuitbreaker.Breaker

	ledger     *ledger.Ledger
	campaigns  *campaign.Service
	sessions   *session.Service
	bonusTasks *bonustask.Service
	disputes   *dispute.Service
	reconciler *reconciliation.Runner
	reconTimer *reconciliation.Timer

	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore injects a storage backend instead of opening DATABASE_URL.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithProcessor overrides the payment processor picked from config.
func WithProcessor(p payments.Processor) Option {
	return func(s *Server) { s.processor = p }
}

// WithDrainDelay sets how long shutdown waits for the load balancer to
// notice the instance is no longer ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) { s.drainDelay = d }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     slog.Default(),
		health:     health.NewRegistry(),
		breaker:    circuitbreaker.New(5, 30*time.Second),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		if err := s.openStore(); err != nil {
			return nil, err
		}
	}
	if s.processor == nil {
		if cfg.StripeSecretKey != "" {
			s.processor = payments.NewStripeProcessor(cfg.StripeSecretKey)
		} else {
			s.processor = payments.NewManualProcessor()
		}
	}
	s.processor = payments.Guard(s.processor, s.breaker)
	s.logger.Info("payment processor selected", "processor", s.processor.Name())

	rates := cfg.Rates()
	if err := rates.Validate(); err != nil {
		return nil, fmt.Errorf("commission: %w", err)
	}

	s.ledger = ledger.New(s.store, commission.New(rates),
		ledger.WithCurrency(cfg.Currency),
		ledger.WithPlatformUser(cfg.PlatformUserID),
		ledger.WithLogger(s.logger),
	)
	s.campaigns = campaign.NewService(s.store, s.ledger, s.processor, s.logger).WithCurrency(cfg.Currency)
	s.sessions = session.NewService(s.store, s.ledger, s.logger).WithPolicy(cfg.ReimbursementPolicy)
	s.bonusTasks = bonustask.NewService(s.store, s.ledger, s.logger)
	s.disputes = dispute.NewService(s.store, s.sessions, s.logger)
	s.reconciler = reconciliation.NewRunner(s.store, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(rl)
	}

	s.registerHealthChecks()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) openStore() error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory store")
		s.store = store.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = store.NewPostgresStore(db)
	s.logger.Info("connected to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// maskDSN hides the password in a connection string for logging.
// Keyword/value DSNs are masked whole.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "postgres://***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) registerHealthChecks() {
	s.health.Register("store", true, s.store.Ping)
	s.health.Register("reconciliation", false, func(ctx context.Context) error {
		last := s.reconciler.Last()
		if last == nil || last.Healthy {
			return nil
		}
		return fmt.Errorf("%d wallet(s) out of balance", len(last.Mismatches))
	})
	s.health.Register("payments", false, func(ctx context.Context) error {
		if st := s.breaker.State(s.processor.Name()); st != circuitbreaker.StateClosed {
			return fmt.Errorf("%s circuit %s", s.processor.Name(), st)
		}
		return nil
	})
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		httperr.Write(c, market.Integrity("internal error"))
	}))
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Middleware())
	}
}

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router, Version)
	s.router.GET("/metrics", metrics.Handler())

	campaignHandler := campaign.NewHandler(s.campaigns)
	ledgerHandler := ledger.NewHandler(s.ledger)

	v1 := s.router.Group("/v1", auth.Middleware(), auth.RequireActor())
	campaignHandler.RegisterRoutes(v1)
	session.NewHandler(s.sessions).RegisterRoutes(v1)
	bonustask.NewHandler(s.bonusTasks).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)

	// Payment outcomes are relayed by an operator, so they sit under /v1
	// but require the admin role.
	relay := v1.Group("", auth.RequireRole(market.RoleAdmin))
	campaignHandler.RegisterAdminRoutes(relay)

	admin := v1.Group("/admin", auth.RequireRole(market.RoleAdmin))
	ledgerHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
}

// Run starts background jobs and serves HTTP until ctx is cancelled or a
// termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	defer cancel()

	go s.reconTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Second,
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
	s.health.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errChan:
		s.health.SetReady(false)
		s.stopBackground()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops accepting traffic, drains in-flight requests, stops
// background jobs and closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	if s.drainDelay > 0 {
		s.logger.Info("draining", "delay", s.drainDelay)
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.stopBackground()

	if err := s.store.Close(); err != nil {
		s.logger.Error("failed to close store", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reconTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
