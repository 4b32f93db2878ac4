// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects the store, the scoring
// engine, the services and the handlers, and decides which middleware runs
// on which routes.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config
//	  → sqlite.DB (contributions + accounts)
//	  → score.Model → ranking.Engine
//	  → quota.Gate, identify.Client
//	  → ContributionService, LedgerService, LeaderboardService, RedemptionService
//	  → handlers → routes
//
// This is the "composition root" pattern: all dependencies are wired in one
// place (New), rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/carbon-ledger/internal/auth"
	"github.com/sakif/carbon-ledger/internal/clock"
	"github.com/sakif/carbon-ledger/internal/config"
	"github.com/sakif/carbon-ledger/internal/handler"
	"github.com/sakif/carbon-ledger/internal/identify"
	"github.com/sakif/carbon-ledger/internal/metrics"
	"github.com/sakif/carbon-ledger/internal/middleware"
	"github.com/sakif/carbon-ledger/internal/quota"
	"github.com/sakif/carbon-ledger/internal/ranking"
	sqliteRepo "github.com/sakif/carbon-ledger/internal/repository/sqlite"
	"github.com/sakif/carbon-ledger/internal/score"
	"github.com/sakif/carbon-ledger/internal/service"
)

// rateLimitIdle is how long a per-user limiter may sit unused before the
// sweeper drops it.
const rateLimitIdle = 10 * time.Minute

// Options carries the collaborators a test may want to replace. The zero
// value is the production setup.
type Options struct {
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Identifier overrides the HTTP identification client built from
	// cfg.Identify.
	Identifier identify.Identifier
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection. Start closes it during graceful
// shutdown; callers that never Start must call Close.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	metrics *metrics.Metrics
	limiter *middleware.RateLimiter // nil when rate limiting is off
}

// New builds the full dependency graph from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	m := metrics.New()

	// === CREATE DATABASE ===
	db, err := sqliteRepo.New(sqliteRepo.Config{
		Path:        cfg.Database.Path,
		Clock:       opts.Clock,
		MaxAgeYears: cfg.Contribution.MaxAgeYears,
		Retry: sqliteRepo.RetryPolicy{
			MaxAttempts: cfg.Database.Retry.MaxAttempts,
			MinBackoff:  cfg.Database.Retry.MinBackoff,
			MaxBackoff:  cfg.Database.Retry.MaxBackoff,
			JitterFrac:  cfg.Database.Retry.JitterFrac,
		},
		OnRetry: m.StoreRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		db:      db,
		metrics: m,
	}

	if err := s.setupRoutes(opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// setupRoutes wires the services and mounts every route.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                                  liveness + DB ping
//	GET    /metrics                                  Prometheus scrape
//	GET    /api/leaderboard                          public
//	GET    /api/me, PUT /api/me                      account
//	GET    /api/me/summary                           rank, progress, badges
//	GET    /api/quota                                today's allowance
//	GET    /api/contributions, POST                  list mine, create
//	GET    /api/contributions/{id}, DELETE
//	POST   /api/contributions/{id}/growth
//	DELETE /api/contributions/{id}/growth/{growthID}
//	GET    /api/credits/history
//	POST   /api/credits/convert
//	GET    /api/rewards
//	POST   /api/rewards/{rewardID}/redeem
//	POST   /internal/credits/increment               X-Service-Key
//	POST   /internal/credits/debit                   X-Service-Key
//	POST   /internal/contributions/{id}/growth       X-Service-Key
//
// MIDDLEWARE ORDER MATTERS:
// RequestID runs first so the logger can print it. The logger wraps
// Recoverer so a recovered panic is still logged as a 500.
func (s *Server) setupRoutes(opts Options) error {
	cfg := s.config

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	scoring, err := score.New(cfg.Scoring)
	if err != nil {
		return fmt.Errorf("building score model: %w", err)
	}
	engine := ranking.NewEngine(scoring, ranking.Options{
		CreditThreshold: cfg.Credits.ThresholdCO2,
		TopN:            cfg.Leaderboard.Size,
	})
	gate := quota.NewGate(cfg.Quota.DailyLimit, cfg.Quota.ExemptUsers)

	identifier := opts.Identifier
	if identifier == nil && cfg.Identify.Endpoint != "" {
		identifier = identify.New(identify.Config{
			Endpoint: cfg.Identify.Endpoint,
			APIKey:   cfg.Identify.APIKey,
			Timeout:  cfg.Identify.Timeout,
			MinScore: cfg.Identify.MinScore,
		}, nil)
	}

	// === SERVICES ===
	contributionService := service.NewContributionService(s.db, gate, identifier, opts.Clock, service.ContributionSettings{
		GrowthBonusCO2:    cfg.Contribution.GrowthBonusCO2,
		MaxAgeYears:       cfg.Contribution.MaxAgeYears,
		DefaultCO2PerYear: cfg.Contribution.DefaultCO2PerYear,
		DefaultTrust:      cfg.Contribution.DefaultTrust,
		SpeciesCO2:        cfg.Contribution.SpeciesCO2,
		AgeRanges:         cfg.Contribution.AgeRanges,
	}, s.metrics, s.logger)
	ledgerService := service.NewLedgerService(s.db, engine, s.metrics, s.logger)
	leaderboardService := service.NewLeaderboardService(s.db, s.db, engine, cfg.Leaderboard.Concurrency, s.logger)
	redemptionService, err := service.NewRedemptionService(s.db, cfg.Rewards, s.metrics, s.logger)
	if err != nil {
		return fmt.Errorf("creating redemption service: %w", err)
	}

	// === HANDLERS ===
	contributionHandler := handler.NewContributionHandler(contributionService, s.logger)
	accountHandler := handler.NewAccountHandler(ledgerService, s.logger)
	creditHandler := handler.NewCreditHandler(ledgerService, s.logger)
	leaderboardHandler := handler.NewLeaderboardHandler(leaderboardService, s.logger)
	rewardHandler := handler.NewRewardHandler(redemptionService, s.logger)

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(s.metrics.InstrumentHandler)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, s.logger)
	}
	rateLimit := func(next http.Handler) http.Handler {
		if s.limiter == nil {
			return next
		}
		return s.limiter.Handler(next)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.OptionalAuth(tokens))
			r.Use(rateLimit)
			r.Get("/leaderboard", leaderboardHandler.HandleLeaderboard)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens))
			r.Use(rateLimit)

			r.Get("/me", accountHandler.HandleGetMe)
			r.Put("/me", accountHandler.HandlePutMe)
			r.Get("/me/summary", leaderboardHandler.HandleSummary)
			r.Get("/quota", contributionHandler.HandleQuota)

			r.Get("/contributions", contributionHandler.HandleList)
			r.Post("/contributions", contributionHandler.HandleCreate)
			r.Get("/contributions/{id}", contributionHandler.HandleGet)
			r.Delete("/contributions/{id}", contributionHandler.HandleDelete)
			r.Post("/contributions/{id}/growth", contributionHandler.HandleAppendGrowth)
			r.Delete("/contributions/{id}/growth/{growthID}", contributionHandler.HandleRemoveGrowth)

			r.Get("/credits/history", accountHandler.HandleHistory)
			r.Post("/credits/convert", accountHandler.HandleConvert)

			r.Get("/rewards", rewardHandler.HandleCatalog)
			r.Post("/rewards/{rewardID}/redeem", rewardHandler.HandleRedeem)
		})
	})

	if cfg.Auth.ServiceKey == "" {
		s.logger.Warn("service key not set, /internal routes are disabled")
		return nil
	}
	s.router.Route("/internal", func(r chi.Router) {
		r.Use(auth.RequireServiceKey(cfg.Auth.ServiceKey))
		r.Post("/credits/increment", creditHandler.HandleIncrement)
		r.Post("/credits/debit", creditHandler.HandleDebit)
		r.Post("/contributions/{id}/growth", contributionHandler.HandleSystemAppendGrowth)
	})
	return nil
}

// handleHealth reports 200 when the database answers a ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"unavailable"}`)
		return
	}
	fmt.Fprint(w, `{"status":"ok"}`)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database.
func (s *Server) Close() error {
	return s.db.Close()
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests (up to server.shutdown_timeout)
//  3. Close the database connection (flushes WAL, releases file lock)
func (s *Server) Start() error {
	defer s.db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.limiter != nil {
		s.limiter.StartCleanup(ctx, time.Minute, rateLimitIdle)
	}

	sc := s.config.Server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", sc.Port),
		Handler:      s.router,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", sc.Port),
			slog.String("database", s.config.Database.Path),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
