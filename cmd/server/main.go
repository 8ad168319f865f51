package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/atmx/portfolio-engine/internal/api"
	"github.com/atmx/portfolio-engine/internal/config"
	"github.com/atmx/portfolio-engine/internal/exposure"
	"github.com/atmx/portfolio-engine/internal/performance"
	"github.com/atmx/portfolio-engine/internal/portfolio"
	"github.com/atmx/portfolio-engine/internal/refresh"
	"github.com/atmx/portfolio-engine/internal/scheduler"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/warnings"
	"github.com/atmx/portfolio-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New(logger.Config{Level: "info"})
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)
	log.Info().Msg("Starting portfolio-engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var pool *pgxpool.Pool
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Database connection failed")
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema")
		}
		st = pg
		log.Info().Msg("Connected to PostgreSQL")
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid REDIS_URL")
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// Read-through price cache, invalidated after each price ingestion.
	var prices store.PriceSource = st
	var invalidator refresh.CacheInvalidator
	if rdb != nil {
		cached := store.NewCachedPriceSource(st, rdb, cfg.PriceCacheTTL)
		prices, invalidator = cached, cached
		log.Info().Dur("ttl", cfg.PriceCacheTTL).Msg("Redis price cache enabled")
	}

	// --- Refresh lock ---
	var locker store.Locker
	switch cfg.LockBackend {
	case config.LockPostgres:
		locker = store.NewPGAdvisoryLocker(pool)
	case config.LockRedis:
		// The lease outlives the slowest allowed refresh.
		locker = store.NewRedisLocker(rdb, cfg.RefreshTimeout+time.Minute)
	default:
		locker = store.NewMemoryLocker()
	}
	log.Info().Str("backend", cfg.LockBackend).Msg("Refresh lock configured")

	// --- Engines and services ---
	tracker := warnings.NewTracker(st, log)
	exposureEngine := exposure.NewEngine(st, st, exposure.WithMaterialityPct(cfg.UnclassifiedMaterialityPct))

	portfolioSvc := portfolio.NewService(portfolio.Deps{
		Transactions: st,
		Prices:       prices,
		Instruments:  st,
		Daily:        st,
		Performance:  performance.NewEngine(),
		Exposure:     exposureEngine,
		Tracker:      tracker,
	}, log)

	// --- WebSocket hub ---
	hub := api.NewEventHub(log)
	go hub.Run(ctx)

	// --- Refresh orchestration ---
	ingestor := refresh.NewIngestor(refresh.NoopProvider{}, st, invalidator, log)
	coord := refresh.NewCoordinator(locker, ingestor, portfolioSvc, log)
	refreshSvc := refresh.NewService(coord, st, log,
		refresh.WithEvents(hub),
		refresh.WithTimeout(cfg.RefreshTimeout),
	)

	// --- Scheduler ---
	sched := scheduler.New(log)
	if cfg.RefreshSchedule != "" {
		job := scheduler.NewRefreshJob(ctx, refreshSvc, cfg.RefreshLookbackDays, log)
		if err := sched.AddJob(cfg.RefreshSchedule, job); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.RefreshSchedule).Msg("Failed to register refresh job")
		}
	}
	sched.Start()

	// --- HTTP server ---
	handler := api.NewHandler(portfolioSvc, refreshSvc, cfg.RefreshLookbackDays, log)
	srv := api.NewServer(api.ServerConfig{
		Port:           cfg.Port,
		Log:            log,
		Handler:        handler,
		Hub:            hub,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	shutdown(log, srv, sched)
}

func shutdown(log zerolog.Logger, srv *api.Server, sched *scheduler.Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	sched.Stop()
	log.Info().Msg("portfolio-engine stopped")
}
