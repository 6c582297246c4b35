package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-reservation/internal/booking"
	"github.com/hackgods/clinic-slot-reservation/internal/config"
	"github.com/hackgods/clinic-slot-reservation/internal/db"
	redisclient "github.com/hackgods/clinic-slot-reservation/internal/redis"
	"github.com/hackgods/clinic-slot-reservation/internal/seed"
	"github.com/hackgods/clinic-slot-reservation/internal/telemetry"
)

// App holds the wired dependencies shared by every binary.
type App struct {
	Config   config.Config
	Logger   zerolog.Logger
	Store    booking.Store
	Pool     *pgxpool.Pool // nil on the memory store
	Redis    *redis.Client // nil when REDIS_ADDR is unset
	Registry *prometheus.Registry
	Service  *booking.Service
	Reaper   *booking.Reaper
}

// New connects the configured store and Redis and builds the booking
// service and reaper on top of them.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	switch cfg.StoreDriver {
	case config.StoreMemory:
		mem := booking.NewMemoryStore()
		if cfg.DemoSeed {
			st, err := seed.Load(ctx, seed.MemorySink(mem), seed.Generate(seed.Options{}))
			if err != nil {
				return nil, fmt.Errorf("seed memory store: %w", err)
			}
			logger.Info().
				Int("doctors", st.Doctors).
				Int("schedule_days", st.DaysCreated).
				Msg("memory store seeded with demo data")
		}
		a.Store = mem
		logger.Warn().Msg("using in-memory store, data is lost on restart")
	default:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pool, err := db.ConnectPostgres(connectCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: cfg.PostgresMaxConn}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.Pool = pool
		a.Store = booking.NewPgStore(pool)
	}

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rdb
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, reaper shards run without locks")
	}

	a.Service = booking.NewService(a.Store, cfg, logger, telemetry.NewBookingMetrics(a.Registry))
	a.Reaper = booking.NewReaper(a.Service, locker)
	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
