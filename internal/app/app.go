// Package app wires configuration into a ready reservation service. The API
// server and the expiry worker share it so both run against the same store
// and the same locks.
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

	"github.com/hackgods/clinic-reservation/internal/appointment"
	"github.com/hackgods/clinic-reservation/internal/config"
	"github.com/hackgods/clinic-reservation/internal/db"
	"github.com/hackgods/clinic-reservation/internal/directory"
	"github.com/hackgods/clinic-reservation/internal/lock"
	redisclient "github.com/hackgods/clinic-reservation/internal/redis"
)

const pgMaxConns = 20

type Runtime struct {
	Service  *appointment.Service
	Pool     *pgxpool.Pool // nil on the memory store
	Redis    *redis.Client // nil with the local locker
	Registry *prometheus.Registry
}

// Build connects to the configured backends. Callers must Close the runtime.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{Registry: prometheus.NewRegistry()}
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		store appointment.Store
		dir   directory.Directory
	)
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, pgMaxConns)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres connection error: %w", err)
		}
		rt.Pool = pool
		store = appointment.NewPgRepository(pool)
		dir = directory.NewCached(directory.NewPgDirectory(pool), cfg.DirectoryCacheTTL)
		logger.Info().Msg("connected to Postgres")
	case config.StorageMemory:
		static := directory.NewStatic()
		ds := directory.Generate(uint64(time.Now().UnixNano()), 2, 5, 50)
		ds.LoadInto(static)
		store, dir = appointment.NewMemoryStore(), static
		logger.Warn().
			Int("doctors", len(ds.Doctors)).
			Int("patients", len(ds.Patients)).
			Msg("using in-memory store with a generated roster, data is lost on exit")
		for _, d := range ds.Doctors {
			logger.Info().Str("doctor_id", d.ID.String()).Str("name", d.Name).Msg("demo doctor")
		}
	}

	var locker lock.Locker
	switch cfg.LockDriver {
	case config.LockRedis:
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection error: %w", err)
		}
		rt.Redis = rdb
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, cfg.LockWait)
		logger.Info().Msg("connected to Redis")
	case config.LockLocal:
		locker = lock.NewLocalLocker(cfg.LockWait)
		logger.Warn().Msg("using process-local locks, run a single instance only")
	}

	svc, err := appointment.NewService(store, dir, locker, cfg,
		appointment.WithLogger(logger),
		appointment.WithMetrics(appointment.NewMetrics(rt.Registry)),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
