package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/shipyard/internal/app/migrate"
	"github.com/splax/shipyard/internal/lock"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/repository/file"
	"github.com/splax/shipyard/internal/repository/postgres"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/event"
	"github.com/splax/shipyard/internal/service/health"
	"github.com/splax/shipyard/internal/service/notify"
	"github.com/splax/shipyard/internal/service/remote"
	"github.com/splax/shipyard/pkg/config"
)

const redisPingTimeout = 2 * time.Second

// app holds the components shared by serve and deploy.
type app struct {
	cfg        config.Config
	log        *slog.Logger
	events     repository.EventLog
	redis      *redis.Client
	pipeline   *deploy.Pipeline
	dispatcher *deploy.Dispatcher
	closers    []func()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger, extra ...deploy.Option) (*app, error) {
	a := &app{cfg: cfg, log: log}

	events, closeEvents, err := openEventLog(ctx, cfg, log, true)
	if err != nil {
		return nil, err
	}
	a.events = events
	a.closers = append(a.closers, closeEvents)

	a.redis = openRedis(ctx, cfg, log)
	if a.redis != nil {
		client := a.redis
		a.closers = append(a.closers, func() { _ = client.Close() })
	}
	locker, err := newLocker(cfg, a.redis, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier := notify.New(cfg.NotifyConfig(), log)
	opts := append([]deploy.Option{deploy.WithEventLog(events)}, extra...)
	a.pipeline = deploy.NewPipeline(
		remote.New(cfg.RemoteConfig(), log),
		health.New(cfg.HealthConfig(), log),
		notifier,
		event.New(cfg.EventConfig(), event.SystemClock{}),
		log,
		opts...,
	)
	a.dispatcher = deploy.NewDispatcher(a.pipeline, locker, lockKey(cfg), log)
	log.Info("orchestrator configured",
		"env", cfg.EnvName,
		"remote_host", cfg.Remote.Host,
		"dry_run", cfg.DryRun,
		"event_log", cfg.EventLog.Backend,
		"lock", cfg.Lock.Backend,
		"notify_channels", notifier.Channels(),
	)
	return a, nil
}

// Close releases backends in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openEventLog opens the configured backend. For postgres the schema is
// migrated when migrateSchema is set.
func openEventLog(ctx context.Context, cfg config.Config, log *slog.Logger, migrateSchema bool) (repository.EventLog, func(), error) {
	switch cfg.EventLog.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.EventLog.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		runner, err := migrate.New(pool, cfg.EventLog.DatabaseURL, cfg.EventLog.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping: %w", err)
		}
		if migrateSchema {
			if err := runner.Ensure(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return postgres.New(pool), pool.Close, nil
	default:
		return file.New(cfg.EventLog.Path), func() {}, nil
	}
}

// openRedis returns a client when REDIS_ADDR is set. An unreachable server
// is dropped unless the lock depends on it; lock calls then fail per run.
func openRedis(ctx context.Context, cfg config.Config, log *slog.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable", "addr", addr, "error", err)
		if cfg.Lock.Backend != config.BackendRedis {
			_ = client.Close()
			return nil
		}
	}
	return client
}

func newLocker(cfg config.Config, client *redis.Client, log *slog.Logger) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case config.BackendRedis:
		if client == nil {
			return nil, errors.New("redis lock requires REDIS_ADDR")
		}
		return lock.NewRedis(client, cfg.LockTTL(), log), nil
	default:
		return lock.NewMemory(), nil
	}
}

// lockKey scopes the run lock to the deploy target.
// lockKey identifies the deploy target machine. Different users or project
// directories on one host still share the lock.
func lockKey(cfg config.Config) string {
	port := cfg.Remote.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(strings.TrimSpace(cfg.Remote.Host), strconv.Itoa(port))
}
