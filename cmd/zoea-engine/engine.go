package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/agent"
	"github.com/unbracketed/zoea-collab-sub000/internal/agent/httpagent"
	"github.com/unbracketed/zoea-collab-sub000/internal/analytics"
	"github.com/unbracketed/zoea-collab-sub000/internal/api"
	"github.com/unbracketed/zoea-collab-sub000/internal/artifacts"
	"github.com/unbracketed/zoea-collab-sub000/internal/circuitbreaker"
	"github.com/unbracketed/zoea-collab-sub000/internal/config"
	"github.com/unbracketed/zoea-collab-sub000/internal/dispatcher"
	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/executor"
	"github.com/unbracketed/zoea-collab-sub000/internal/lease"
	"github.com/unbracketed/zoea-collab-sub000/internal/metrics"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue/asynqq"
	memqueue "github.com/unbracketed/zoea-collab-sub000/internal/queue/memory"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue/riverq"
	"github.com/unbracketed/zoea-collab-sub000/internal/reconciler"
	"github.com/unbracketed/zoea-collab-sub000/internal/retry"
	"github.com/unbracketed/zoea-collab-sub000/internal/scheduler"
	memstore "github.com/unbracketed/zoea-collab-sub000/internal/store/memory"
	"github.com/unbracketed/zoea-collab-sub000/internal/store/postgres"

	_ "github.com/lib/pq"
)

const memoryQueueBuffer = 256

// Store is everything the engine needs from persistence. Both the
// Postgres and the in-memory store implement it.
type Store interface {
	dispatcher.Store
	executor.Store
	scheduler.Store
	retry.Store
	reconciler.Store
	api.Store
	artifacts.Collections
	artifacts.Conversations
}

var (
	_ Store = (*postgres.Store)(nil)
	_ Store = (*memstore.Store)(nil)
)

var errAgentNotConfigured = errors.New("AGENT_URL not configured")

// engine holds the wired components of one process.
type engine struct {
	cfg     config.Config
	log     *zap.Logger
	metrics metrics.Sink

	store Store
	db    *sql.DB
	pool  *pgxpool.Pool
	redis *redis.Client

	client   queue.Client
	handlers *queue.Handlers
	// runQueue runs the backend's workers until ctx is cancelled.
	runQueue func(ctx context.Context) error
	// inProcess is set when tasks only execute inside this process.
	inProcess bool

	dispatcher *dispatcher.Dispatcher
	executor   *executor.Executor
	scheduler  *scheduler.Scheduler
	retrier    *retry.Controller
	outcomes   *analytics.RedisSink

	closers []func() error
}

// newEngine connects to the configured backends and wires every component.
// Nothing runs until the caller starts runQueue or the loops.
func newEngine(ctx context.Context, cfg config.Config, log *zap.Logger) (*engine, error) {
	e := &engine{cfg: cfg, log: log, handlers: &queue.Handlers{}}
	if err := e.build(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) build(ctx context.Context) error {
	e.buildMetrics()
	if err := e.openStore(ctx); err != nil {
		return err
	}
	if e.cfg.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: e.cfg.RedisAddr})
		e.closers = append(e.closers, e.redis.Close)
	}
	if err := e.openQueue(ctx); err != nil {
		return err
	}

	linker := artifacts.NewLinker(e.store, e.store).WithLogger(e.log)
	e.executor = executor.New(e.store, e.agentFactory()).
		WithLogger(e.log).
		WithDocumentsSink(linker).
		WithMetrics(e.metrics)
	if e.cfg.AnalyticsEnabled && e.redis != nil {
		acfg := domain.DefaultAnalyticsConfig()
		acfg.Retention = e.cfg.AnalyticsRetention
		if acfg.Retention < acfg.Window {
			acfg.Window = acfg.Retention
		}
		e.outcomes = analytics.NewRedisSink(e.redis, acfg)
		e.executor = e.executor.WithOutcomes(e.outcomes)
		e.log.Info("zoea-engine: analytics enabled", zap.String("redis", e.cfg.RedisAddr))
	}

	e.dispatcher = dispatcher.New(
		e.store,
		dispatcher.ImmediateScheduler{Executor: e.executor},
		dispatcher.QueuedScheduler{Client: e.client, Timeout: e.cfg.TaskTimeout},
	).WithLogger(e.log).WithMetrics(e.metrics)

	e.scheduler = scheduler.New(
		scheduler.Config{PollInterval: e.cfg.SchedulerPollInterval},
		e.store, e.dispatcher, e.client,
	).WithLogger(e.log).WithMetrics(e.metrics).WithLease(e.lease())

	e.retrier = retry.New(
		retry.Config{Mode: e.cfg.RetryMode, BatchSize: e.cfg.RetryBatchSize},
		e.store, e.dispatcher,
	).WithLogger(e.log).WithMetrics(e.metrics)

	e.handlers.Run = e.executor.Execute
	e.handlers.ScheduledEvent = func(ctx context.Context, id int64) error {
		_, err := e.scheduler.ExecuteDue(ctx, id)
		return err
	}
	return nil
}

func (e *engine) buildMetrics() {
	if !e.cfg.MetricsEnabled {
		e.metrics = metrics.NewNoopSink()
		e.log.Info("zoea-engine: METRICS_ENABLED not set; metrics disabled")
		return
	}
	e.metrics = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, e.log)
}

func (e *engine) openStore(ctx context.Context) error {
	if e.cfg.DatabaseURL == "" {
		e.store = memstore.New()
		e.log.Info("zoea-engine: using in-memory store")
		return nil
	}

	db, err := sql.Open("postgres", e.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	e.closers = append(e.closers, db.Close)

	db.SetMaxOpenConns(e.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(e.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(e.cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(e.cfg.DBConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	e.log.Info("zoea-engine: db pool configured",
		zap.Int("max_open", e.cfg.DBMaxOpenConns),
		zap.Int("max_idle", e.cfg.DBMaxIdleConns),
		zap.Duration("max_lifetime", e.cfg.DBConnMaxLifetime),
		zap.Duration("max_idle_time", e.cfg.DBConnMaxIdleTime))

	e.db = db
	e.store = postgres.New(db)
	return nil
}

func (e *engine) openQueue(ctx context.Context) error {
	switch e.cfg.QueueBackend {
	case config.QueueAsynq:
		b := asynqq.New(asynq.RedisClientOpt{Addr: e.cfg.RedisAddr}, asynqq.Config{
			Concurrency: e.cfg.QueueWorkers,
		}, e.log)
		e.closers = append(e.closers, b.Close)
		e.client = b
		e.runQueue = func(ctx context.Context) error { return b.Run(ctx, e.handlers) }

	case config.QueueRiver:
		pool, err := pgxpool.New(ctx, e.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open pgx pool: %w", err)
		}
		e.pool = pool
		e.closers = append(e.closers, func() error { pool.Close(); return nil })

		b, err := riverq.New(pool, e.handlers, riverq.Config{
			Workers: e.cfg.QueueWorkers,
			Timeout: e.cfg.TaskTimeout,
		}, e.log)
		if err != nil {
			return err
		}
		e.client = b
		e.runQueue = b.Run

	default:
		q := memqueue.New(memoryQueueBuffer, e.cfg.QueueWorkers).
			WithHandler(e.handlers).
			WithLogger(e.log).
			WithMetrics(e.metrics)
		e.client = q
		e.runQueue = q.Run
		e.inProcess = true
	}
	e.log.Info("zoea-engine: queue backend configured",
		zap.String("backend", e.cfg.QueueBackend),
		zap.Int("workers", e.cfg.QueueWorkers))
	return nil
}

func (e *engine) lease() lease.Provider {
	switch e.cfg.LeaseBackend {
	case config.LeasePostgres:
		if e.db != nil {
			return lease.NewPostgresAdvisory(e.db, e.cfg.LeaseKey).WithLogger(e.log)
		}
	case config.LeaseRedis:
		if e.redis != nil {
			return lease.NewRedis(e.redis, e.cfg.LeaseKey, e.cfg.LeaseTTL).WithLogger(e.log)
		}
	}
	return lease.Noop{}
}

func (e *engine) agentFactory() agent.Factory {
	if e.cfg.AgentURL == "" {
		return agent.FactoryFunc(func(agent.Config) (agent.SkillAgent, error) {
			return nil, errAgentNotConfigured
		})
	}
	client := httpagent.New(httpagent.Options{
		URL:     e.cfg.AgentURL,
		Secret:  e.cfg.AgentSecret,
		Timeout: e.cfg.AgentTimeout,
	})
	if e.cfg.CircuitBreakerThreshold > 0 {
		client = client.WithBreaker(circuitbreaker.New(e.cfg.CircuitBreakerThreshold, e.cfg.CircuitBreakerCooldown))
		e.log.Info("zoea-engine: circuit breaker enabled",
			zap.Int("threshold", e.cfg.CircuitBreakerThreshold),
			zap.Duration("cooldown", e.cfg.CircuitBreakerCooldown))
	}
	return client
}

// migrate applies the store schema and, for the river backend, river's own
// tables.
func (e *engine) migrate(ctx context.Context) error {
	if pg, ok := e.store.(*postgres.Store); ok {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		e.log.Info("zoea-engine: store schema applied")
	}
	if e.pool != nil {
		if err := riverq.Migrate(ctx, e.pool); err != nil {
			return err
		}
		e.log.Info("zoea-engine: river schema applied")
	}
	return nil
}

func (e *engine) apiHandler() *api.Handler {
	h := api.NewHandler(e.store, e.dispatcher, e.scheduler, e.retrier).WithLogger(e.log)
	if e.db != nil {
		h = h.WithHealthChecker(e.db)
	}
	if e.outcomes != nil {
		h = h.WithOutcomes(e.outcomes)
	}
	return h
}

// Close releases connections in reverse order of opening.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.Warn("zoea-engine: close failed", zap.Error(err))
		}
	}
	e.closers = nil
}
