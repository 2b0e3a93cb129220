// Package reconciler re-enqueues orphaned async runs.
//
// A run is orphaned when it is pending, belongs to an async trigger and
// has no task id: the enqueue failed or the process died between creating
// the run and handing it to the queue.
//
// Re-enqueueing is safe because the executor ignores runs that are no
// longer pending.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

// Store defines the interface for fetching orphaned runs.
type Store interface {
	ListOrphanedRuns(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Run, error)
	GetTrigger(ctx context.Context, id int64) (domain.Trigger, error)
}

type Router interface {
	Route(ctx context.Context, trig domain.Trigger, run domain.Run) (domain.Run, error)
}

// MetricsSink defines the interface for recording reconciler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	OrphanedRunsUpdate(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a pending run without a task id is
	// considered orphaned.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of orphans to process per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	router  Router
	log     *zap.Logger
	metrics MetricsSink
	clock   func() time.Time
}

func New(config Config, store Store, router Router) *Reconciler {
	return &Reconciler{
		config: config,
		store:  store,
		router: router,
		log:    zap.NewNop(),
		clock:  time.Now,
	}
}

func (r *Reconciler) WithLogger(log *zap.Logger) *Reconciler {
	r.log = log
	return r
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.log.Info("reconciler: started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("threshold", r.config.Threshold),
		zap.Int("batch", r.config.BatchSize))

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler: stopped")
			return ctx.Err()
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle and returns the number of
// runs re-enqueued.
func (r *Reconciler) RunCycle(ctx context.Context) int {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	orphans, err := r.store.ListOrphanedRuns(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		r.log.Error("reconciler: failed to fetch orphans", zap.Error(err))
		return 0
	}
	if r.metrics != nil {
		r.metrics.OrphanedRunsUpdate(len(orphans))
	}
	if len(orphans) == 0 {
		return 0
	}

	r.log.Info("reconciler: found orphaned runs", zap.Int("count", len(orphans)))

	requeued, failed := 0, 0
	for _, run := range orphans {
		// Check context before each enqueue to allow graceful shutdown
		if ctx.Err() != nil {
			r.log.Info("reconciler: cycle interrupted", zap.Int("processed", requeued+failed), zap.Int("total", len(orphans)))
			return requeued
		}

		trig, err := r.store.GetTrigger(ctx, run.TriggerID)
		if err != nil {
			r.log.Warn("reconciler: trigger lookup failed", zap.Int64("run_id", run.ID), zap.Error(err))
			failed++
			continue
		}
		if !trig.RunAsync {
			continue
		}

		if _, err := r.router.Route(ctx, trig, run); err != nil {
			// Will retry next cycle.
			r.log.Warn("reconciler: failed to re-enqueue run", zap.Int64("run_id", run.ID), zap.Error(err))
			failed++
			continue
		}

		r.log.Info("reconciler: re-enqueued run",
			zap.Int64("run_id", run.ID),
			zap.Int64("trigger_id", run.TriggerID),
			zap.Duration("age", now.Sub(run.CreatedAt).Round(time.Second)))
		requeued++
	}

	r.log.Info("reconciler: cycle complete", zap.Int("requeued", requeued), zap.Int("failed", failed))
	return requeued
}
