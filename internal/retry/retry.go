// Package retry re-dispatches failed trigger runs.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

// Modes.
const (
	// ModeNewRun inserts a fresh run linked to the failed one, which stays
	// as the record of the failure.
	ModeNewRun = "new_run"
	// ModeInPlace resets the failed run to pending.
	ModeInPlace = "in_place"
)

const DefaultBatchSize = 50

type Store interface {
	// ListRetryableRuns returns up to limit failed runs of enabled
	// triggers with retry_count < maxRetries that no other run retried.
	ListRetryableRuns(ctx context.Context, maxRetries, limit int) ([]domain.Run, error)
	GetTrigger(ctx context.Context, id int64) (domain.Trigger, error)
	CreateRun(ctx context.Context, run domain.Run) (domain.Run, error)
	// ResetRun persists a run moved from failed back to pending. It returns
	// domain.ErrStatusTransitionDenied when the stored run is not failed.
	ResetRun(ctx context.Context, run domain.Run) error
}

type Router interface {
	Route(ctx context.Context, trig domain.Trigger, run domain.Run) (domain.Run, error)
}

// MetricsSink defines the interface for recording retry metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	RetriesRequeued(count int)
}

type Config struct {
	Mode      string
	BatchSize int
}

type Result struct {
	Considered int
	Retried    int
	Runs       []domain.Run
}

type Controller struct {
	config  Config
	store   Store
	router  Router
	log     *zap.Logger
	metrics MetricsSink
	clock   func() time.Time
}

func New(config Config, store Store, router Router) *Controller {
	if config.Mode == "" {
		config.Mode = ModeNewRun
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	return &Controller{
		config: config,
		store:  store,
		router: router,
		log:    zap.NewNop(),
		clock:  time.Now,
	}
}

func (c *Controller) WithLogger(log *zap.Logger) *Controller {
	c.log = log
	return c
}

// WithMetrics attaches a metrics sink to the controller.
func (c *Controller) WithMetrics(sink MetricsSink) *Controller {
	c.metrics = sink
	return c
}

func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// RetryFailed re-dispatches one batch of failed runs. Runs whose trigger
// has been disabled are left failed.
func (c *Controller) RetryFailed(ctx context.Context, maxRetries int) (Result, error) {
	var res Result
	if maxRetries <= 0 {
		return res, nil
	}

	failed, err := c.store.ListRetryableRuns(ctx, maxRetries, c.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list failed runs: %w", err)
	}
	res.Considered = len(failed)

	triggers := map[int64]domain.Trigger{}
	for _, orig := range failed {
		trig, ok := triggers[orig.TriggerID]
		if !ok {
			trig, err = c.store.GetTrigger(ctx, orig.TriggerID)
			if err != nil {
				c.log.Warn("retry: trigger lookup failed", zap.Int64("run_id", orig.ID), zap.Error(err))
				continue
			}
			triggers[trig.ID] = trig
		}
		if !trig.Enabled {
			continue
		}

		run, err := c.prepare(ctx, orig)
		if err != nil {
			c.log.Warn("retry: could not requeue run", zap.Int64("run_id", orig.ID), zap.Error(err))
			continue
		}

		routed, err := c.router.Route(ctx, trig, run)
		if err != nil {
			c.log.Error("retry: routing failed", zap.Int64("run_id", run.ID), zap.Error(err))
		}
		res.Retried++
		res.Runs = append(res.Runs, routed)
	}

	if c.metrics != nil && res.Retried > 0 {
		c.metrics.RetriesRequeued(res.Retried)
	}
	c.log.Info("retry: batch done",
		zap.String("mode", c.config.Mode),
		zap.Int("considered", res.Considered),
		zap.Int("retried", res.Retried))
	return res, nil
}

func (c *Controller) prepare(ctx context.Context, orig domain.Run) (domain.Run, error) {
	if c.config.Mode == ModeInPlace {
		run := orig
		if err := run.ResetForRetry(); err != nil {
			return domain.Run{}, err
		}
		if err := c.store.ResetRun(ctx, run); err != nil {
			return domain.Run{}, fmt.Errorf("reset run: %w", err)
		}
		return run, nil
	}

	run, err := c.store.CreateRun(ctx, domain.NewRetryRun(orig, c.clock().UTC()))
	if err != nil {
		return domain.Run{}, fmt.Errorf("create retry run: %w", err)
	}
	return run, nil
}
