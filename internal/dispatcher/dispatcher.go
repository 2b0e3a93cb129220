// Package dispatcher turns inbound events into trigger runs and routes
// each run to inline or queued execution.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

var (
	ErrTriggerDisabled = errors.New("trigger is disabled")
	ErrNoQueue         = errors.New("no task queue configured for async trigger")
	ErrNoOrganization  = errors.New("event has no organization")
)

type Store interface {
	// ListEnabledTriggers returns the enabled triggers of orgID for
	// eventType that are org-wide or scoped to projectID. A nil projectID
	// yields only org-wide triggers.
	ListEnabledTriggers(ctx context.Context, orgID int64, eventType domain.EventType, projectID *int64) ([]domain.Trigger, error)
	CreateRun(ctx context.Context, run domain.Run) (domain.Run, error)
	GetRun(ctx context.Context, id int64) (domain.Run, error)
	SetRunTaskID(ctx context.Context, id int64, taskID string) error
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	RunDispatched(eventType, mode string)
	DispatchError(eventType string)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type Dispatcher struct {
	store     Store
	immediate ExecutionScheduler
	queued    ExecutionScheduler // nil when no queue backend is configured
	log       *zap.Logger
	metrics   MetricsSink
	clock     func() time.Time
}

func New(store Store, immediate, queued ExecutionScheduler) *Dispatcher {
	return &Dispatcher{
		store:     store,
		immediate: immediate,
		queued:    queued,
		log:       zap.NewNop(),
		clock:     time.Now,
	}
}

func (d *Dispatcher) WithLogger(log *zap.Logger) *Dispatcher {
	d.log = log
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Dispatch creates one pending run per enabled trigger matching ev and
// routes it. Per-trigger failures are logged and do not stop siblings;
// the returned slice holds every run that was created. Dispatching the
// same event twice creates two sets of runs.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) ([]domain.Run, error) {
	eventType, err := domain.ParseEventType(string(ev.Type))
	if err != nil {
		return nil, err
	}
	ev.Type = eventType
	if ev.OrganizationID == 0 {
		return nil, ErrNoOrganization
	}

	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	candidates, err := d.store.ListEnabledTriggers(ctx, ev.OrganizationID, eventType, ev.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}

	seen := make(map[int64]struct{}, len(candidates))
	var runs []domain.Run
	for _, trig := range candidates {
		if _, dup := seen[trig.ID]; dup {
			continue
		}
		seen[trig.ID] = struct{}{}

		if !trig.Enabled || !trig.AppliesToProject(ev.ProjectID) || !trig.Matches(ev.Data) {
			continue
		}

		run, err := d.dispatchOne(ctx, trig, ev)
		if run.ID != 0 {
			runs = append(runs, run)
		}
		if err != nil {
			d.log.Error("dispatcher: trigger dispatch failed",
				zap.Int64("trigger_id", trig.ID),
				zap.String("event_type", string(eventType)),
				zap.Error(err))
			if d.metrics != nil {
				d.metrics.DispatchError(string(eventType))
			}
		}
	}

	d.log.Info("dispatcher: event dispatched",
		zap.String("event_type", string(eventType)),
		zap.String("source_type", ev.SourceType),
		zap.String("source_id", ev.SourceID),
		zap.Int("candidates", len(candidates)),
		zap.Int("runs", len(runs)))
	return runs, nil
}

// DispatchTrigger runs trig for ev without filter matching. It is the
// manual path, e.g. documents selected by a user.
func (d *Dispatcher) DispatchTrigger(ctx context.Context, trig domain.Trigger, ev domain.Event) (domain.Run, error) {
	if !trig.Enabled {
		return domain.Run{}, ErrTriggerDisabled
	}
	eventType, err := domain.ParseEventType(string(ev.Type))
	if err != nil {
		return domain.Run{}, err
	}
	ev.Type = eventType
	if ev.OrganizationID == 0 {
		ev.OrganizationID = trig.OrganizationID
	}

	run, err := d.dispatchOne(ctx, trig, ev)
	if err != nil {
		if d.metrics != nil {
			d.metrics.DispatchError(string(eventType))
		}
		if run.ID == 0 {
			return domain.Run{}, err
		}
		d.log.Error("dispatcher: manual dispatch routing failed",
			zap.Int64("trigger_id", trig.ID), zap.Int64("run_id", run.ID), zap.Error(err))
	}
	return run, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, trig domain.Trigger, ev domain.Event) (domain.Run, error) {
	run, err := d.store.CreateRun(ctx, domain.NewRun(trig, ev, d.clock().UTC()))
	if err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	return d.Route(ctx, trig, run)
}

// Route hands a pending run to the execution scheduler selected by the
// trigger. Async runs get their task handle recorded on a best-effort
// basis; sync runs are re-read after execution so the caller sees the
// terminal state.
func (d *Dispatcher) Route(ctx context.Context, trig domain.Trigger, run domain.Run) (domain.Run, error) {
	sched := d.immediate
	if trig.RunAsync {
		if d.queued == nil {
			return run, ErrNoQueue
		}
		sched = d.queued
	}
	if d.metrics != nil {
		d.metrics.RunDispatched(string(run.InputEnvelope.TriggerType), sched.Mode())
	}

	taskID, err := sched.Schedule(ctx, run)
	if trig.RunAsync {
		if err != nil {
			return run, fmt.Errorf("enqueue run %d: %w", run.ID, err)
		}
		run.TaskID = taskID
		err := d.store.SetRunTaskID(ctx, run.ID, taskID)
		switch {
		case errors.Is(err, domain.ErrStatusTransitionDenied):
			// A worker finished the run before Enqueue returned.
			d.log.Debug("dispatcher: run already terminal, task id not recorded",
				zap.Int64("run_id", run.ID), zap.String("task_id", taskID))
		case err != nil:
			d.log.Warn("dispatcher: failed to record task id",
				zap.Int64("run_id", run.ID), zap.String("task_id", taskID), zap.Error(err))
		}
		return run, nil
	}

	if err != nil {
		// The executor has already recorded the failure on the run.
		d.log.Warn("dispatcher: inline execution failed", zap.Int64("run_id", run.ID), zap.Error(err))
	}
	fresh, getErr := d.store.GetRun(ctx, run.ID)
	if getErr != nil {
		d.log.Warn("dispatcher: failed to reload run", zap.Int64("run_id", run.ID), zap.Error(getErr))
		return run, nil
	}
	return fresh, nil
}
