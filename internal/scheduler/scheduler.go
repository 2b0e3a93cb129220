// Package scheduler fires scheduled events. Events are registered with the
// task queue's native timers, and an optional polling loop fires whatever
// is due for deployments without one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/cron"
	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/lease"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Reasons a firing did not dispatch.
const (
	ReasonNotFound        = "scheduled event not found"
	ReasonEventDisabled   = "scheduled event is disabled"
	ReasonTriggerMissing  = "trigger not found"
	ReasonTriggerDisabled = "trigger is disabled"
	ReasonDispatchFailed  = "dispatch failed"
	ReasonNotDue          = "scheduled event is not due"
	ReasonAlreadyFired    = "scheduled slot already fired"
)

// DueSkew is how early a queue timer may deliver a slot and still have
// it count as due.
const DueSkew = 5 * time.Second

type Store interface {
	GetScheduledEvent(ctx context.Context, id int64) (domain.ScheduledEvent, error)
	GetTrigger(ctx context.Context, id int64) (domain.Trigger, error)
	// RecordFiring increments run_count and stamps last_run_at and next_run_at.
	RecordFiring(ctx context.Context, id int64, firedAt time.Time, nextRunAt *time.Time) error
	// ClaimFiring moves the claimed slot from prev to slot and reports
	// whether this caller won it.
	ClaimFiring(ctx context.Context, id int64, prev *time.Time, slot time.Time) (bool, error)
	// SetScheduleState stores the queue-side handle and next_run_at.
	SetScheduleState(ctx context.Context, id int64, queueScheduleID string, nextRunAt *time.Time) error
	ListDueScheduledEvents(ctx context.Context, now time.Time) ([]domain.ScheduledEvent, error)
	ListRegisteredCronEvents(ctx context.Context) ([]domain.ScheduledEvent, error)
}

type Dispatcher interface {
	DispatchTrigger(ctx context.Context, trig domain.Trigger, ev domain.Event) (domain.Run, error)
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	ScheduleFired(scheduleType string, ok bool)
	LeaseAttempt(acquired bool)
}

type Config struct {
	// PollInterval is the polling tick. Zero disables Run.
	PollInterval time.Duration
}

// FireResult describes one firing. When Fired is false, Reason says why.
type FireResult struct {
	ScheduledEventID int64
	Fired            bool
	Reason           string
	Run              *domain.Run
	Error            string
}

type Scheduler struct {
	config     Config
	store      Store
	dispatcher Dispatcher
	queue      queue.Client
	parser     *cron.Parser
	lease      lease.Provider
	log        *zap.Logger
	metrics    MetricsSink
	clock      func() time.Time
}

func New(config Config, store Store, dispatcher Dispatcher, client queue.Client) *Scheduler {
	return &Scheduler{
		config:     config,
		store:      store,
		dispatcher: dispatcher,
		queue:      client,
		parser:     cron.NewParser(),
		lease:      lease.Noop{},
		log:        zap.NewNop(),
		clock:      time.Now,
	}
}

func (s *Scheduler) WithLogger(log *zap.Logger) *Scheduler {
	s.log = log
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithLease guards RunDue with p.
func (s *Scheduler) WithLease(p lease.Provider) *Scheduler {
	s.lease = p
	return s
}

func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Execute fires scheduled event id now, whatever its schedule says.
// Missing or disabled events and triggers yield a result with Fired=false
// and no error. The returned error is reserved for store failures.
func (s *Scheduler) Execute(ctx context.Context, id int64) (FireResult, error) {
	return s.fire(ctx, id, false)
}

// ExecuteDue fires the due slot of scheduled event id. Queue timers and
// the polling loop both land here; each slot is claimed in the store
// before dispatch, so it fires at most once however many paths deliver
// it. A failed dispatch leaves next_run_at alone and the slot claimed, so
// it is not retried.
func (s *Scheduler) ExecuteDue(ctx context.Context, id int64) (FireResult, error) {
	return s.fire(ctx, id, true)
}

func (s *Scheduler) fire(ctx context.Context, id int64, due bool) (FireResult, error) {
	res := FireResult{ScheduledEventID: id}

	se, err := s.store.GetScheduledEvent(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		res.Reason = ReasonNotFound
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load scheduled event %d: %w", id, err)
	}
	log := s.log.With(zap.Int64("scheduled_event_id", se.ID), zap.String("schedule_type", string(se.ScheduleType)))

	if !se.Enabled {
		log.Info("scheduler: event disabled, not firing")
		res.Reason = ReasonEventDisabled
		return res, nil
	}

	trig, err := s.store.GetTrigger(ctx, se.TriggerID)
	if errors.Is(err, domain.ErrNotFound) {
		res.Reason = ReasonTriggerMissing
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load trigger %d: %w", se.TriggerID, err)
	}
	if !trig.Enabled {
		log.Info("scheduler: trigger disabled, not firing", zap.Int64("trigger_id", trig.ID))
		res.Reason = ReasonTriggerDisabled
		return res, nil
	}

	now := s.clock().UTC()
	from := now
	if due {
		slot, reason := s.dueSlot(se, now)
		if reason != "" {
			log.Debug("scheduler: nothing to fire", zap.String("reason", reason))
			res.Reason = reason
			return res, nil
		}
		won, err := s.store.ClaimFiring(ctx, se.ID, se.ClaimedSlot, slot)
		if err != nil {
			return res, fmt.Errorf("claim slot of %d: %w", se.ID, err)
		}
		if !won {
			log.Info("scheduler: slot claimed by another firing", zap.Time("slot", slot))
			res.Reason = ReasonAlreadyFired
			return res, nil
		}
		if slot.After(from) {
			from = slot
		}
	}

	ev := domain.Event{
		Type:           se.ScheduleType.EventType(),
		SourceType:     domain.SourceTypeScheduledEvent,
		SourceID:       strconv.FormatInt(se.ID, 10),
		Data:           se.FireData(),
		OrganizationID: se.OrganizationID,
		ProjectID:      trig.ProjectID,
	}

	run, err := s.dispatcher.DispatchTrigger(ctx, trig, ev)
	if s.metrics != nil {
		s.metrics.ScheduleFired(string(se.ScheduleType), err == nil)
	}
	if err != nil {
		log.Error("scheduler: dispatch failed", zap.Error(err))
		res.Reason = ReasonDispatchFailed
		res.Error = err.Error()
		return res, nil
	}

	var next *time.Time
	if se.ScheduleType == domain.ScheduleTypeCron {
		n, err := s.parser.NextRun(se.CronExpression, se.Location(), from)
		if err != nil {
			log.Warn("scheduler: cannot compute next run", zap.String("cron", se.CronExpression), zap.Error(err))
		} else {
			next = &n
		}
	}
	if err := s.store.RecordFiring(ctx, se.ID, s.clock().UTC(), next); err != nil {
		return res, fmt.Errorf("record firing of %d: %w", se.ID, err)
	}

	res.Fired = true
	res.Run = &run
	log.Info("scheduler: fired", zap.Int64("run_id", run.ID), zap.Int("run_count", se.RunCount+1))
	return res, nil
}

// dueSlot picks the slot a scheduled firing of se would claim at now. A
// slot at or before the claimed one has been attempted already; cron
// events then move on to the tick after it.
func (s *Scheduler) dueSlot(se domain.ScheduledEvent, now time.Time) (time.Time, string) {
	if se.NextRunAt == nil {
		return time.Time{}, ReasonNotDue
	}
	slot := se.NextRunAt.UTC()
	reason := ReasonNotDue
	if se.ClaimedSlot != nil && !se.ClaimedSlot.Before(slot) {
		if se.ScheduleType != domain.ScheduleTypeCron {
			return time.Time{}, ReasonAlreadyFired
		}
		n, err := s.parser.NextRun(se.CronExpression, se.Location(), *se.ClaimedSlot)
		if err != nil {
			return time.Time{}, ReasonAlreadyFired
		}
		slot, reason = n.UTC(), ReasonAlreadyFired
	}
	if slot.After(now.Add(DueSkew)) {
		return time.Time{}, reason
	}
	return slot, ""
}

// Register installs se with the task queue. It returns false without an
// error when se cannot be scheduled: disabled, or a one-shot whose time
// is missing or past.
func (s *Scheduler) Register(ctx context.Context, se domain.ScheduledEvent) (bool, error) {
	log := s.log.With(zap.Int64("scheduled_event_id", se.ID), zap.String("schedule_type", string(se.ScheduleType)))

	if !se.Enabled {
		log.Info("scheduler: refusing to register disabled event")
		return false, nil
	}

	switch se.ScheduleType {
	case domain.ScheduleTypeOneshot:
		now := s.clock().UTC()
		if se.ScheduledAt == nil || !se.ScheduledAt.After(now) {
			log.Warn("scheduler: one-shot time missing or in the past")
			return false, nil
		}
		if left := s.cancelOneshot(ctx, se); left != "" {
			log.Warn("scheduler: previous one-shot task still queued", zap.String("task_id", left))
		}
		at := se.ScheduledAt.UTC()
		taskID, err := s.queue.EnqueueAt(ctx, queue.ScheduledEventTask(se.ID), at)
		if err != nil {
			return false, fmt.Errorf("enqueue one-shot %d: %w", se.ID, err)
		}
		if err := s.store.SetScheduleState(ctx, se.ID, taskID, &at); err != nil {
			return false, fmt.Errorf("save schedule state: %w", err)
		}
		log.Info("scheduler: registered one-shot", zap.Time("at", at), zap.String("task_id", taskID))
		return true, nil

	case domain.ScheduleTypeCron:
		if err := s.parser.Validate(se.CronExpression, se.Location()); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		name := se.ScheduleName()
		if err := s.queue.DeleteSchedule(ctx, name); err != nil {
			log.Warn("scheduler: failed to delete previous schedule", zap.String("name", name), zap.Error(err))
		}
		scheduleID, err := s.queue.RegisterCron(ctx, name, se.CronExpression, se.Location(), queue.ScheduledEventTask(se.ID))
		if err != nil {
			return false, fmt.Errorf("register cron %d: %w", se.ID, err)
		}
		next, err := s.parser.NextRun(se.CronExpression, se.Location(), s.clock())
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if err := s.store.SetScheduleState(ctx, se.ID, scheduleID, &next); err != nil {
			return false, fmt.Errorf("save schedule state: %w", err)
		}
		log.Info("scheduler: registered cron", zap.String("cron", se.CronExpression), zap.String("tz", se.Location()), zap.Time("next_run_at", next))
		return true, nil
	}

	return false, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, se.ScheduleType)
}

// Unregister removes se from the task queue. A one-shot task can only be
// dropped when the backend supports cancellation; otherwise it still
// fires and ExecuteDue finds nothing due.
func (s *Scheduler) Unregister(ctx context.Context, se domain.ScheduledEvent) error {
	switch se.ScheduleType {
	case domain.ScheduleTypeCron:
		if err := s.queue.DeleteSchedule(ctx, se.ScheduleName()); err != nil {
			return fmt.Errorf("delete schedule %s: %w", se.ScheduleName(), err)
		}
		return s.store.SetScheduleState(ctx, se.ID, "", nil)

	default:
		return s.store.SetScheduleState(ctx, se.ID, s.cancelOneshot(ctx, se), nil)
	}
}

// cancelOneshot drops the queued task of se when the backend can cancel.
// It returns the handle still queued, or "" when none is left.
func (s *Scheduler) cancelOneshot(ctx context.Context, se domain.ScheduledEvent) string {
	taskID := se.QueueScheduleID
	c, ok := s.queue.(queue.Canceller)
	if !ok || taskID == "" {
		return taskID
	}
	err := c.Cancel(ctx, taskID)
	if err == nil || errors.Is(err, queue.ErrNotFound) {
		return ""
	}
	s.log.Warn("scheduler: cancel one-shot failed",
		zap.Int64("scheduled_event_id", se.ID), zap.String("task_id", taskID), zap.Error(err))
	return taskID
}

// Resync re-registers enabled cron events that hold a schedule id. Queue
// cron registries live in process memory and are lost on restart.
func (s *Scheduler) Resync(ctx context.Context) (int, error) {
	events, err := s.store.ListRegisteredCronEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cron events: %w", err)
	}
	n := 0
	for _, se := range events {
		if !se.Enabled {
			continue
		}
		ok, err := s.Register(ctx, se)
		if err != nil {
			s.log.Error("scheduler: resync failed", zap.Int64("scheduled_event_id", se.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	s.log.Info("scheduler: resynced cron schedules", zap.Int("registered", n), zap.Int("candidates", len(events)))
	return n, nil
}

// DueEvents returns enabled events whose next_run_at has passed.
func (s *Scheduler) DueEvents(ctx context.Context) ([]domain.ScheduledEvent, error) {
	return s.store.ListDueScheduledEvents(ctx, s.clock().UTC())
}

// RunDue fires every due event while holding the lease. It returns the
// number of events fired; zero when another instance holds the lease.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	release, ok, err := s.lease.TryAcquire(ctx)
	if s.metrics != nil {
		s.metrics.LeaseAttempt(ok)
	}
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		s.log.Debug("scheduler: lease held elsewhere, skipping tick")
		return 0, nil
	}
	defer release()

	due, err := s.DueEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list due events: %w", err)
	}

	fired := 0
	for _, se := range due {
		res, err := s.ExecuteDue(ctx, se.ID)
		if err != nil {
			s.log.Error("scheduler: execute failed", zap.Int64("scheduled_event_id", se.ID), zap.Error(err))
			continue
		}
		if res.Fired {
			fired++
		}
	}
	return fired, nil
}

// Run polls for due events until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.config.PollInterval <= 0 {
		return errors.New("scheduler: poll interval must be positive")
	}
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.log.Info("scheduler: polling started", zap.Duration("interval", s.config.PollInterval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := s.clock()
	if s.metrics != nil {
		s.metrics.TickStarted()
	}
	fired, err := s.RunDue(ctx)
	if err != nil {
		s.log.Error("scheduler: tick error", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock().Sub(start), fired, err)
	}
}
