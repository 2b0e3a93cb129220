// Package queue abstracts the background task queue used for async runs
// and time-based scheduled events.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies what a task does when a worker picks it up.
type Kind string

const (
	KindTriggerRun     Kind = "trigger_run"
	KindScheduledEvent Kind = "scheduled_event"
)

// DefaultTimeout bounds a single async run.
const DefaultTimeout = 600 * time.Second

var (
	ErrUnknownKind = errors.New("queue: unknown task kind")
	ErrNotFound    = errors.New("queue: task or schedule not found")
)

// Task is a unit of background work. Only identifiers travel through the
// queue; workers reload state from the store.
type Task struct {
	Kind             Kind
	RunID            int64
	ScheduledEventID int64
	Name             string
	Timeout          time.Duration
}

// RunTask returns the task that executes run runID.
func RunTask(runID int64, timeout time.Duration) Task {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Task{
		Kind:    KindTriggerRun,
		RunID:   runID,
		Name:    fmt.Sprintf("trigger-run-%d", runID),
		Timeout: timeout,
	}
}

// ScheduledEventTask returns the task that fires scheduled event id.
func ScheduledEventTask(id int64) Task {
	return Task{
		Kind:             KindScheduledEvent,
		ScheduledEventID: id,
		Name:             fmt.Sprintf("scheduled_event_%d", id),
		Timeout:          DefaultTimeout,
	}
}

type payload struct {
	RunID            int64  `json:"run_id,omitempty"`
	ScheduledEventID int64  `json:"scheduled_event_id,omitempty"`
	Name             string `json:"name,omitempty"`
}

// Encode serializes the task body. The kind travels separately as the
// backend's task type.
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(payload{RunID: t.RunID, ScheduledEventID: t.ScheduledEventID, Name: t.Name})
}

// Decode is the inverse of Encode.
func Decode(kind Kind, body []byte) (Task, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Task{}, fmt.Errorf("queue: decode %s: %w", kind, err)
	}
	t := Task{Kind: kind, RunID: p.RunID, ScheduledEventID: p.ScheduledEventID, Name: p.Name}
	switch kind {
	case KindTriggerRun:
		if t.RunID == 0 {
			return Task{}, fmt.Errorf("queue: %s task without run_id", kind)
		}
	case KindScheduledEvent:
		if t.ScheduledEventID == 0 {
			return Task{}, fmt.Errorf("queue: %s task without scheduled_event_id", kind)
		}
	default:
		return Task{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return t, nil
}

// Client submits tasks to a backend.
type Client interface {
	// Enqueue submits t for immediate execution and returns the backend's
	// handle for it.
	Enqueue(ctx context.Context, t Task) (string, error)
	// EnqueueAt submits t for execution no earlier than at.
	EnqueueAt(ctx context.Context, t Task, at time.Time) (string, error)
	// RegisterCron installs a recurring schedule under name. expression is a
	// five-field cron expression evaluated in timezone.
	RegisterCron(ctx context.Context, name, expression, timezone string, t Task) (string, error)
	// DeleteSchedule removes the schedule registered under name. Deleting an
	// unknown name is not an error.
	DeleteSchedule(ctx context.Context, name string) error
}

// Canceller is implemented by backends that can drop a delayed task
// before it runs.
type Canceller interface {
	Cancel(ctx context.Context, taskID string) error
}

// Handler executes tasks delivered by a backend worker.
type Handler interface {
	HandleRun(ctx context.Context, runID int64) error
	HandleScheduledEvent(ctx context.Context, scheduledEventID int64) error
}

// Handlers adapts plain functions to Handler.
type Handlers struct {
	Run            func(ctx context.Context, runID int64) error
	ScheduledEvent func(ctx context.Context, scheduledEventID int64) error
}

func (h Handlers) HandleRun(ctx context.Context, runID int64) error {
	if h.Run == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, KindTriggerRun)
	}
	return h.Run(ctx, runID)
}

func (h Handlers) HandleScheduledEvent(ctx context.Context, id int64) error {
	if h.ScheduledEvent == nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, KindScheduledEvent)
	}
	return h.ScheduledEvent(ctx, id)
}

// Deliver routes t to the matching method of h.
func Deliver(ctx context.Context, h Handler, t Task) error {
	switch t.Kind {
	case KindTriggerRun:
		return h.HandleRun(ctx, t.RunID)
	case KindScheduledEvent:
		return h.HandleScheduledEvent(ctx, t.ScheduledEventID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
}
