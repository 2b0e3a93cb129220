package dispatcher

import (
	"context"
	"time"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/metrics"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
)

// ExecutionScheduler decides how a pending run gets executed. It returns
// the queue handle for deferred execution, or "" when the run executed
// inline.
type ExecutionScheduler interface {
	Schedule(ctx context.Context, run domain.Run) (string, error)
	Mode() string
}

// Executor drives one run to a terminal state.
type Executor interface {
	Execute(ctx context.Context, runID int64) error
}

// ImmediateScheduler executes the run in the caller's goroutine. No
// timeout is applied.
type ImmediateScheduler struct {
	Executor Executor
}

func (s ImmediateScheduler) Schedule(ctx context.Context, run domain.Run) (string, error) {
	return "", s.Executor.Execute(ctx, run.ID)
}

func (ImmediateScheduler) Mode() string { return metrics.ModeSync }

// QueuedScheduler enqueues the run on a task queue.
type QueuedScheduler struct {
	Client  queue.Client
	Timeout time.Duration
}

func (s QueuedScheduler) Schedule(ctx context.Context, run domain.Run) (string, error) {
	return s.Client.Enqueue(ctx, queue.RunTask(run.ID, s.Timeout))
}

func (QueuedScheduler) Mode() string { return metrics.ModeAsync }
