// Package memory is an in-process queue backend: a buffered channel
// drained by a worker pool, timers for delayed tasks and a robfig/cron
// registry for recurring schedules. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/cron"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
)

// DrainTimeout is the maximum time to wait for buffered tasks during shutdown.
const DrainTimeout = 30 * time.Second

// MetricsSink is the subset of metrics the queue reports.
type MetricsSink interface {
	QueueDepthUpdate(depth int)
	EnqueueError(kind string)
}

type envelope struct {
	id   string
	task queue.Task
}

type Queue struct {
	ch      chan envelope
	workers int
	handler queue.Handler
	log     *zap.Logger
	metrics MetricsSink

	cron *robfig.Cron

	mu      sync.Mutex
	timers  map[string]*time.Timer
	entries map[string]robfig.EntryID
}

var (
	_ queue.Client    = (*Queue)(nil)
	_ queue.Canceller = (*Queue)(nil)
)

func New(buffer, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		ch:      make(chan envelope, buffer),
		workers: workers,
		log:     zap.NewNop(),
		cron:    robfig.New(robfig.WithParser(robfig.NewParser(cron.Fields))),
		timers:  make(map[string]*time.Timer),
		entries: make(map[string]robfig.EntryID),
	}
}

// WithHandler sets the task handler. Must be called before Run.
func (q *Queue) WithHandler(h queue.Handler) *Queue {
	q.handler = h
	return q
}

func (q *Queue) WithLogger(log *zap.Logger) *Queue {
	q.log = log
	return q
}

func (q *Queue) WithMetrics(sink MetricsSink) *Queue {
	q.metrics = sink
	return q
}

// Enqueue blocks until the task is buffered or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, t queue.Task) (string, error) {
	id := uuid.NewString()
	if err := q.push(ctx, envelope{id: id, task: t}); err != nil {
		if q.metrics != nil {
			q.metrics.EnqueueError(string(t.Kind))
		}
		return "", err
	}
	return id, nil
}

func (q *Queue) push(ctx context.Context, env envelope) error {
	select {
	case q.ch <- env:
		if q.metrics != nil {
			q.metrics.QueueDepthUpdate(len(q.ch))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) EnqueueAt(ctx context.Context, t queue.Task, at time.Time) (string, error) {
	delay := time.Until(at)
	if delay <= 0 {
		return q.Enqueue(ctx, t)
	}
	id := uuid.NewString()

	q.mu.Lock()
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		q.mu.Unlock()
		if err := q.push(context.Background(), envelope{id: id, task: t}); err != nil {
			q.log.Error("queue: delayed push failed", zap.String("task", t.Name), zap.Error(err))
		}
	})
	q.mu.Unlock()
	return id, nil
}

func (q *Queue) Cancel(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	timer, ok := q.timers[taskID]
	if !ok {
		return queue.ErrNotFound
	}
	timer.Stop()
	delete(q.timers, taskID)
	return nil
}

func (q *Queue) RegisterCron(ctx context.Context, name, expression, timezone string, t queue.Task) (string, error) {
	if err := q.DeleteSchedule(ctx, name); err != nil {
		return "", err
	}
	entry, err := q.cron.AddFunc(cron.Spec(expression, timezone), func() {
		if _, err := q.Enqueue(context.Background(), t); err != nil {
			q.log.Error("queue: cron enqueue failed", zap.String("schedule", name), zap.Error(err))
		}
	})
	if err != nil {
		return "", fmt.Errorf("register cron %s: %w", name, err)
	}

	q.mu.Lock()
	q.entries[name] = entry
	q.mu.Unlock()
	return fmt.Sprintf("%s#%d", name, entry), nil
}

func (q *Queue) DeleteSchedule(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[name]; ok {
		q.cron.Remove(entry)
		delete(q.entries, name)
	}
	return nil
}

// Pending reports the number of buffered, delayed and recurring entries.
func (q *Queue) Pending() (buffered, delayed, schedules int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch), len(q.timers), len(q.entries)
}

// Run starts the cron registry and the worker pool, and blocks until ctx
// is cancelled. Buffered tasks are drained before it returns.
func (q *Queue) Run(ctx context.Context) error {
	if q.handler == nil {
		return fmt.Errorf("queue: no handler configured")
	}
	q.cron.Start()
	q.log.Info("queue: started", zap.Int("workers", q.workers), zap.Int("buffer", cap(q.ch)))

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()

	<-q.cron.Stop().Done()
	q.drain()
	q.log.Info("queue: stopped")
	return nil
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-q.ch:
			q.handle(context.WithoutCancel(ctx), env)
		}
	}
}

func (q *Queue) handle(ctx context.Context, env envelope) {
	if q.metrics != nil {
		q.metrics.QueueDepthUpdate(len(q.ch))
	}
	timeout := env.task.Timeout
	if timeout <= 0 {
		timeout = queue.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := queue.Deliver(taskCtx, q.handler, env.task); err != nil {
		q.log.Warn("queue: task failed",
			zap.String("task", env.task.Name),
			zap.String("task_id", env.id),
			zap.Error(err))
	}
}

// drain processes tasks still buffered after shutdown.
func (q *Queue) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			q.log.Warn("queue: drain timeout", zap.Int("processed", count))
			return
		case env := <-q.ch:
			q.handle(drainCtx, env)
			count++
		default:
			if count > 0 {
				q.log.Info("queue: drain complete", zap.Int("processed", count))
			}
			return
		}
	}
}
