// Package asynqq runs the task queue on Redis through hibiken/asynq.
// One-off and delayed tasks go through the client, recurring schedules
// through an asynq.Scheduler, and cancellation through the inspector.
package asynqq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/cron"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
)

// Config controls the asynq backend.
type Config struct {
	Queue       string
	Concurrency int
}

type Backend struct {
	cfg       Config
	redis     asynq.RedisConnOpt
	client    *asynq.Client
	scheduler *asynq.Scheduler
	inspector *asynq.Inspector
	log       *zap.Logger

	mu      sync.Mutex
	entries map[string]string // schedule name -> scheduler entry id
}

var (
	_ queue.Client    = (*Backend)(nil)
	_ queue.Canceller = (*Backend)(nil)
)

func New(redis asynq.RedisConnOpt, cfg Config, log *zap.Logger) *Backend {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		cfg:       cfg,
		redis:     redis,
		client:    asynq.NewClient(redis),
		scheduler: asynq.NewScheduler(redis, &asynq.SchedulerOpts{Location: time.UTC}),
		inspector: asynq.NewInspector(redis),
		log:       log,
		entries:   make(map[string]string),
	}
}

// NewTask builds the asynq task for t.
func NewTask(t queue.Task) (*asynq.Task, error) {
	body, err := t.Encode()
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(string(t.Kind), body), nil
}

// EnqueueOptions are the options used for every one-off task. Runs are
// never retried by the queue; retries go through the retry controller.
func (b *Backend) EnqueueOptions(t queue.Task, taskID string) []asynq.Option {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = queue.DefaultTimeout
	}
	return []asynq.Option{
		asynq.Queue(b.cfg.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.TaskID(taskID),
	}
}

func (b *Backend) Enqueue(ctx context.Context, t queue.Task) (string, error) {
	return b.enqueue(ctx, t)
}

func (b *Backend) EnqueueAt(ctx context.Context, t queue.Task, at time.Time) (string, error) {
	return b.enqueue(ctx, t, asynq.ProcessAt(at))
}

func (b *Backend) enqueue(ctx context.Context, t queue.Task, extra ...asynq.Option) (string, error) {
	task, err := NewTask(t)
	if err != nil {
		return "", err
	}

	info, err := b.client.EnqueueContext(ctx, task, append(b.EnqueueOptions(t, t.Name), extra...)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// A previous task for the same run is still retained (archived or
		// pending). Fall back to a unique id.
		id := t.Name + "-" + uuid.NewString()[:8]
		info, err = b.client.EnqueueContext(ctx, task, append(b.EnqueueOptions(t, id), extra...)...)
	}
	if err != nil {
		return "", fmt.Errorf("asynq enqueue %s: %w", t.Name, err)
	}
	return info.ID, nil
}

func (b *Backend) RegisterCron(ctx context.Context, name, expression, timezone string, t queue.Task) (string, error) {
	if err := b.DeleteSchedule(ctx, name); err != nil {
		return "", err
	}
	task, err := NewTask(t)
	if err != nil {
		return "", err
	}

	entryID, err := b.scheduler.Register(cron.Spec(expression, timezone), task,
		asynq.Queue(b.cfg.Queue), asynq.MaxRetry(0), asynq.Timeout(queue.DefaultTimeout))
	if err != nil {
		return "", fmt.Errorf("asynq register %s: %w", name, err)
	}

	b.mu.Lock()
	b.entries[name] = entryID
	b.mu.Unlock()
	b.log.Info("asynq: registered schedule", zap.String("name", name), zap.String("entry_id", entryID))
	return entryID, nil
}

func (b *Backend) DeleteSchedule(_ context.Context, name string) error {
	b.mu.Lock()
	entryID, ok := b.entries[name]
	delete(b.entries, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.scheduler.Unregister(entryID); err != nil {
		b.log.Warn("asynq: unregister failed", zap.String("name", name), zap.Error(err))
	}
	return nil
}

func (b *Backend) Cancel(_ context.Context, taskID string) error {
	err := b.inspector.DeleteTask(b.cfg.Queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return queue.ErrNotFound
	}
	return err
}

// NewMux routes asynq task types to h.
func NewMux(h queue.Handler, log *zap.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, kind := range []queue.Kind{queue.KindTriggerRun, queue.KindScheduledEvent} {
		kind := kind
		mux.HandleFunc(string(kind), func(ctx context.Context, at *asynq.Task) error {
			t, err := queue.Decode(kind, at.Payload())
			if err != nil {
				log.Error("asynq: dropping malformed task", zap.String("type", at.Type()), zap.Error(err))
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return queue.Deliver(ctx, h, t)
		})
	}
	return mux
}

// Run starts the scheduler and a worker server, and blocks until ctx is
// cancelled.
func (b *Backend) Run(ctx context.Context, h queue.Handler) error {
	if err := b.scheduler.Start(); err != nil {
		return fmt.Errorf("asynq scheduler: %w", err)
	}

	srv := asynq.NewServer(b.redis, asynq.Config{
		Concurrency: b.cfg.Concurrency,
		Queues:      map[string]int{b.cfg.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			b.log.Error("asynq: task failed", zap.String("task_type", task.Type()), zap.Error(err))
		}),
	})
	if err := srv.Start(NewMux(h, b.log)); err != nil {
		b.scheduler.Shutdown()
		return fmt.Errorf("asynq server: %w", err)
	}
	b.log.Info("asynq: started", zap.String("queue", b.cfg.Queue), zap.Int("concurrency", b.cfg.Concurrency))

	<-ctx.Done()
	srv.Shutdown()
	b.scheduler.Shutdown()
	b.log.Info("asynq: stopped")
	return nil
}

func (b *Backend) Close() error {
	if err := b.inspector.Close(); err != nil {
		b.log.Warn("asynq: inspector close", zap.Error(err))
	}
	return b.client.Close()
}
