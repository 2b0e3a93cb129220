// Package riverq runs the task queue on Postgres through riverqueue/river.
package riverq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/cron"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
)

// TriggerRunArgs executes one run.
type TriggerRunArgs struct {
	RunID int64  `json:"run_id"`
	Name  string `json:"name"`
}

func (TriggerRunArgs) Kind() string { return string(queue.KindTriggerRun) }

// ScheduledEventArgs fires one scheduled event.
type ScheduledEventArgs struct {
	ScheduledEventID int64  `json:"scheduled_event_id"`
	Name             string `json:"name"`
}

func (ScheduledEventArgs) Kind() string { return string(queue.KindScheduledEvent) }

type runWorker struct {
	river.WorkerDefaults[TriggerRunArgs]
	handler queue.Handler
	timeout time.Duration
}

func (w *runWorker) Timeout(*river.Job[TriggerRunArgs]) time.Duration { return w.timeout }

func (w *runWorker) Work(ctx context.Context, job *river.Job[TriggerRunArgs]) error {
	return w.handler.HandleRun(ctx, job.Args.RunID)
}

type scheduledEventWorker struct {
	river.WorkerDefaults[ScheduledEventArgs]
	handler queue.Handler
}

func (w *scheduledEventWorker) Work(ctx context.Context, job *river.Job[ScheduledEventArgs]) error {
	return w.handler.HandleScheduledEvent(ctx, job.Args.ScheduledEventID)
}

// Config controls the river backend.
type Config struct {
	Workers int
	Timeout time.Duration
}

type Backend struct {
	client *river.Client[pgx.Tx]
	parser *cron.Parser
	log    *zap.Logger

	mu       sync.Mutex
	periodic map[string]rivertype.PeriodicJobHandle
}

var (
	_ queue.Client    = (*Backend)(nil)
	_ queue.Canceller = (*Backend)(nil)
)

// New builds a river client whose workers deliver to h.
func New(pool *pgxpool.Pool, h queue.Handler, cfg Config, log *zap.Logger) (*Backend, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = queue.DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &runWorker{handler: h, timeout: cfg.Timeout})
	river.AddWorker(workers, &scheduledEventWorker{handler: h})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers:      workers,
		JobTimeout:   queue.DefaultTimeout,
		ErrorHandler: &errorHandler{log: log},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return &Backend{
		client:   client,
		parser:   cron.NewParser(),
		log:      log,
		periodic: make(map[string]rivertype.PeriodicJobHandle),
	}, nil
}

// Migrate applies river's own schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate: %w", err)
	}
	return nil
}

// JobArgs maps t to its river args.
func JobArgs(t queue.Task) (river.JobArgs, error) {
	switch t.Kind {
	case queue.KindTriggerRun:
		return TriggerRunArgs{RunID: t.RunID, Name: t.Name}, nil
	case queue.KindScheduledEvent:
		return ScheduledEventArgs{ScheduledEventID: t.ScheduledEventID, Name: t.Name}, nil
	}
	return nil, fmt.Errorf("%w: %q", queue.ErrUnknownKind, t.Kind)
}

func (b *Backend) Enqueue(ctx context.Context, t queue.Task) (string, error) {
	return b.insert(ctx, t, &river.InsertOpts{MaxAttempts: 1})
}

func (b *Backend) EnqueueAt(ctx context.Context, t queue.Task, at time.Time) (string, error) {
	return b.insert(ctx, t, &river.InsertOpts{MaxAttempts: 1, ScheduledAt: at})
}

func (b *Backend) insert(ctx context.Context, t queue.Task, opts *river.InsertOpts) (string, error) {
	args, err := JobArgs(t)
	if err != nil {
		return "", err
	}
	res, err := b.client.Insert(ctx, args, opts)
	if err != nil {
		return "", fmt.Errorf("river insert %s: %w", t.Name, err)
	}
	return strconv.FormatInt(res.Job.ID, 10), nil
}

func (b *Backend) RegisterCron(ctx context.Context, name, expression, timezone string, t queue.Task) (string, error) {
	sched, err := b.parser.Parse(expression, timezone)
	if err != nil {
		return "", err
	}
	args, err := JobArgs(t)
	if err != nil {
		return "", err
	}
	if err := b.DeleteSchedule(ctx, name); err != nil {
		return "", err
	}

	handle := b.client.PeriodicJobs().Add(river.NewPeriodicJob(
		sched,
		func() (river.JobArgs, *river.InsertOpts) {
			return args, &river.InsertOpts{MaxAttempts: 1}
		},
		nil,
	))

	b.mu.Lock()
	b.periodic[name] = handle
	b.mu.Unlock()
	return fmt.Sprintf("%s#%d", name, handle), nil
}

func (b *Backend) DeleteSchedule(_ context.Context, name string) error {
	b.mu.Lock()
	handle, ok := b.periodic[name]
	delete(b.periodic, name)
	b.mu.Unlock()
	if ok {
		b.client.PeriodicJobs().Remove(handle)
	}
	return nil
}

func (b *Backend) Cancel(ctx context.Context, taskID string) error {
	id, err := strconv.ParseInt(taskID, 10, 64)
	if err != nil {
		return fmt.Errorf("river cancel: bad job id %q", taskID)
	}
	if _, err := b.client.JobCancel(ctx, id); err != nil {
		if errors.Is(err, rivertype.ErrNotFound) {
			return queue.ErrNotFound
		}
		return fmt.Errorf("river cancel %d: %w", id, err)
	}
	return nil
}

// Run starts river workers and blocks until ctx is cancelled.
func (b *Backend) Run(ctx context.Context) error {
	if err := b.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	b.log.Info("river: started")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.client.Stop(stopCtx); err != nil {
		b.log.Warn("river: stop error", zap.Error(err))
	}
	b.log.Info("river: stopped")
	return nil
}

type errorHandler struct {
	log *zap.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.log.Error("river: job error", zap.String("job_kind", job.Kind), zap.Int64("job_id", job.ID), zap.Error(err))
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.log.Error("river: job panic", zap.String("job_kind", job.Kind), zap.Any("panic", panicVal), zap.String("trace", trace))
	return nil
}
