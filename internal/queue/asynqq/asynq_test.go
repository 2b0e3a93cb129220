package asynqq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
)

func TestNewTask_TypeAndPayload(t *testing.T) {
	task, err := NewTask(queue.RunTask(12, 0))
	require.NoError(t, err)
	assert.Equal(t, "trigger_run", task.Type())

	decoded, err := queue.Decode(queue.KindTriggerRun, task.Payload())
	require.NoError(t, err)
	assert.Equal(t, int64(12), decoded.RunID)
}

func TestEnqueueOptions(t *testing.T) {
	b := &Backend{cfg: Config{Queue: "triggers"}}
	opts := b.EnqueueOptions(queue.RunTask(3, 0), "trigger-run-3")

	got := map[asynq.OptionType]any{}
	for _, o := range opts {
		got[o.Type()] = o.Value()
	}
	assert.Equal(t, "triggers", got[asynq.QueueOpt])
	assert.Equal(t, 0, got[asynq.MaxRetryOpt])
	assert.Equal(t, 600*time.Second, got[asynq.TimeoutOpt])
	assert.Equal(t, "trigger-run-3", got[asynq.TaskIDOpt])
}

type handlerFunc struct {
	run func(int64) error
	se  func(int64) error
}

func (h handlerFunc) HandleRun(_ context.Context, id int64) error            { return h.run(id) }
func (h handlerFunc) HandleScheduledEvent(_ context.Context, id int64) error { return h.se(id) }

func TestNewMux_RoutesKinds(t *testing.T) {
	var ran, fired int64
	mux := NewMux(handlerFunc{
		run: func(id int64) error { ran = id; return nil },
		se:  func(id int64) error { fired = id; return errors.New("dispatch failed") },
	}, zap.NewNop())

	runTask, err := NewTask(queue.RunTask(5, 0))
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), runTask))
	assert.Equal(t, int64(5), ran)

	seTask, err := NewTask(queue.ScheduledEventTask(8))
	require.NoError(t, err)
	assert.EqualError(t, mux.ProcessTask(context.Background(), seTask), "dispatch failed")
	assert.Equal(t, int64(8), fired)
}

func TestNewMux_MalformedSkipsRetry(t *testing.T) {
	mux := NewMux(handlerFunc{}, zap.NewNop())
	err := mux.ProcessTask(context.Background(), asynq.NewTask("trigger_run", []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
