package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTask_Defaults(t *testing.T) {
	task := RunTask(42, 0)
	assert.Equal(t, KindTriggerRun, task.Kind)
	assert.Equal(t, "trigger-run-42", task.Name)
	assert.Equal(t, DefaultTimeout, task.Timeout)
}

func TestScheduledEventTask_Name(t *testing.T) {
	task := ScheduledEventTask(7)
	assert.Equal(t, "scheduled_event_7", task.Name)
	assert.Equal(t, int64(7), task.ScheduledEventID)
}

func TestDecode(t *testing.T) {
	body, err := RunTask(5, 0).Encode()
	require.NoError(t, err)

	got, err := Decode(KindTriggerRun, body)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.RunID)

	_, err = Decode(KindScheduledEvent, body)
	assert.Error(t, err, "scheduled event task needs an id")

	_, err = Decode("bogus", body)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode(KindTriggerRun, []byte("{"))
	assert.Error(t, err)
}

func TestDeliver_RoutesByKind(t *testing.T) {
	var gotRun, gotEvent int64
	h := Handlers{
		Run:            func(_ context.Context, id int64) error { gotRun = id; return nil },
		ScheduledEvent: func(_ context.Context, id int64) error { gotEvent = id; return errors.New("boom") },
	}

	require.NoError(t, Deliver(context.Background(), h, RunTask(3, 0)))
	assert.Equal(t, int64(3), gotRun)

	assert.EqualError(t, Deliver(context.Background(), h, ScheduledEventTask(9)), "boom")
	assert.Equal(t, int64(9), gotEvent)

	assert.ErrorIs(t, Deliver(context.Background(), h, Task{Kind: "x"}), ErrUnknownKind)
	assert.ErrorIs(t, Deliver(context.Background(), Handlers{}, RunTask(1, 0)), ErrUnknownKind)
}
