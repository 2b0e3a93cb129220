package riverq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
)

func TestJobArgs(t *testing.T) {
	args, err := JobArgs(queue.RunTask(9, 0))
	require.NoError(t, err)
	assert.Equal(t, TriggerRunArgs{RunID: 9, Name: "trigger-run-9"}, args)
	assert.Equal(t, "trigger_run", args.Kind())

	args, err = JobArgs(queue.ScheduledEventTask(4))
	require.NoError(t, err)
	assert.Equal(t, "scheduled_event", args.Kind())

	_, err = JobArgs(queue.Task{Kind: "nope"})
	assert.ErrorIs(t, err, queue.ErrUnknownKind)
}
