package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	s := NewNoopSink()

	s.RunDispatched("email_received", ModeSync)
	s.DispatchError("email_received")
	s.EventsInFlightIncr()
	s.EventsInFlightDecr()
	s.RunFinished("completed", time.Second)
	s.AgentCallCompleted(StatusClass2xx, time.Second)
	s.TickStarted()
	s.TickCompleted(10*time.Millisecond, 3, errors.New("x"))
	s.ScheduleFired("cron", true)
	s.LeaseAttempt(false)
	s.RetriesRequeued(4)
	s.QueueDepthUpdate(2)
	s.EnqueueError("trigger_run")
	s.OrphanedRunsUpdate(1)
}

var _ Sink = (*NoopSink)(nil)
