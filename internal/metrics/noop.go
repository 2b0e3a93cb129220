package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) RunDispatched(eventType, mode string)                          {}
func (n *NoopSink) DispatchError(eventType string)                                {}
func (n *NoopSink) EventsInFlightIncr()                                           {}
func (n *NoopSink) EventsInFlightDecr()                                           {}
func (n *NoopSink) RunFinished(status string, duration time.Duration)             {}
func (n *NoopSink) AgentCallCompleted(statusClass string, duration time.Duration) {}
func (n *NoopSink) TickStarted()                                                  {}
func (n *NoopSink) TickCompleted(duration time.Duration, fired int, err error)    {}
func (n *NoopSink) ScheduleFired(scheduleType string, ok bool)                    {}
func (n *NoopSink) LeaseAttempt(acquired bool)                                    {}
func (n *NoopSink) RetriesRequeued(count int)                                     {}
func (n *NoopSink) QueueDepthUpdate(depth int)                                    {}
func (n *NoopSink) EnqueueError(kind string)                                      {}
func (n *NoopSink) OrphanedRunsUpdate(count int)                                  {}
