package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/unbracketed/zoea-collab-sub000/internal/circuitbreaker"
)

// Sink records engine metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Dispatcher
	RunDispatched(eventType, mode string)
	DispatchError(eventType string)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// Executor
	RunFinished(status string, duration time.Duration)
	AgentCallCompleted(statusClass string, duration time.Duration)

	// Scheduler
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	ScheduleFired(scheduleType string, ok bool)
	LeaseAttempt(acquired bool)

	// Retry controller
	RetriesRequeued(count int)

	// Queue
	QueueDepthUpdate(depth int)
	EnqueueError(kind string)

	// Reconciler
	OrphanedRunsUpdate(count int)
}

// Dispatch modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// StatusClass constants for AgentCallCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassCircuitOpen     = "circuit_open"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps an agent call result to a bounded status class.
// A non-nil err wins over statusCode.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		return classifyError(err)
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

func classifyError(err error) string {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return StatusClassCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return StatusClassConnectionError
	}

	// Errors that lost their type crossing a process boundary.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return StatusClassTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"):
		return StatusClassConnectionError
	}
	return StatusClassOtherError
}
