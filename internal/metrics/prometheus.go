package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log *zap.Logger

	// Dispatcher
	runsDispatchedTotal *prometheus.CounterVec
	dispatchErrorsTotal *prometheus.CounterVec
	eventsInFlight      prometheus.Gauge

	// Executor
	runsFinishedTotal *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	agentCallsTotal   *prometheus.CounterVec
	agentCallDuration prometheus.Histogram

	// Scheduler
	ticksTotal          prometheus.Counter
	tickErrorsTotal     prometheus.Counter
	scheduleFiresTotal  *prometheus.CounterVec
	tickDuration        prometheus.Histogram
	leaseAttemptsTotal  *prometheus.CounterVec
	retriesRequeued     prometheus.Counter
	queueDepth          prometheus.Gauge
	enqueueErrorsTotal  *prometheus.CounterVec
	orphanedRunsPending prometheus.Gauge
}

// NewPrometheusSink creates a sink registered with reg. Metrics that fail
// to register still work; they are just not exported.
func NewPrometheusSink(reg prometheus.Registerer, log *zap.Logger) *PrometheusSink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &PrometheusSink{log: log}
	s.initDispatcherMetrics(reg)
	s.initExecutorMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initQueueMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.runsDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zoea_dispatcher_runs_dispatched_total",
		Help: "Total number of trigger runs created by dispatch.",
	}, []string{"event_type", "mode"})
	s.dispatchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zoea_dispatcher_errors_total",
		Help: "Total number of per-trigger dispatch failures.",
	}, []string{"event_type"})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zoea_dispatcher_events_in_flight",
		Help: "Number of events currently being dispatched.",
	})

	s.register(reg, s.runsDispatchedTotal, "zoea_dispatcher_runs_dispatched_total")
	s.register(reg, s.dispatchErrorsTotal, "zoea_dispatcher_errors_total")
	s.register(reg, s.eventsInFlight, "zoea_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initExecutorMetrics(reg prometheus.Registerer) {
	s.runsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zoea_executor_runs_finished_total",
		Help: "Total number of runs that reached a terminal status.",
	}, []string{"status"})
	s.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zoea_executor_run_duration_seconds",
		Help:    "Wall time from running to terminal status.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})
	s.agentCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zoea_executor_agent_calls_total",
		Help: "Total number of skill agent calls by status class.",
	}, []string{"status_class"})
	s.agentCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zoea_executor_agent_call_duration_seconds",
		Help:    "Skill agent call latency in seconds.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	s.register(reg, s.runsFinishedTotal, "zoea_executor_runs_finished_total")
	s.register(reg, s.runDuration, "zoea_executor_run_duration_seconds")
	s.register(reg, s.agentCallsTotal, "zoea_executor_agent_calls_total")
	s.register(reg, s.agentCallDuration, "zoea_executor_agent_call_duration_seconds")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zoea_scheduler_ticks_total",
		Help: "Total number of polling ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zoea_scheduler_tick_errors_total",
		Help: "Total number of polling tick errors.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zoea_scheduler_tick_duration_seconds",
		Help:    "Duration of each polling tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.scheduleFiresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zoea_scheduler_fires_total",
		Help: "Total number of scheduled event executions.",
	}, []string{"schedule_type", "ok"})
	s.leaseAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zoea_scheduler_lease_attempts_total",
		Help: "Polling lease acquisition attempts.",
	}, []string{"acquired"})
	s.retriesRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zoea_retry_runs_requeued_total",
		Help: "Total number of failed runs re-queued by the retry controller.",
	})

	s.register(reg, s.ticksTotal, "zoea_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "zoea_scheduler_tick_errors_total")
	s.register(reg, s.tickDuration, "zoea_scheduler_tick_duration_seconds")
	s.register(reg, s.scheduleFiresTotal, "zoea_scheduler_fires_total")
	s.register(reg, s.leaseAttemptsTotal, "zoea_scheduler_lease_attempts_total")
	s.register(reg, s.retriesRequeued, "zoea_retry_runs_requeued_total")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zoea_queue_depth",
		Help: "Tasks buffered in the in-process queue.",
	})
	s.enqueueErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zoea_queue_enqueue_errors_total",
		Help: "Total number of failed enqueues.",
	}, []string{"kind"})
	s.orphanedRunsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zoea_reconciler_orphaned_runs",
		Help: "Async pending runs without a task handle seen in the last cycle.",
	})

	s.register(reg, s.queueDepth, "zoea_queue_depth")
	s.register(reg, s.enqueueErrorsTotal, "zoea_queue_enqueue_errors_total")
	s.register(reg, s.orphanedRunsPending, "zoea_reconciler_orphaned_runs")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn("metrics: failed to register", zap.String("metric", name), zap.Error(err))
	}
}

func (s *PrometheusSink) RunDispatched(eventType, mode string) {
	s.runsDispatchedTotal.WithLabelValues(eventType, mode).Inc()
}

func (s *PrometheusSink) DispatchError(eventType string) {
	s.dispatchErrorsTotal.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() { s.eventsInFlight.Inc() }
func (s *PrometheusSink) EventsInFlightDecr() { s.eventsInFlight.Dec() }

func (s *PrometheusSink) RunFinished(status string, duration time.Duration) {
	s.runsFinishedTotal.WithLabelValues(status).Inc()
	s.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (s *PrometheusSink) AgentCallCompleted(statusClass string, duration time.Duration) {
	s.agentCallsTotal.WithLabelValues(statusClass).Inc()
	s.agentCallDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) TickStarted() { s.ticksTotal.Inc() }

func (s *PrometheusSink) TickCompleted(duration time.Duration, fired int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ScheduleFired(scheduleType string, ok bool) {
	s.scheduleFiresTotal.WithLabelValues(scheduleType, strconv.FormatBool(ok)).Inc()
}

func (s *PrometheusSink) LeaseAttempt(acquired bool) {
	s.leaseAttemptsTotal.WithLabelValues(strconv.FormatBool(acquired)).Inc()
}

func (s *PrometheusSink) RetriesRequeued(count int) {
	s.retriesRequeued.Add(float64(count))
}

func (s *PrometheusSink) QueueDepthUpdate(depth int) { s.queueDepth.Set(float64(depth)) }

func (s *PrometheusSink) EnqueueError(kind string) {
	s.enqueueErrorsTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) OrphanedRunsUpdate(count int) {
	s.orphanedRunsPending.Set(float64(count))
}
