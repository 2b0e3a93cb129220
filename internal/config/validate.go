package config

import (
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	for _, d := range cfg.durations() {
		if *d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			add(d.key, "invalid duration: %v", err)
		} else if parsed <= 0 {
			add(d.key, "must be positive")
		}
	}

	switch cfg.QueueBackend {
	case QueueMemory:
	case QueueAsynq:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when QUEUE_BACKEND=asynq")
		}
	case QueueRiver:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when QUEUE_BACKEND=river")
		}
	default:
		add("QUEUE_BACKEND", "must be 'memory', 'asynq' or 'river', got %q", cfg.QueueBackend)
	}

	switch cfg.LeaseBackend {
	case LeaseNoop:
	case LeasePostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when LEASE_BACKEND=postgres")
		}
	case LeaseRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when LEASE_BACKEND=redis")
		}
	default:
		add("LEASE_BACKEND", "must be 'noop', 'postgres' or 'redis', got %q", cfg.LeaseBackend)
	}

	if cfg.RetryMode != "new_run" && cfg.RetryMode != "in_place" {
		add("RETRY_MODE", "must be 'new_run' or 'in_place', got %q", cfg.RetryMode)
	}
	if cfg.RetryBatchSize <= 0 {
		add("RETRY_BATCH_SIZE", "must be positive")
	}
	if cfg.QueueWorkers <= 0 {
		add("QUEUE_WORKERS", "must be positive")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	if cfg.AgentURL != "" {
		u, err := url.Parse(cfg.AgentURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("AGENT_URL", "must be an http or https URL")
		}
	}

	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		add("REDIS_ADDR", "required when ANALYTICS_ENABLED=true")
	}

	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		add("LOG_LEVEL", "invalid level %q", cfg.LogLevel)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Warnings lists settings that are valid but risky.
func Warnings(cfg Config) []string {
	var w []string
	if cfg.DatabaseURL == "" {
		w = append(w, "DATABASE_URL not set: using the in-memory store, all state is lost on restart")
	}
	if cfg.AgentURL == "" {
		w = append(w, "AGENT_URL not set: runs with skills will fail")
	}
	if cfg.QueueBackend == QueueMemory {
		w = append(w, "QUEUE_BACKEND=memory: queued runs and one-shot timers are lost on restart; cron schedules are re-registered on start")
		if !cfg.SchedulerPollEnabled {
			w = append(w, "QUEUE_BACKEND=memory with SCHEDULER_POLL_ENABLED=false: one-shot events pending at a restart will not fire")
		}
	}
	if !cfg.ReconcileEnabled {
		w = append(w, "RECONCILE_ENABLED=false: async runs lost before enqueue stay pending forever")
	}
	if cfg.SchedulerPollEnabled && cfg.LeaseBackend == LeaseNoop {
		w = append(w, "LEASE_BACKEND=noop: every replica scans for due events on each poll tick")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		w = append(w, "CIRCUIT_BREAKER_THRESHOLD=0: circuit breaker disabled")
	}
	return w
}
