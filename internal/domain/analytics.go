package domain

import "time"

// AnalyticsConfig controls per-trigger run outcome counters.
type AnalyticsConfig struct {
	Enabled   bool
	Window    time.Duration // 1m, 5m, 1h
	Retention time.Duration // TTL, must be >= Window
}

// DefaultAnalyticsConfig buckets hourly and keeps a week of history.
func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		Enabled:   true,
		Window:    time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}
