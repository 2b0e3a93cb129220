// Package analytics keeps per-trigger run outcome counters in Redis,
// bucketed by time window.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

type RedisSink struct {
	client redis.UniversalClient
	config domain.AnalyticsConfig
}

func NewRedisSink(client redis.UniversalClient, config domain.AnalyticsConfig) *RedisSink {
	return &RedisSink{client: client, config: config}
}

// RecordOutcome counts one terminal run in the bucket of its completion time.
func (s *RedisSink) RecordOutcome(ctx context.Context, run domain.Run) error {
	if !s.config.Enabled || !run.Status.IsTerminal() {
		return nil
	}
	at := run.CreatedAt
	if run.CompletedAt != nil {
		at = *run.CompletedAt
	}

	key := buildKey(run.OrganizationID, run.TriggerID, run.Status, at, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Outcomes returns the counters of the bucket containing at, by status.
func (s *RedisSink) Outcomes(ctx context.Context, orgID, triggerID int64, at time.Time) (map[domain.RunStatus]int64, error) {
	statuses := []domain.RunStatus{domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusSkipped}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(statuses))
	for i, st := range statuses {
		cmds[i] = pipe.Get(ctx, buildKey(orgID, triggerID, st, at, s.config.Window))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	out := make(map[domain.RunStatus]int64, len(statuses))
	for i, st := range statuses {
		n, err := cmds[i].Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read %s: %w", st, err)
		}
		out[st] = n
	}
	return out, nil
}

func buildKey(orgID, triggerID int64, status domain.RunStatus, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("o:%d:t:%d:%s:%s", orgID, triggerID, status, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
