package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unbracketed/zoea-collab-sub000/internal/cron"
	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

// Request limits.
const (
	maxNameLength          = 255
	maxSkills              = 50
	maxDispatchDocumentIDs = 500
)

var cronParser = cron.NewParser()

func validateTrigger(req TriggerRequest) (domain.EventType, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return "", errors.New("name is required")
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("name must be at most %d characters", maxNameLength)
	}

	eventType, err := domain.ParseEventType(req.EventType)
	if err != nil {
		return "", fmt.Errorf("invalid event_type: %q", req.EventType)
	}

	if len(req.Skills) > maxSkills {
		return "", fmt.Errorf("at most %d skills are allowed", maxSkills)
	}
	for _, s := range req.Skills {
		if strings.TrimSpace(s) == "" {
			return "", errors.New("skills must not contain empty names")
		}
	}

	if err := validateFilters(req.Filters); err != nil {
		return "", fmt.Errorf("invalid filters: %w", err)
	}

	if req.AgentConfig.MaxSteps < 0 {
		return "", errors.New("agent_config.max_steps must not be negative")
	}
	if req.AgentConfig.MaxDocumentsPerRun < 0 {
		return "", errors.New("agent_config.max_documents_per_run must not be negative")
	}
	if req.AgentConfig.RateLimitPerDomain < 0 {
		return "", errors.New("agent_config.rate_limit_per_domain must not be negative")
	}
	return eventType, nil
}

// validateFilters accepts scalar values and flat lists of scalars.
func validateFilters(filters map[string]any) error {
	for k, v := range filters {
		if k == "" {
			return errors.New("empty key")
		}
		switch val := v.(type) {
		case nil, string, bool, float64:
		case []any:
			for _, item := range val {
				if !isScalar(item) {
					return fmt.Errorf("key %q: list values must be scalars", k)
				}
			}
		default:
			return fmt.Errorf("key %q: unsupported value type %T", k, v)
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64:
		return true
	}
	return false
}

func validateDispatch(req DispatchRequest) error {
	if len(req.DocumentIDs) == 0 {
		return errors.New("document_ids is required")
	}
	if len(req.DocumentIDs) > maxDispatchDocumentIDs {
		return fmt.Errorf("at most %d document_ids are allowed", maxDispatchDocumentIDs)
	}
	for _, id := range req.DocumentIDs {
		if id <= 0 {
			return fmt.Errorf("invalid document id %d", id)
		}
	}
	return nil
}

// uniqueIDs drops duplicates, keeping first-seen order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func validateEvent(req EventRequest) (domain.EventType, error) {
	eventType, err := domain.ParseEventType(req.EventType)
	if err != nil {
		return "", fmt.Errorf("invalid event_type: %q", req.EventType)
	}
	switch eventType {
	case domain.EventTypeScheduledCron, domain.EventTypeScheduledOneshot:
		return "", errors.New("scheduled events are fired by the scheduler")
	}
	if req.SourceType == "" {
		return "", errors.New("source_type is required")
	}
	return eventType, nil
}

func validateScheduledEvent(req ScheduledEventRequest, now time.Time) (domain.ScheduleType, error) {
	if req.TriggerID <= 0 {
		return "", errors.New("trigger_id is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return "", errors.New("name is required")
	}
	if len(req.Name) > maxNameLength {
		return "", fmt.Errorf("name must be at most %d characters", maxNameLength)
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("invalid timezone: %w", err)
	}

	switch st := domain.ScheduleType(strings.ToLower(req.ScheduleType)); st {
	case domain.ScheduleTypeCron:
		if req.CronExpression == "" {
			return "", errors.New("cron_expression is required for cron schedules")
		}
		if err := cronParser.Validate(req.CronExpression, tz); err != nil {
			return "", fmt.Errorf("invalid cron_expression: %w", err)
		}
		return st, nil
	case domain.ScheduleTypeOneshot:
		if req.ScheduledAt == nil {
			return "", errors.New("scheduled_at is required for oneshot schedules")
		}
		if !req.ScheduledAt.After(now) {
			return "", errors.New("scheduled_at must be in the future")
		}
		return st, nil
	default:
		return "", fmt.Errorf("invalid schedule_type: %q", req.ScheduleType)
	}
}
