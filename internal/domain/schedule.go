package domain

import (
	"strconv"
	"time"
)

type ScheduleType string

const (
	ScheduleTypeOneshot ScheduleType = "oneshot"
	ScheduleTypeCron    ScheduleType = "cron"
)

// EventType returns the event type dispatched when a schedule of this type fires.
func (s ScheduleType) EventType() EventType {
	if s == ScheduleTypeCron {
		return EventTypeScheduledCron
	}
	return EventTypeScheduledOneshot
}

// ScheduledEvent is a time-based firing of exactly one trigger.
type ScheduledEvent struct {
	ID             int64
	OrganizationID int64
	TriggerID      int64

	Name         string
	ScheduleType ScheduleType

	ScheduledAt    *time.Time // oneshot only
	CronExpression string     // cron only
	Timezone       string     // IANA, defaults to UTC

	EventData map[string]any
	Enabled   bool

	RunCount  int
	LastRunAt *time.Time
	NextRunAt *time.Time
	// ClaimedSlot is the slot of the latest scheduled firing attempt,
	// successful or not. Cleared on registration.
	ClaimedSlot *time.Time

	// QueueScheduleID references the task queue's own schedule entry.
	// Empty means not currently registered.
	QueueScheduleID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleName is the stable name of the queue-side schedule.
func (s ScheduledEvent) ScheduleName() string {
	return "scheduled_event_" + strconv.FormatInt(s.ID, 10)
}

func (s ScheduledEvent) Location() string {
	if s.Timezone == "" {
		return "UTC"
	}
	return s.Timezone
}

// FireData builds the payload dispatched when the event fires. Computed
// keys override static event data on collision.
func (s ScheduledEvent) FireData() map[string]any {
	data := CloneData(s.EventData)
	data["scheduled_event_id"] = s.ID
	data["scheduled_event_name"] = s.Name
	data["schedule_type"] = string(s.ScheduleType)
	data["run_count"] = s.RunCount + 1
	return data
}
