package api

import (
	"time"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

type TriggerRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	EventType   string             `json:"event_type"`
	ProjectID   *int64             `json:"project_id,omitempty"`
	Skills      []string           `json:"skills"`
	Filters     map[string]any     `json:"filters,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"` // default true
	RunAsync    *bool              `json:"run_async,omitempty"`
	AgentConfig domain.AgentConfig `json:"agent_config"`
}

type TriggerResponse struct {
	ID             int64              `json:"id"`
	OrganizationID int64              `json:"organization_id"`
	ProjectID      *int64             `json:"project_id"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	EventType      string             `json:"event_type"`
	Skills         []string           `json:"skills"`
	Filters        map[string]any     `json:"filters"`
	Enabled        bool               `json:"enabled"`
	RunAsync       bool               `json:"run_async"`
	AgentConfig    domain.AgentConfig `json:"agent_config"`
	CreatedAt      string             `json:"created_at"`
	UpdatedAt      string             `json:"updated_at"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
}

type EventTypeResponse struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// DispatchRequest is a manual documents_selected dispatch.
type DispatchRequest struct {
	DocumentIDs []int64        `json:"document_ids"`
	ProjectID   *int64         `json:"project_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// EventRequest is an inbound event from a producer.
type EventRequest struct {
	EventType  string         `json:"event_type"`
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id"`
	ProjectID  *int64         `json:"project_id,omitempty"`
	UserID     *int64         `json:"user_id,omitempty"`
	Data       map[string]any `json:"data"`
}

type RunResponse struct {
	ID                   int64                `json:"id"`
	RunID                string               `json:"run_id"`
	TriggerID            int64                `json:"trigger_id"`
	OrganizationID       int64                `json:"organization_id"`
	ProjectID            *int64               `json:"project_id"`
	Status               string               `json:"status"`
	SourceType           string               `json:"source_type"`
	SourceID             string               `json:"source_id"`
	Inputs               map[string]any       `json:"inputs"`
	Outputs              *domain.RunOutputs   `json:"outputs"`
	Error                string               `json:"error,omitempty"`
	Telemetry            map[string]any       `json:"telemetry,omitempty"`
	TaskID               string               `json:"task_id,omitempty"`
	RetryCount           int                  `json:"retry_count"`
	RetriedFromID        *int64               `json:"retried_from_id,omitempty"`
	ArtifactCollectionID *int64               `json:"artifact_collection_id,omitempty"`
	InputEnvelope        domain.InputEnvelope `json:"input_envelope"`
	CreatedAt            string               `json:"created_at"`
	StartedAt            *string              `json:"started_at"`
	CompletedAt          *string              `json:"completed_at"`
}

type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type DispatchResponse struct {
	Runs []RunResponse `json:"runs"`
}

type RetryResponse struct {
	Considered int           `json:"considered"`
	Retried    int           `json:"retried"`
	Runs       []RunResponse `json:"runs"`
}

type ScheduledEventRequest struct {
	TriggerID      int64          `json:"trigger_id"`
	Name           string         `json:"name"`
	ScheduleType   string         `json:"schedule_type"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	EventData      map[string]any `json:"event_data,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"` // default true
}

type ScheduledEventResponse struct {
	ID             int64          `json:"id"`
	OrganizationID int64          `json:"organization_id"`
	TriggerID      int64          `json:"trigger_id"`
	Name           string         `json:"name"`
	ScheduleType   string         `json:"schedule_type"`
	ScheduledAt    *string        `json:"scheduled_at"`
	CronExpression string         `json:"cron_expression,omitempty"`
	Timezone       string         `json:"timezone"`
	EventData      map[string]any `json:"event_data"`
	Enabled        bool           `json:"enabled"`
	Registered     bool           `json:"registered"`
	RunCount       int            `json:"run_count"`
	LastRunAt      *string        `json:"last_run_at"`
	NextRunAt      *string        `json:"next_run_at"`
	CreatedAt      string         `json:"created_at"`
}

type ListScheduledEventsResponse struct {
	ScheduledEvents []ScheduledEventResponse `json:"scheduled_events"`
}

type RegisterResponse struct {
	Registered bool                   `json:"registered"`
	Event      ScheduledEventResponse `json:"scheduled_event"`
}

type ExecuteResponse struct {
	Fired  bool         `json:"fired"`
	Reason string       `json:"reason,omitempty"`
	Error  string       `json:"error,omitempty"`
	Run    *RunResponse `json:"run,omitempty"`
}

type StatsResponse struct {
	TriggerID int64            `json:"trigger_id"`
	Window    string           `json:"window"`
	Outcomes  map[string]int64 `json:"outcomes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toTriggerResponse(t domain.Trigger) TriggerResponse {
	skills := t.Skills
	if skills == nil {
		skills = []string{}
	}
	filters := t.Filters
	if filters == nil {
		filters = map[string]any{}
	}
	return TriggerResponse{
		ID:             t.ID,
		OrganizationID: t.OrganizationID,
		ProjectID:      t.ProjectID,
		Name:           t.Name,
		Description:    t.Description,
		EventType:      string(t.EventType),
		Skills:         skills,
		Filters:        filters,
		Enabled:        t.Enabled,
		RunAsync:       t.RunAsync,
		AgentConfig:    t.AgentConfig,
		CreatedAt:      formatTime(t.CreatedAt),
		UpdatedAt:      formatTime(t.UpdatedAt),
	}
}

func toRunResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:                   r.ID,
		RunID:                r.RunID.String(),
		TriggerID:            r.TriggerID,
		OrganizationID:       r.OrganizationID,
		ProjectID:            r.ProjectID,
		Status:               string(r.Status),
		SourceType:           r.InputEnvelope.SourceType,
		SourceID:             r.InputEnvelope.SourceID,
		Inputs:               r.Inputs,
		Outputs:              r.Outputs,
		Error:                r.Error,
		Telemetry:            r.Telemetry,
		TaskID:               r.TaskID,
		RetryCount:           r.RetryCount,
		RetriedFromID:        r.RetriedFromID,
		ArtifactCollectionID: r.ArtifactCollectionID,
		InputEnvelope:        r.InputEnvelope,
		CreatedAt:            formatTime(r.CreatedAt),
		StartedAt:            formatTimePtr(r.StartedAt),
		CompletedAt:          formatTimePtr(r.CompletedAt),
	}
}

func toRunResponses(runs []domain.Run) []RunResponse {
	out := make([]RunResponse, len(runs))
	for i, r := range runs {
		out[i] = toRunResponse(r)
	}
	return out
}

func toScheduledEventResponse(se domain.ScheduledEvent) ScheduledEventResponse {
	data := se.EventData
	if data == nil {
		data = map[string]any{}
	}
	return ScheduledEventResponse{
		ID:             se.ID,
		OrganizationID: se.OrganizationID,
		TriggerID:      se.TriggerID,
		Name:           se.Name,
		ScheduleType:   string(se.ScheduleType),
		ScheduledAt:    formatTimePtr(se.ScheduledAt),
		CronExpression: se.CronExpression,
		Timezone:       se.Location(),
		EventData:      data,
		Enabled:        se.Enabled,
		Registered:     se.QueueScheduleID != "",
		RunCount:       se.RunCount,
		LastRunAt:      formatTimePtr(se.LastRunAt),
		NextRunAt:      formatTimePtr(se.NextRunAt),
		CreatedAt:      formatTime(se.CreatedAt),
	}
}
