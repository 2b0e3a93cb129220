package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies the kind of event a trigger reacts to.
type EventType string

const (
	EventTypeEmailReceived     EventType = "email_received"
	EventTypeDocumentCreated   EventType = "document_created"
	EventTypeDocumentUpdated   EventType = "document_updated"
	EventTypeDocumentsSelected EventType = "documents_selected"
	EventTypeScheduledCron     EventType = "scheduled_cron"
	EventTypeScheduledOneshot  EventType = "scheduled_oneshot"
)

var ErrUnknownEventType = errors.New("unknown event type")

var eventTypeLabels = []struct {
	typ   EventType
	label string
}{
	{EventTypeEmailReceived, "Email Received"},
	{EventTypeDocumentCreated, "Document Created"},
	{EventTypeDocumentUpdated, "Document Updated"},
	{EventTypeDocumentsSelected, "Documents Selected"},
	{EventTypeScheduledCron, "Scheduled (Cron)"},
	{EventTypeScheduledOneshot, "Scheduled (One-shot)"},
}

// EventTypeInfo pairs an event type with its display label.
type EventTypeInfo struct {
	Type  EventType
	Label string
}

// EventTypes returns every known event type in declaration order.
func EventTypes() []EventTypeInfo {
	out := make([]EventTypeInfo, len(eventTypeLabels))
	for i, e := range eventTypeLabels {
		out[i] = EventTypeInfo{Type: e.typ, Label: e.label}
	}
	return out
}

// ParseEventType normalizes s to its canonical form. Both "EMAIL_RECEIVED"
// and "email_received" are accepted.
func ParseEventType(s string) (EventType, error) {
	norm := EventType(strings.ToLower(strings.TrimSpace(s)))
	for _, e := range eventTypeLabels {
		if e.typ == norm {
			return norm, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// Agent configuration defaults.
const (
	DefaultMaxSteps           = 10
	DefaultMaxDocumentsPerRun = 20
	DefaultRateLimitPerDomain = 30 // requests per minute
)

// AgentConfig is the free-form agent configuration stored on a trigger.
type AgentConfig struct {
	MaxSteps           int            `json:"max_steps,omitempty"`
	Instructions       string         `json:"instructions,omitempty"`
	UseHarness         *bool          `json:"use_harness,omitempty"`
	AllowedDomains     []string       `json:"allowed_domains,omitempty"`
	MaxDocumentsPerRun int            `json:"max_documents_per_run,omitempty"`
	RateLimitPerDomain int            `json:"rate_limit_per_domain,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// HarnessEnabled reports whether the execution harness should wrap the agent.
// Unset means enabled.
func (c AgentConfig) HarnessEnabled() bool {
	return c.UseHarness == nil || *c.UseHarness
}

func (c AgentConfig) StepBudget() int {
	if c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return DefaultMaxSteps
}

func (c AgentConfig) DocumentBudget() int {
	if c.MaxDocumentsPerRun > 0 {
		return c.MaxDocumentsPerRun
	}
	return DefaultMaxDocumentsPerRun
}

func (c AgentConfig) DomainRateLimit() int {
	if c.RateLimitPerDomain > 0 {
		return c.RateLimitPerDomain
	}
	return DefaultRateLimitPerDomain
}

// Trigger maps an event type, an optional project scope and a filter to the
// skills executed when a matching event arrives.
type Trigger struct {
	ID             int64
	OrganizationID int64
	ProjectID      *int64 // nil = organization-wide

	Name        string
	Description string
	EventType   EventType

	Skills  []string
	Filters map[string]any

	Enabled     bool
	RunAsync    bool
	AgentConfig AgentConfig

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppliesToProject reports whether the trigger's scope covers an event with
// the given project. Org-wide triggers cover everything, including events
// without a project; project-scoped triggers need an exact match.
func (t Trigger) AppliesToProject(projectID *int64) bool {
	if t.ProjectID == nil {
		return true
	}
	return projectID != nil && *projectID == *t.ProjectID
}

// Matches reports whether the trigger should fire for data.
func (t Trigger) Matches(data map[string]any) bool {
	return MatchAll(CompileFilters(t.Filters), data)
}
