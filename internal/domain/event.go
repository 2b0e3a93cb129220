package domain

// Event is what producers hand to the dispatcher.
type Event struct {
	Type       EventType
	SourceType string
	SourceID   string
	Data       map[string]any

	OrganizationID int64
	ProjectID      *int64
	UserID         *int64
}

// Source types used by the engine itself.
const (
	SourceTypeScheduledEvent = "scheduled_event"
	SourceTypeManual         = "manual"
	SourceTypeEmailThread    = "email_thread"
	SourceTypeDocument       = "document"
)
