package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// IsTerminal reports whether no further transition is allowed (except retry).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusSkipped:
		return true
	}
	return false
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusSkipped:
		return true
	}
	return false
}

// SkippedNoSkills is the error recorded on runs whose trigger has no skills.
const SkippedNoSkills = "No skills configured for trigger"

var (
	// ErrTerminalRun is returned when a transition would leave a terminal state.
	ErrTerminalRun = errors.New("run is in a terminal state")
	// ErrInvalidTransition is returned for out-of-order transitions.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// InputEnvelope records where a run's payload came from.
type InputEnvelope struct {
	TriggerType EventType      `json:"trigger_type"`
	SourceType  string         `json:"source_type"`
	SourceID    string         `json:"source_id"`
	Payload     map[string]any `json:"payload"`
}

// Artifact describes a file or document produced by the agent.
type Artifact struct {
	Type     string `json:"type"`
	Path     string `json:"path,omitempty"`
	Title    string `json:"title,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// RunOutputs is the structured result of a completed run.
type RunOutputs struct {
	Response             string     `json:"response"`
	SkillsUsed           []string   `json:"skills_used"`
	ToolsCalled          []string   `json:"tools_called"`
	Artifacts            []Artifact `json:"artifacts"`
	CreatedDocumentIDs   []int64    `json:"created_document_ids,omitempty"`
	ArtifactCollectionID *int64     `json:"artifact_collection_id,omitempty"`
}

// Run is one dispatch attempt of a trigger. It is the source of truth for
// execution state.
type Run struct {
	ID    int64     // internal
	RunID uuid.UUID // external, stable

	TriggerID      int64
	OrganizationID int64
	ProjectID      *int64

	Status        RunStatus
	Inputs        map[string]any
	InputEnvelope InputEnvelope
	Outputs       *RunOutputs
	Error         string
	Telemetry     map[string]any
	TaskID        string

	RetryCount    int
	RetriedFromID *int64

	ArtifactCollectionID *int64

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewRun builds a pending run for trigger t. The event payload is deep
// copied so later mutation by the caller does not leak into the record.
func NewRun(t Trigger, ev Event, now time.Time) Run {
	inputs := CloneData(ev.Data)
	return Run{
		RunID:          uuid.New(),
		TriggerID:      t.ID,
		OrganizationID: t.OrganizationID,
		ProjectID:      ev.ProjectID,
		Status:         RunStatusPending,
		Inputs:         inputs,
		InputEnvelope: InputEnvelope{
			TriggerType: ev.Type,
			SourceType:  ev.SourceType,
			SourceID:    ev.SourceID,
			Payload:     CloneData(ev.Data),
		},
		CreatedAt: now,
	}
}

// NewRetryRun builds a fresh pending run that re-executes r. The original
// row is left untouched.
func NewRetryRun(r Run, now time.Time) Run {
	from := r.ID
	return Run{
		RunID:          uuid.New(),
		TriggerID:      r.TriggerID,
		OrganizationID: r.OrganizationID,
		ProjectID:      r.ProjectID,
		Status:         RunStatusPending,
		Inputs:         CloneData(r.Inputs),
		InputEnvelope: InputEnvelope{
			TriggerType: r.InputEnvelope.TriggerType,
			SourceType:  r.InputEnvelope.SourceType,
			SourceID:    r.InputEnvelope.SourceID,
			Payload:     CloneData(r.InputEnvelope.Payload),
		},
		RetryCount:    r.RetryCount + 1,
		RetriedFromID: &from,
		CreatedAt:     now,
	}
}

func (r *Run) Start(now time.Time) error {
	if r.Status.IsTerminal() {
		return ErrTerminalRun
	}
	if r.Status != RunStatusPending {
		return ErrInvalidTransition
	}
	r.Status = RunStatusRunning
	r.StartedAt = &now
	return nil
}

func (r *Run) Complete(now time.Time, outputs RunOutputs, telemetry map[string]any) error {
	if err := r.finish(now); err != nil {
		return err
	}
	r.Status = RunStatusCompleted
	r.Outputs = &outputs
	r.Telemetry = telemetry
	r.ArtifactCollectionID = outputs.ArtifactCollectionID
	return nil
}

func (r *Run) Fail(now time.Time, msg string) error {
	if err := r.finish(now); err != nil {
		return err
	}
	r.Status = RunStatusFailed
	r.Error = msg
	return nil
}

func (r *Run) Skip(now time.Time, reason string) error {
	if err := r.finish(now); err != nil {
		return err
	}
	r.Status = RunStatusSkipped
	r.Error = reason
	return nil
}

func (r *Run) finish(now time.Time) error {
	if r.Status.IsTerminal() {
		return ErrTerminalRun
	}
	if r.Status != RunStatusRunning {
		return ErrInvalidTransition
	}
	r.CompletedAt = &now
	return nil
}

// ResetForRetry moves a failed run back to pending in place, clearing the
// failure and its timestamps.
func (r *Run) ResetForRetry() error {
	if r.Status != RunStatusFailed {
		return ErrInvalidTransition
	}
	r.Status = RunStatusPending
	r.Error = ""
	r.StartedAt = nil
	r.CompletedAt = nil
	r.TaskID = ""
	r.RetryCount++
	return nil
}

// CloneData deep copies a JSON-like payload. Values that do not survive a
// JSON round trip are copied shallowly.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err == nil {
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
