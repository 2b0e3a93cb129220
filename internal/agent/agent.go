// Package agent defines the contract of the skill-executing agent that
// does the actual work of a trigger run.
package agent

import (
	"context"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/harness"
)

// Response is what one agent invocation produces.
type Response struct {
	Response    string            `json:"response"`
	SkillsUsed  []string          `json:"skills_used"`
	ToolsCalled []string          `json:"tools_called"`
	Artifacts   []domain.Artifact `json:"artifacts"`
	Telemetry   map[string]any    `json:"telemetry"`
	AuditLog    *harness.AuditLog `json:"audit_log,omitempty"`
}

// SkillAgent processes one event. A call blocks for the full duration of
// the agent's work, which may span several sequential steps.
type SkillAgent interface {
	Process(ctx context.Context, eventType domain.EventType, data, runContext map[string]any) (*Response, error)
}

// Config describes the agent built for one run.
type Config struct {
	Skills       []string
	MaxSteps     int
	Instructions string
	Extra        map[string]any
	// Harness is nil when the trigger opted out of governance.
	Harness *harness.Harness
}

// Factory builds an agent per run.
type Factory interface {
	New(cfg Config) (SkillAgent, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg Config) (SkillAgent, error)

func (f FactoryFunc) New(cfg Config) (SkillAgent, error) { return f(cfg) }

// Func adapts a function to SkillAgent.
type Func func(ctx context.Context, eventType domain.EventType, data, runContext map[string]any) (*Response, error)

func (f Func) Process(ctx context.Context, eventType domain.EventType, data, runContext map[string]any) (*Response, error) {
	return f(ctx, eventType, data, runContext)
}
