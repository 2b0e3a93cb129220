// Package executor drives one trigger run from pending to a terminal state
// by invoking the skill agent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/agent"
	"github.com/unbracketed/zoea-collab-sub000/internal/artifacts"
	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/harness"
	"github.com/unbracketed/zoea-collab-sub000/internal/metrics"
)

type Store interface {
	GetRun(ctx context.Context, id int64) (domain.Run, error)
	GetTrigger(ctx context.Context, id int64) (domain.Trigger, error)
	// MarkRunRunning moves a pending run to running. It returns
	// domain.ErrStatusTransitionDenied when the run is no longer pending.
	MarkRunRunning(ctx context.Context, id int64, startedAt time.Time) error
	// FinishRun persists a terminal run. It returns
	// domain.ErrStatusTransitionDenied unless the stored run is running.
	FinishRun(ctx context.Context, run domain.Run) error
}

// MetricsSink defines the interface for recording executor metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	RunFinished(status string, duration time.Duration)
	AgentCallCompleted(statusClass string, duration time.Duration)
}

// OutcomeRecorder counts terminal runs per trigger.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, run domain.Run) error
}

type Executor struct {
	store     Store
	agents    agent.Factory
	documents artifacts.DocumentsSink
	log       *zap.Logger
	metrics   MetricsSink
	outcomes  OutcomeRecorder
	clock     func() time.Time
}

func New(store Store, agents agent.Factory) *Executor {
	return &Executor{
		store:  store,
		agents: agents,
		log:    zap.NewNop(),
		clock:  time.Now,
	}
}

func (e *Executor) WithLogger(log *zap.Logger) *Executor {
	e.log = log
	return e
}

// WithDocumentsSink attaches the sink notified of documents created by a run.
func (e *Executor) WithDocumentsSink(sink artifacts.DocumentsSink) *Executor {
	e.documents = sink
	return e
}

// WithMetrics attaches a metrics sink to the executor.
func (e *Executor) WithMetrics(sink MetricsSink) *Executor {
	e.metrics = sink
	return e
}

func (e *Executor) WithOutcomes(rec OutcomeRecorder) *Executor {
	e.outcomes = rec
	return e
}

func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Execute loads run runID and executes it. Runs that are not pending are
// left untouched, which makes redelivered tasks harmless. Agent failures
// are recorded on the run and returned.
func (e *Executor) Execute(ctx context.Context, runID int64) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", runID, err)
	}
	log := e.log.With(zap.Int64("run_id", run.ID), zap.String("run_uuid", run.RunID.String()), zap.Int64("trigger_id", run.TriggerID))

	if run.Status != domain.RunStatusPending {
		log.Info("executor: run already handled", zap.String("status", string(run.Status)))
		return nil
	}

	trig, trigErr := e.store.GetTrigger(ctx, run.TriggerID)

	started := e.clock().UTC()
	if err := run.Start(started); err != nil {
		return fmt.Errorf("start run %d: %w", run.ID, err)
	}
	if err := e.store.MarkRunRunning(ctx, run.ID, started); err != nil {
		if errors.Is(err, domain.ErrStatusTransitionDenied) {
			log.Info("executor: run claimed by another worker")
			return nil
		}
		return fmt.Errorf("mark run %d running: %w", run.ID, err)
	}

	if trigErr != nil {
		err := fmt.Errorf("load trigger %d: %w", run.TriggerID, trigErr)
		e.finish(ctx, log, run, started, func(r *domain.Run, now time.Time) error { return r.Fail(now, err.Error()) })
		return err
	}

	if len(trig.Skills) == 0 {
		log.Info("executor: trigger has no skills, skipping")
		return e.finish(ctx, log, run, started, func(r *domain.Run, now time.Time) error {
			return r.Skip(now, domain.SkippedNoSkills)
		})
	}

	outputs, telemetry, err := e.process(ctx, log, trig, run)
	if err != nil {
		log.Error("executor: run failed", zap.Error(err))
		e.finish(ctx, log, run, started, func(r *domain.Run, now time.Time) error { return r.Fail(now, err.Error()) })
		return err
	}

	return e.finish(ctx, log, run, started, func(r *domain.Run, now time.Time) error {
		return r.Complete(now, outputs, telemetry)
	})
}

func (e *Executor) process(ctx context.Context, log *zap.Logger, trig domain.Trigger, run domain.Run) (domain.RunOutputs, map[string]any, error) {
	cfg := trig.AgentConfig

	var h *harness.Harness
	if cfg.HarnessEnabled() {
		h = harness.New(harness.Config{
			AllowedDomains:     cfg.AllowedDomains,
			MaxDocumentsPerRun: cfg.DocumentBudget(),
			RateLimitPerDomain: cfg.DomainRateLimit(),
		})
	}

	ag, err := e.agents.New(agent.Config{
		Skills:       trig.Skills,
		MaxSteps:     cfg.StepBudget(),
		Instructions: cfg.Instructions,
		Extra:        cfg.Extra,
		Harness:      h,
	})
	if err != nil {
		return domain.RunOutputs{}, nil, fmt.Errorf("build agent: %w", err)
	}

	eventType := run.InputEnvelope.TriggerType
	if eventType == "" {
		eventType = trig.EventType
	}

	callStart := e.clock()
	resp, err := ag.Process(ctx, eventType, domain.CloneData(run.Inputs), runContext(trig, run))
	if e.metrics != nil {
		e.metrics.AgentCallCompleted(agentStatusClass(err), e.clock().Sub(callStart))
	}
	if err != nil {
		return domain.RunOutputs{}, nil, fmt.Errorf("agent: %w", err)
	}
	if resp == nil {
		resp = &agent.Response{}
	}

	var audit *harness.AuditLog
	switch {
	case h != nil:
		if resp.AuditLog != nil {
			h.Absorb(resp.AuditLog.Entries)
		}
		l := h.AuditLog()
		audit = &l
	case resp.AuditLog != nil:
		audit = resp.AuditLog
	}

	outputs := domain.RunOutputs{
		Response:    resp.Response,
		SkillsUsed:  resp.SkillsUsed,
		ToolsCalled: resp.ToolsCalled,
		Artifacts:   resp.Artifacts,
	}

	telemetry := make(map[string]any, len(resp.Telemetry)+1)
	maps.Copy(telemetry, resp.Telemetry)

	if audit != nil {
		telemetry["audit_log"] = audit.Map()
		if ids := audit.CreatedDocumentIDs(); len(ids) > 0 {
			outputs.CreatedDocumentIDs = ids
			if e.documents != nil {
				outputs.ArtifactCollectionID = e.documents.OnDocumentsCreated(ctx, run, ids)
			}
			log.Info("executor: run created documents", zap.Int("documents", len(ids)))
		}
	}

	return outputs, telemetry, nil
}

// finish applies the terminal transition and persists it.
func (e *Executor) finish(ctx context.Context, log *zap.Logger, run domain.Run, started time.Time, transition func(*domain.Run, time.Time) error) error {
	now := e.clock().UTC()
	if err := transition(&run, now); err != nil {
		return fmt.Errorf("finish run %d: %w", run.ID, err)
	}
	if err := e.store.FinishRun(ctx, run); err != nil {
		log.Error("executor: failed to persist run outcome", zap.String("status", string(run.Status)), zap.Error(err))
		return fmt.Errorf("persist run %d: %w", run.ID, err)
	}

	if e.metrics != nil {
		e.metrics.RunFinished(string(run.Status), now.Sub(started))
	}
	if e.outcomes != nil {
		if err := e.outcomes.RecordOutcome(ctx, run); err != nil {
			log.Warn("executor: analytics write failed", zap.Error(err))
		}
	}
	log.Info("executor: run finished", zap.String("status", string(run.Status)), zap.Duration("duration", now.Sub(started)))
	return nil
}

func runContext(trig domain.Trigger, run domain.Run) map[string]any {
	c := map[string]any{
		"run_id":          run.RunID.String(),
		"trigger_id":      trig.ID,
		"trigger_name":    trig.Name,
		"organization_id": run.OrganizationID,
		"source_type":     run.InputEnvelope.SourceType,
		"source_id":       run.InputEnvelope.SourceID,
	}
	if run.ProjectID != nil {
		c["project_id"] = *run.ProjectID
	}
	return c
}

func agentStatusClass(err error) string {
	if err == nil {
		return metrics.StatusClass2xx
	}
	var se interface{ HTTPStatus() int }
	if errors.As(err, &se) {
		return metrics.ClassifyStatus(se.HTTPStatus(), nil)
	}
	return metrics.ClassifyStatus(0, err)
}
