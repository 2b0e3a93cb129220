// Package postgres is the PostgreSQL store of the trigger engine.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/unbracketed/zoea-collab-sub000/internal/api"
	"github.com/unbracketed/zoea-collab-sub000/internal/artifacts"
	"github.com/unbracketed/zoea-collab-sub000/internal/dispatcher"
	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/executor"
	"github.com/unbracketed/zoea-collab-sub000/internal/reconciler"
	"github.com/unbracketed/zoea-collab-sub000/internal/retry"
	"github.com/unbracketed/zoea-collab-sub000/internal/scheduler"
	"github.com/unbracketed/zoea-collab-sub000/internal/store"
)

//go:embed schema.sql
var schema string

// Store implements every engine store interface using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Triggers

func (s *Store) ListEnabledTriggers(ctx context.Context, orgID int64, eventType domain.EventType, projectID *int64) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, queryListEnabledTriggers, orgID, string(eventType), projectID)
	if err != nil {
		return nil, err
	}
	return scanTriggers(rows)
}

func (s *Store) GetTrigger(ctx context.Context, id int64) (domain.Trigger, error) {
	return scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, id))
}

func (s *Store) GetOrgTrigger(ctx context.Context, orgID, id int64) (domain.Trigger, error) {
	return scanTrigger(s.db.QueryRowContext(ctx, queryGetOrgTrigger, id, orgID))
}

func (s *Store) ListTriggers(ctx context.Context, orgID int64, f store.TriggerFilter) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, queryListTriggers, orgID, string(f.EventType), f.ProjectID, f.Enabled)
	if err != nil {
		return nil, err
	}
	return scanTriggers(rows)
}

func (s *Store) CreateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	filters, agentCfg, err := triggerJSON(t)
	if err != nil {
		return domain.Trigger{}, err
	}
	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, queryInsertTrigger,
		t.OrganizationID,
		t.ProjectID,
		t.Name,
		t.Description,
		string(t.EventType),
		pq.Array(t.Skills),
		filters,
		t.Enabled,
		t.RunAsync,
		agentCfg,
		now,
	).Scan(&t.ID)
	if err != nil {
		return domain.Trigger{}, err
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return t, nil
}

func (s *Store) UpdateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	filters, agentCfg, err := triggerJSON(t)
	if err != nil {
		return domain.Trigger{}, err
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, queryUpdateTrigger,
		t.ID,
		t.OrganizationID,
		t.ProjectID,
		t.Name,
		t.Description,
		string(t.EventType),
		pq.Array(t.Skills),
		filters,
		t.Enabled,
		t.RunAsync,
		agentCfg,
		now,
	)
	if err != nil {
		return domain.Trigger{}, err
	}
	if err := expectOne(result); err != nil {
		return domain.Trigger{}, err
	}
	return s.GetTrigger(ctx, t.ID)
}

func (s *Store) DeleteTrigger(ctx context.Context, orgID, id int64) error {
	var deleted int64
	err := s.db.QueryRowContext(ctx, queryDeleteTrigger, id, orgID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// Runs

func (s *Store) CreateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	inputs, err := json.Marshal(orEmpty(run.Inputs))
	if err != nil {
		return domain.Run{}, fmt.Errorf("marshal inputs: %w", err)
	}
	envelope, err := json.Marshal(run.InputEnvelope)
	if err != nil {
		return domain.Run{}, fmt.Errorf("marshal envelope: %w", err)
	}
	if run.RunID == uuid.Nil {
		run.RunID = uuid.New()
	}
	err = s.db.QueryRowContext(ctx, queryInsertRun,
		run.RunID,
		run.TriggerID,
		run.OrganizationID,
		run.ProjectID,
		string(run.Status),
		inputs,
		envelope,
		run.TaskID,
		run.RetryCount,
		run.RetriedFromID,
		run.CreatedAt,
	).Scan(&run.ID)
	if err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, queryGetRun, id))
}

func (s *Store) GetRunByUUID(ctx context.Context, orgID int64, runID uuid.UUID) (domain.Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, queryGetRunByUUID, runID, orgID))
}

func (s *Store) ListRuns(ctx context.Context, orgID int64, f store.RunFilter) ([]domain.Run, error) {
	f = f.Normalize()
	rows, err := s.db.QueryContext(ctx, queryListRuns, orgID, f.TriggerID, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// SetRunTaskID stores the queue handle of a run that has not finished.
// Returns domain.ErrStatusTransitionDenied once the run is terminal.
func (s *Store) SetRunTaskID(ctx context.Context, id int64, taskID string) error {
	result, err := s.db.ExecContext(ctx, querySetRunTaskID, id, taskID)
	if err != nil {
		return err
	}
	return s.guarded(ctx, id, result)
}

// MarkRunRunning moves a pending run to running.
// Returns domain.ErrStatusTransitionDenied if the run already left pending.
func (s *Store) MarkRunRunning(ctx context.Context, id int64, startedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, queryMarkRunRunning, id, startedAt)
	if err != nil {
		return err
	}
	return s.guarded(ctx, id, result)
}

// FinishRun persists a terminal run. The guard in the WHERE clause makes
// the write atomic against concurrent executors.
func (s *Store) FinishRun(ctx context.Context, run domain.Run) error {
	if !run.Status.IsTerminal() {
		return fmt.Errorf("finish run %d: status %q is not terminal", run.ID, run.Status)
	}
	outputs, err := nullableJSON(run.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	var telemetry any
	if run.Telemetry != nil {
		if telemetry, err = nullableJSON(&run.Telemetry); err != nil {
			return fmt.Errorf("marshal telemetry: %w", err)
		}
	}
	result, err := s.db.ExecContext(ctx, queryFinishRun,
		run.ID,
		string(run.Status),
		outputs,
		run.Error,
		telemetry,
		run.CompletedAt,
		run.ArtifactCollectionID,
	)
	if err != nil {
		return err
	}
	return s.guarded(ctx, run.ID, result)
}

func (s *Store) ResetRun(ctx context.Context, run domain.Run) error {
	result, err := s.db.ExecContext(ctx, queryResetRun, run.ID, run.RetryCount)
	if err != nil {
		return err
	}
	return s.guarded(ctx, run.ID, result)
}

func (s *Store) ListRetryableRuns(ctx context.Context, maxRetries, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, queryListRetryableRuns, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// ListOrphanedRuns returns pending async runs that never got a task id and
// were created before olderThan, oldest first.
func (s *Store) ListOrphanedRuns(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, queryListOrphanedRuns, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// guarded maps a zero-row guarded UPDATE to ErrNotFound or
// ErrStatusTransitionDenied.
func (s *Store) guarded(ctx context.Context, id int64, result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	// Either: (a) run not found, or (b) already advanced.
	var status string
	err = s.db.QueryRowContext(ctx, queryGetRunStatus, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrStatusTransitionDenied
}

// Scheduled events

func (s *Store) GetScheduledEvent(ctx context.Context, id int64) (domain.ScheduledEvent, error) {
	return scanScheduledEvent(s.db.QueryRowContext(ctx, queryGetScheduledEvent, id))
}

func (s *Store) GetOrgScheduledEvent(ctx context.Context, orgID, id int64) (domain.ScheduledEvent, error) {
	return scanScheduledEvent(s.db.QueryRowContext(ctx, queryGetOrgScheduledEvent, id, orgID))
}

func (s *Store) ListScheduledEvents(ctx context.Context, orgID int64) ([]domain.ScheduledEvent, error) {
	rows, err := s.db.QueryContext(ctx, queryListScheduledEvents, orgID)
	if err != nil {
		return nil, err
	}
	return scanScheduledEvents(rows)
}

func (s *Store) CreateScheduledEvent(ctx context.Context, se domain.ScheduledEvent) (domain.ScheduledEvent, error) {
	data, err := json.Marshal(orEmpty(se.EventData))
	if err != nil {
		return domain.ScheduledEvent{}, fmt.Errorf("marshal event data: %w", err)
	}
	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, queryInsertScheduledEvent,
		se.OrganizationID,
		se.TriggerID,
		se.Name,
		string(se.ScheduleType),
		se.ScheduledAt,
		se.CronExpression,
		se.Location(),
		data,
		se.Enabled,
		now,
	).Scan(&se.ID)
	if err != nil {
		return domain.ScheduledEvent{}, err
	}
	se.Timezone = se.Location()
	se.CreatedAt, se.UpdatedAt = now, now
	return se, nil
}

func (s *Store) DeleteScheduledEvent(ctx context.Context, orgID, id int64) error {
	var deleted int64
	err := s.db.QueryRowContext(ctx, queryDeleteScheduledEvent, id, orgID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func (s *Store) RecordFiring(ctx context.Context, id int64, firedAt time.Time, nextRunAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, queryRecordFiring, id, firedAt, nextRunAt)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// ClaimFiring moves claimed_slot from prev to slot. It reports false when
// another firing got there first or the event was disabled.
func (s *Store) ClaimFiring(ctx context.Context, id int64, prev *time.Time, slot time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryClaimFiring, id, prev, slot)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) SetScheduleState(ctx context.Context, id int64, queueScheduleID string, nextRunAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, querySetScheduleState, id, queueScheduleID, nextRunAt)
	if err != nil {
		return err
	}
	return expectOne(result)
}

func (s *Store) ListDueScheduledEvents(ctx context.Context, now time.Time) ([]domain.ScheduledEvent, error) {
	rows, err := s.db.QueryContext(ctx, queryListDueScheduledEvents, now)
	if err != nil {
		return nil, err
	}
	return scanScheduledEvents(rows)
}

func (s *Store) ListRegisteredCronEvents(ctx context.Context) ([]domain.ScheduledEvent, error) {
	rows, err := s.db.QueryContext(ctx, queryListRegisteredCronEvents)
	if err != nil {
		return nil, err
	}
	return scanScheduledEvents(rows)
}

// Documents and collections

func (s *Store) CountOrgDocuments(ctx context.Context, orgID int64, ids []int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, queryCountOrgDocuments, orgID, pq.Array(ids)).Scan(&n)
	return n, err
}

func (s *Store) CreateCollection(ctx context.Context, c domain.DocumentCollection) (domain.DocumentCollection, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	var runID *int64
	if c.RunID != 0 {
		runID = &c.RunID
	}
	err := s.db.QueryRowContext(ctx, queryInsertCollection,
		c.OrganizationID,
		c.ProjectID,
		c.Name,
		runID,
		c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return domain.DocumentCollection{}, err
	}
	return c, nil
}

func (s *Store) AddCollectionItems(ctx context.Context, collectionID int64, documentIDs []int64) error {
	_, err := s.db.ExecContext(ctx, queryInsertCollectionItems, collectionID, pq.Array(documentIDs))
	return err
}

func (s *Store) LinkRunCollection(ctx context.Context, runID, collectionID int64) error {
	result, err := s.db.ExecContext(ctx, queryLinkRunCollection, runID, collectionID)
	if err != nil {
		return err
	}
	return expectOne(result)
}

func (s *Store) ConversationForEmailThread(ctx context.Context, orgID int64, threadID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, queryConversationForEmailThread, orgID, threadID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return id, err
}

func (s *Store) LinkConversationCollection(ctx context.Context, conversationID, collectionID int64) error {
	_, err := s.db.ExecContext(ctx, queryLinkConversationCollection, conversationID, collectionID)
	return err
}

// Compile-time interface assertions
var (
	_ dispatcher.Store        = (*Store)(nil)
	_ executor.Store          = (*Store)(nil)
	_ scheduler.Store         = (*Store)(nil)
	_ retry.Store             = (*Store)(nil)
	_ reconciler.Store        = (*Store)(nil)
	_ artifacts.Collections   = (*Store)(nil)
	_ artifacts.Conversations = (*Store)(nil)
	_ api.Store               = (*Store)(nil)
)
