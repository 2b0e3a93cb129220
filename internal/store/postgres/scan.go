package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var t domain.Trigger
	var eventType string
	var filters, agentCfg []byte

	err := row.Scan(
		&t.ID,
		&t.OrganizationID,
		&t.ProjectID,
		&t.Name,
		&t.Description,
		&eventType,
		pq.Array(&t.Skills),
		&filters,
		&t.Enabled,
		&t.RunAsync,
		&agentCfg,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Trigger{}, err
	}
	t.EventType = domain.EventType(eventType)
	if err := unmarshalJSON(filters, &t.Filters); err != nil {
		return domain.Trigger{}, fmt.Errorf("trigger %d filters: %w", t.ID, err)
	}
	if err := unmarshalJSON(agentCfg, &t.AgentConfig); err != nil {
		return domain.Trigger{}, fmt.Errorf("trigger %d agent config: %w", t.ID, err)
	}
	return t, nil
}

func scanTriggers(rows *sql.Rows) ([]domain.Trigger, error) {
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var status string
	var inputs, envelope, outputs, telemetry []byte

	err := row.Scan(
		&r.ID,
		&r.RunID,
		&r.TriggerID,
		&r.OrganizationID,
		&r.ProjectID,
		&status,
		&inputs,
		&envelope,
		&outputs,
		&r.Error,
		&telemetry,
		&r.TaskID,
		&r.RetryCount,
		&r.RetriedFromID,
		&r.ArtifactCollectionID,
		&r.CreatedAt,
		&r.StartedAt,
		&r.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}
	r.Status = domain.RunStatus(status)

	if err := unmarshalJSON(inputs, &r.Inputs); err != nil {
		return domain.Run{}, fmt.Errorf("run %d inputs: %w", r.ID, err)
	}
	if err := unmarshalJSON(envelope, &r.InputEnvelope); err != nil {
		return domain.Run{}, fmt.Errorf("run %d envelope: %w", r.ID, err)
	}
	if len(outputs) > 0 {
		r.Outputs = &domain.RunOutputs{}
		if err := json.Unmarshal(outputs, r.Outputs); err != nil {
			return domain.Run{}, fmt.Errorf("run %d outputs: %w", r.ID, err)
		}
	}
	if err := unmarshalJSON(telemetry, &r.Telemetry); err != nil {
		return domain.Run{}, fmt.Errorf("run %d telemetry: %w", r.ID, err)
	}
	return r, nil
}

func scanRuns(rows *sql.Rows) ([]domain.Run, error) {
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanScheduledEvent(row rowScanner) (domain.ScheduledEvent, error) {
	var se domain.ScheduledEvent
	var scheduleType string
	var data []byte

	err := row.Scan(
		&se.ID,
		&se.OrganizationID,
		&se.TriggerID,
		&se.Name,
		&scheduleType,
		&se.ScheduledAt,
		&se.CronExpression,
		&se.Timezone,
		&data,
		&se.Enabled,
		&se.RunCount,
		&se.LastRunAt,
		&se.NextRunAt,
		&se.ClaimedSlot,
		&se.QueueScheduleID,
		&se.CreatedAt,
		&se.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledEvent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ScheduledEvent{}, err
	}
	se.ScheduleType = domain.ScheduleType(scheduleType)
	if err := unmarshalJSON(data, &se.EventData); err != nil {
		return domain.ScheduledEvent{}, fmt.Errorf("scheduled event %d data: %w", se.ID, err)
	}
	return se, nil
}

func scanScheduledEvents(rows *sql.Rows) ([]domain.ScheduledEvent, error) {
	defer rows.Close()

	var result []domain.ScheduledEvent
	for rows.Next() {
		se, err := scanScheduledEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, se)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func triggerJSON(t domain.Trigger) (filters, agentCfg []byte, err error) {
	if filters, err = json.Marshal(orEmpty(t.Filters)); err != nil {
		return nil, nil, fmt.Errorf("marshal filters: %w", err)
	}
	if agentCfg, err = json.Marshal(t.AgentConfig); err != nil {
		return nil, nil, fmt.Errorf("marshal agent config: %w", err)
	}
	return filters, agentCfg, nil
}

// nullableJSON encodes v, mapping nil to SQL NULL.
func nullableJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func expectOne(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
