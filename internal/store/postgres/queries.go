package postgres

const triggerColumns = `
    id, organization_id, project_id, name, description, event_type,
    skills, filters, is_enabled, run_async, agent_config,
    created_at, updated_at`

const runColumns = `
    r.id, r.run_id, r.trigger_id, r.organization_id, r.project_id, r.status,
    r.inputs, r.input_envelope, r.outputs, r.error, r.telemetry, r.task_id,
    r.retry_count, r.retried_from_id, r.artifact_collection_id,
    r.created_at, r.started_at, r.completed_at`

const scheduledEventColumns = `
    id, organization_id, trigger_id, name, schedule_type, scheduled_at,
    cron_expression, timezone, event_data, is_enabled, run_count,
    last_run_at, next_run_at, claimed_slot, queue_schedule_id,
    created_at, updated_at`

// Triggers

// A NULL $3 makes "project_id = $3" unknown, leaving only org-wide triggers.
const queryListEnabledTriggers = `
SELECT` + triggerColumns + `
FROM event_triggers
WHERE organization_id = $1
  AND event_type = $2
  AND is_enabled
  AND (project_id IS NULL OR project_id = $3)
ORDER BY id
`

const queryGetTrigger = `
SELECT` + triggerColumns + `
FROM event_triggers
WHERE id = $1
`

const queryGetOrgTrigger = `
SELECT` + triggerColumns + `
FROM event_triggers
WHERE id = $1 AND organization_id = $2
`

const queryListTriggers = `
SELECT` + triggerColumns + `
FROM event_triggers
WHERE organization_id = $1
  AND ($2 = '' OR event_type = $2)
  AND ($3::BIGINT IS NULL OR project_id = $3)
  AND ($4::BOOLEAN IS NULL OR is_enabled = $4)
ORDER BY id
`

const queryInsertTrigger = `
INSERT INTO event_triggers (
    organization_id, project_id, name, description, event_type,
    skills, filters, is_enabled, run_async, agent_config, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
RETURNING id
`

const queryUpdateTrigger = `
UPDATE event_triggers
SET project_id = $3, name = $4, description = $5, event_type = $6,
    skills = $7, filters = $8, is_enabled = $9, run_async = $10,
    agent_config = $11, updated_at = $12
WHERE id = $1 AND organization_id = $2
`

const queryDeleteTrigger = `
DELETE FROM event_triggers
WHERE id = $1 AND organization_id = $2
RETURNING id
`

// Runs

const queryInsertRun = `
INSERT INTO event_trigger_runs (
    run_id, trigger_id, organization_id, project_id, status,
    inputs, input_envelope, task_id, retry_count, retried_from_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id
`

const queryGetRun = `
SELECT` + runColumns + `
FROM event_trigger_runs r
WHERE r.id = $1
`

const queryGetRunByUUID = `
SELECT` + runColumns + `
FROM event_trigger_runs r
WHERE r.run_id = $1 AND r.organization_id = $2
`

const queryListRuns = `
SELECT` + runColumns + `
FROM event_trigger_runs r
WHERE r.organization_id = $1
  AND ($2::BIGINT IS NULL OR r.trigger_id = $2)
  AND ($3 = '' OR r.status = $3)
ORDER BY r.created_at DESC, r.id DESC
LIMIT $4 OFFSET $5
`

const queryGetRunStatus = `
SELECT status FROM event_trigger_runs WHERE id = $1
`

const querySetRunTaskID = `
UPDATE event_trigger_runs
SET task_id = $2
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'skipped')
`

const queryMarkRunRunning = `
UPDATE event_trigger_runs
SET status = 'running', started_at = $2
WHERE id = $1
  AND status = 'pending'
`

const queryFinishRun = `
UPDATE event_trigger_runs
SET status = $2, outputs = $3, error = $4, telemetry = $5,
    completed_at = $6, artifact_collection_id = COALESCE($7, artifact_collection_id)
WHERE id = $1
  AND status = 'running'
`

const queryResetRun = `
UPDATE event_trigger_runs
SET status = 'pending', error = '', started_at = NULL, completed_at = NULL,
    task_id = '', retry_count = $2
WHERE id = $1
  AND status = 'failed'
`

const queryListRetryableRuns = `
SELECT` + runColumns + `
FROM event_trigger_runs r
JOIN event_triggers t ON t.id = r.trigger_id
WHERE r.status = 'failed'
  AND t.is_enabled
  AND r.retry_count < $1
  AND NOT EXISTS (
      SELECT 1 FROM event_trigger_runs c WHERE c.retried_from_id = r.id
  )
ORDER BY r.created_at, r.id
LIMIT $2
`

const queryListOrphanedRuns = `
SELECT` + runColumns + `
FROM event_trigger_runs r
JOIN event_triggers t ON t.id = r.trigger_id
WHERE r.status = 'pending'
  AND r.task_id = ''
  AND t.run_async
  AND r.created_at < $1
ORDER BY r.created_at
LIMIT $2
`

// Scheduled events

const queryGetScheduledEvent = `
SELECT` + scheduledEventColumns + `
FROM scheduled_events
WHERE id = $1
`

const queryGetOrgScheduledEvent = `
SELECT` + scheduledEventColumns + `
FROM scheduled_events
WHERE id = $1 AND organization_id = $2
`

const queryListScheduledEvents = `
SELECT` + scheduledEventColumns + `
FROM scheduled_events
WHERE organization_id = $1
ORDER BY id
`

const queryInsertScheduledEvent = `
INSERT INTO scheduled_events (
    organization_id, trigger_id, name, schedule_type, scheduled_at,
    cron_expression, timezone, event_data, is_enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
RETURNING id
`

const queryDeleteScheduledEvent = `
DELETE FROM scheduled_events
WHERE id = $1 AND organization_id = $2
RETURNING id
`

const queryRecordFiring = `
UPDATE scheduled_events
SET run_count = run_count + 1, last_run_at = $2, next_run_at = $3, updated_at = $2
WHERE id = $1
`

// Succeeds for one caller per slot: the first to move claimed_slot off
// the value it read.
const queryClaimFiring = `
UPDATE scheduled_events
SET claimed_slot = $3, updated_at = NOW()
WHERE id = $1
  AND is_enabled
  AND claimed_slot IS NOT DISTINCT FROM $2
`

const querySetScheduleState = `
UPDATE scheduled_events
SET queue_schedule_id = $2, next_run_at = $3, claimed_slot = NULL, updated_at = NOW()
WHERE id = $1
`

const queryListDueScheduledEvents = `
SELECT` + scheduledEventColumns + `
FROM scheduled_events
WHERE is_enabled
  AND next_run_at IS NOT NULL
  AND next_run_at <= $1
ORDER BY next_run_at
`

const queryListRegisteredCronEvents = `
SELECT` + scheduledEventColumns + `
FROM scheduled_events
WHERE schedule_type = 'cron'
  AND queue_schedule_id <> ''
ORDER BY id
`

// Documents and collections

const queryCountOrgDocuments = `
SELECT COUNT(*) FROM documents
WHERE organization_id = $1 AND id = ANY($2)
`

const queryInsertCollection = `
INSERT INTO document_collections (organization_id, project_id, name, run_id, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`

const queryInsertCollectionItems = `
INSERT INTO document_collection_items (collection_id, document_id, position)
SELECT $1, d.id, d.pos - 1
FROM unnest($2::BIGINT[]) WITH ORDINALITY AS d (id, pos)
ON CONFLICT DO NOTHING
`

const queryLinkRunCollection = `
UPDATE event_trigger_runs
SET artifact_collection_id = $2
WHERE id = $1
`

const queryConversationForEmailThread = `
SELECT conversation_id FROM email_threads
WHERE organization_id = $1 AND thread_id = $2 AND conversation_id IS NOT NULL
`

const queryLinkConversationCollection = `
INSERT INTO conversation_collections (conversation_id, collection_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`
