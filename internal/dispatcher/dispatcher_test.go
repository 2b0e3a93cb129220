package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/queue"
	memstore "github.com/unbracketed/zoea-collab-sub000/internal/store/memory"
	"github.com/unbracketed/zoea-collab-sub000/internal/testutil"
)

// mockStore returns every trigger of the org and type, leaving project
// scoping to the dispatcher.
type mockStore struct {
	mu         sync.Mutex
	triggers   []domain.Trigger
	runs       map[int64]domain.Run
	nextID     int64
	createErr  error
	listErr    error
	taskIDErr  error
	failCreate map[int64]bool // by trigger id
}

func newMockStore(triggers ...domain.Trigger) *mockStore {
	return &mockStore{triggers: triggers, runs: map[int64]domain.Run{}, failCreate: map[int64]bool{}}
}

func (s *mockStore) ListEnabledTriggers(ctx context.Context, orgID int64, eventType domain.EventType, projectID *int64) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Trigger
	for _, t := range s.triggers {
		if t.OrganizationID == orgID && t.EventType == eventType {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *mockStore) CreateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil || s.failCreate[run.TriggerID] {
		return domain.Run{}, errors.New("insert failed")
	}
	s.nextID++
	run.ID = s.nextID
	s.runs[run.ID] = run
	return run, nil
}

func (s *mockStore) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, errors.New("not found")
	}
	return run, nil
}

func (s *mockStore) SetRunTaskID(ctx context.Context, id int64, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskIDErr != nil {
		return s.taskIDErr
	}
	run := s.runs[id]
	run.TaskID = taskID
	s.runs[id] = run
	return nil
}

func (s *mockStore) setStatus(id int64, status domain.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[id]
	run.Status = status
	s.runs[id] = run
}

// mockExecutor marks runs completed in the store, or failed when err is set.
type mockExecutor struct {
	store *mockStore
	err   error
	calls []int64
}

func (e *mockExecutor) Execute(ctx context.Context, runID int64) error {
	e.calls = append(e.calls, runID)
	if e.err != nil {
		e.store.setStatus(runID, domain.RunStatusFailed)
		return e.err
	}
	e.store.setStatus(runID, domain.RunStatusCompleted)
	return nil
}

type mockQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (q *mockQueue) Enqueue(ctx context.Context, t queue.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, t)
	return "task-" + t.Name, nil
}

func (q *mockQueue) EnqueueAt(ctx context.Context, t queue.Task, at time.Time) (string, error) {
	return q.Enqueue(ctx, t)
}

func (q *mockQueue) RegisterCron(ctx context.Context, name, expression, tz string, t queue.Task) (string, error) {
	return name, nil
}

func (q *mockQueue) DeleteSchedule(ctx context.Context, name string) error { return nil }

func newDispatcher(store *mockStore) (*Dispatcher, *mockExecutor, *mockQueue) {
	exec := &mockExecutor{store: store}
	q := &mockQueue{}
	d := New(store, ImmediateScheduler{Executor: exec}, QueuedScheduler{Client: q, Timeout: time.Minute})
	return d, exec, q
}

func event(eventType domain.EventType, data map[string]any) domain.Event {
	return domain.Event{
		Type:           eventType,
		SourceType:     domain.SourceTypeDocument,
		SourceID:       "42",
		Data:           data,
		OrganizationID: 1,
	}
}

func TestDispatch_FilterMatch(t *testing.T) {
	trig := testutil.NewTrigger(1, 1, domain.EventTypeDocumentCreated)
	trig.Filters = map[string]any{"document_type": "markdown"}
	trig.RunAsync = true
	store := newMockStore(trig)
	d, _, q := newDispatcher(store)
	ctx := testutil.TestContext(t)

	runs, err := d.Dispatch(ctx, event(domain.EventTypeDocumentCreated, map[string]any{"document_type": "markdown"}))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusPending, runs[0].Status)
	assert.Equal(t, domain.EventTypeDocumentCreated, runs[0].InputEnvelope.TriggerType)
	assert.Equal(t, "42", runs[0].InputEnvelope.SourceID)
	assert.Len(t, q.tasks, 1)

	runs, err = d.Dispatch(ctx, event(domain.EventTypeDocumentCreated, map[string]any{"document_type": "pdf"}))
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Len(t, store.runs, 1)
}

func TestDispatch_NormalizesEventType(t *testing.T) {
	store := newMockStore(testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived))
	d, _, _ := newDispatcher(store)

	runs, err := d.Dispatch(testutil.TestContext(t), event("EMAIL_RECEIVED", nil))
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = d.Dispatch(testutil.TestContext(t), event("email_deleted", nil))
	assert.ErrorIs(t, err, domain.ErrUnknownEventType)
}

func TestDispatch_ProjectScopeIsolation(t *testing.T) {
	p1, p2 := int64(10), int64(20)
	scoped := testutil.NewTrigger(1, 1, domain.EventTypeDocumentUpdated)
	scoped.ProjectID = &p1
	orgWide := testutil.NewTrigger(2, 1, domain.EventTypeDocumentUpdated)
	store := newMockStore(scoped, orgWide)
	d, _, _ := newDispatcher(store)
	ctx := testutil.TestContext(t)

	tests := []struct {
		name    string
		project *int64
		want    []int64
	}{
		{"same project", &p1, []int64{1, 2}},
		{"other project", &p2, []int64{2}},
		{"no project", nil, []int64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := event(domain.EventTypeDocumentUpdated, nil)
			ev.ProjectID = tt.project
			runs, err := d.Dispatch(ctx, ev)
			require.NoError(t, err)
			var got []int64
			for _, r := range runs {
				got = append(got, r.TriggerID)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestDispatch_DuplicateCandidatesMatchOnce(t *testing.T) {
	trig := testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived)
	store := newMockStore(trig, trig)
	d, _, _ := newDispatcher(store)

	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeEmailReceived, nil))
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDispatch_NoDeduplicationAcrossCalls(t *testing.T) {
	store := newMockStore(testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived))
	d, _, _ := newDispatcher(store)
	ctx := testutil.TestContext(t)
	ev := event(domain.EventTypeEmailReceived, map[string]any{"subject": "hi"})

	first, err := d.Dispatch(ctx, ev)
	require.NoError(t, err)
	second, err := d.Dispatch(ctx, ev)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].RunID, second[0].RunID)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestDispatch_SyncReturnsTerminalRun(t *testing.T) {
	store := newMockStore(testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived))
	d, exec, _ := newDispatcher(store)

	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeEmailReceived, nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, []int64{runs[0].ID}, exec.calls)
}

func TestDispatch_SyncFailureDoesNotPropagate(t *testing.T) {
	store := newMockStore(
		testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived),
		testutil.NewTrigger(2, 1, domain.EventTypeEmailReceived),
	)
	d, exec, _ := newDispatcher(store)
	exec.err = errors.New("agent exploded")

	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeEmailReceived, nil))
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, domain.RunStatusFailed, r.Status)
	}
}

func TestDispatch_AsyncRecordsTaskID(t *testing.T) {
	trig := testutil.NewTrigger(1, 1, domain.EventTypeDocumentCreated)
	trig.RunAsync = true
	store := newMockStore(trig)
	d, exec, q := newDispatcher(store)

	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeDocumentCreated, nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, exec.calls)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, queue.KindTriggerRun, q.tasks[0].Kind)
	assert.Equal(t, runs[0].ID, q.tasks[0].RunID)
	assert.Equal(t, time.Minute, q.tasks[0].Timeout)
	assert.Equal(t, "task-trigger-run-1", runs[0].TaskID)
	assert.Equal(t, "task-trigger-run-1", store.runs[runs[0].ID].TaskID)
}

func TestDispatch_TaskIDSaveFailureIsBestEffort(t *testing.T) {
	trig := testutil.NewTrigger(1, 1, domain.EventTypeDocumentCreated)
	trig.RunAsync = true
	store := newMockStore(trig)
	store.taskIDErr = errors.New("db down")
	d, _, _ := newDispatcher(store)

	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeDocumentCreated, nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, store.runs[runs[0].ID].TaskID)
}

// finishingQueue completes the run in the store before Enqueue returns,
// as a fast worker would.
type finishingQueue struct {
	mockQueue
	store *memstore.Store
}

func (q *finishingQueue) Enqueue(ctx context.Context, t queue.Task) (string, error) {
	run, err := q.store.GetRun(ctx, t.RunID)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if err := run.Start(now); err != nil {
		return "", err
	}
	if err := q.store.MarkRunRunning(ctx, run.ID, now); err != nil {
		return "", err
	}
	if err := run.Complete(now, domain.RunOutputs{}, nil); err != nil {
		return "", err
	}
	if err := q.store.FinishRun(ctx, run); err != nil {
		return "", err
	}
	return "task-123", nil
}

func TestDispatch_TaskIDNotWrittenOntoFinishedRun(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := memstore.New()
	trig := testutil.NewTrigger(0, 1, domain.EventTypeDocumentCreated)
	trig.RunAsync = true
	trig, err := store.CreateTrigger(ctx, trig)
	require.NoError(t, err)

	q := &finishingQueue{store: store}
	d := New(store, ImmediateScheduler{Executor: &mockExecutor{}}, QueuedScheduler{Client: q})

	runs, err := d.Dispatch(ctx, event(domain.EventTypeDocumentCreated, nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got, err := store.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Empty(t, got.TaskID, "terminal run must not change")
}

func TestDispatch_EnqueueFailureIsolatedPerTrigger(t *testing.T) {
	async := testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived)
	async.RunAsync = true
	inline := testutil.NewTrigger(2, 1, domain.EventTypeEmailReceived)
	store := newMockStore(async, inline)
	d, exec, q := newDispatcher(store)
	q.err = errors.New("redis unavailable")

	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeEmailReceived, nil))
	require.NoError(t, err)
	require.Len(t, runs, 2, "created runs are returned even when routing fails")
	assert.Len(t, exec.calls, 1)
}

func TestDispatch_CreateFailureSkipsTrigger(t *testing.T) {
	store := newMockStore(
		testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived),
		testutil.NewTrigger(2, 1, domain.EventTypeEmailReceived),
	)
	store.failCreate[1] = true
	d, _, _ := newDispatcher(store)

	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeEmailReceived, nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(2), runs[0].TriggerID)
}

func TestDispatch_AsyncWithoutQueue(t *testing.T) {
	trig := testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived)
	trig.RunAsync = true
	store := newMockStore(trig)
	exec := &mockExecutor{store: store}
	d := New(store, ImmediateScheduler{Executor: exec}, nil)

	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeEmailReceived, nil))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusPending, runs[0].Status)
	assert.Empty(t, exec.calls)
}

func TestDispatch_Errors(t *testing.T) {
	store := newMockStore()
	d, _, _ := newDispatcher(store)
	ctx := testutil.TestContext(t)

	ev := event(domain.EventTypeEmailReceived, nil)
	ev.OrganizationID = 0
	_, err := d.Dispatch(ctx, ev)
	assert.ErrorIs(t, err, ErrNoOrganization)

	store.listErr = errors.New("db down")
	_, err = d.Dispatch(ctx, event(domain.EventTypeEmailReceived, nil))
	assert.Error(t, err)
}

func TestDispatchTrigger_BypassesFilters(t *testing.T) {
	trig := testutil.NewTrigger(1, 1, domain.EventTypeDocumentsSelected)
	trig.Filters = map[string]any{"never": "matches"}
	store := newMockStore()
	d, _, _ := newDispatcher(store)

	run, err := d.DispatchTrigger(testutil.TestContext(t), trig, domain.Event{
		Type: domain.EventTypeDocumentsSelected,
		Data: map[string]any{"document_ids": []any{1, 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.OrganizationID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
}

func TestDispatchTrigger_RejectsDisabled(t *testing.T) {
	trig := testutil.NewTrigger(1, 1, domain.EventTypeDocumentsSelected)
	trig.Enabled = false
	store := newMockStore()
	d, _, _ := newDispatcher(store)

	_, err := d.DispatchTrigger(testutil.TestContext(t), trig, domain.Event{Type: domain.EventTypeDocumentsSelected})
	assert.ErrorIs(t, err, ErrTriggerDisabled)
	assert.Empty(t, store.runs)
}

func TestDispatch_FrozenInputs(t *testing.T) {
	store := newMockStore(testutil.NewTrigger(1, 1, domain.EventTypeEmailReceived))
	trig := store.triggers[0]
	trig.RunAsync = true
	store.triggers[0] = trig
	d, _, _ := newDispatcher(store)

	data := map[string]any{"subject": "original"}
	runs, err := d.Dispatch(testutil.TestContext(t), event(domain.EventTypeEmailReceived, data))
	require.NoError(t, err)
	data["subject"] = "mutated"

	assert.Equal(t, "original", store.runs[runs[0].ID].Inputs["subject"])
}
