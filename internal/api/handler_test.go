package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/retry"
	"github.com/unbracketed/zoea-collab-sub000/internal/scheduler"
	"github.com/unbracketed/zoea-collab-sub000/internal/store/memory"
	"github.com/unbracketed/zoea-collab-sub000/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockDispatcher struct {
	mu     sync.Mutex
	store  *memory.Store
	events []domain.Event
	err    error
}

func (m *mockDispatcher) Dispatch(ctx context.Context, ev domain.Event) ([]domain.Run, error) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	triggers, err := m.store.ListEnabledTriggers(ctx, ev.OrganizationID, ev.Type, ev.ProjectID)
	if err != nil {
		return nil, err
	}
	var runs []domain.Run
	for _, trig := range triggers {
		run, err := m.store.CreateRun(ctx, domain.NewRun(trig, ev, time.Now()))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (m *mockDispatcher) DispatchTrigger(ctx context.Context, trig domain.Trigger, ev domain.Event) (domain.Run, error) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	if m.err != nil {
		return domain.Run{}, m.err
	}
	return m.store.CreateRun(ctx, domain.NewRun(trig, ev, time.Now()))
}

func (m *mockDispatcher) calls() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

type mockScheduler struct {
	mu           sync.Mutex
	store        *memory.Store
	registered   []int64
	unregistered []int64
	registerErr  error
	result       scheduler.FireResult
}

func (m *mockScheduler) Execute(ctx context.Context, id int64) (scheduler.FireResult, error) {
	res := m.result
	res.ScheduledEventID = id
	return res, nil
}

func (m *mockScheduler) Register(ctx context.Context, se domain.ScheduledEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return false, m.registerErr
	}
	m.registered = append(m.registered, se.ID)
	next := time.Now().Add(time.Hour)
	return true, m.store.SetScheduleState(ctx, se.ID, fmt.Sprintf("entry-%d", se.ID), &next)
}

func (m *mockScheduler) Unregister(ctx context.Context, se domain.ScheduledEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, se.ID)
	return m.store.SetScheduleState(ctx, se.ID, "", nil)
}

type mockRetrier struct {
	mu         sync.Mutex
	maxRetries []int
	result     retry.Result
}

func (m *mockRetrier) RetryFailed(ctx context.Context, maxRetries int) (retry.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRetries = append(m.maxRetries, maxRetries)
	return m.result, nil
}

type mockOutcomes struct {
	counts map[domain.RunStatus]int64
}

func (m *mockOutcomes) Outcomes(ctx context.Context, orgID, triggerID int64, at time.Time) (map[domain.RunStatus]int64, error) {
	return m.counts, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

type fixture struct {
	store      *memory.Store
	dispatcher *mockDispatcher
	scheduler  *mockScheduler
	retrier    *mockRetrier
	handler    *Handler
	router     *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	f := &fixture{
		store:      s,
		dispatcher: &mockDispatcher{store: s},
		scheduler:  &mockScheduler{store: s},
		retrier:    &mockRetrier{},
	}
	f.handler = NewHandler(s, f.dispatcher, f.scheduler, f.retrier)
	f.router = f.handler.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, org int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if org != 0 {
		req.Header.Set(OrganizationHeader, fmt.Sprint(org))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) addTrigger(t *testing.T, org int64, typ domain.EventType) domain.Trigger {
	t.Helper()
	trig, err := f.store.CreateTrigger(context.Background(), testutil.NewTrigger(0, org, typ))
	require.NoError(t, err)
	return trig
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", 0, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	f.handler.WithHealthChecker(&mockHealthChecker{err: errors.New("connection refused")})
	rec = f.do(t, http.MethodGet, "/health?verbose=true", 0, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Components["database"], "unhealthy")
}

func TestOrganizationHeaderRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/triggers", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/triggers", nil)
	req.Header.Set(OrganizationHeader, "abc")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEventTypes(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/event-types", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	types := decode[[]EventTypeResponse](t, rec)
	require.Len(t, types, 6)
	assert.Equal(t, "email_received", types[0].Value)
	assert.Equal(t, "Email Received", types[0].Label)
}

func TestTriggerCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/triggers", 1, TriggerRequest{
		Name:      "summarize new docs",
		EventType: "DOCUMENT_CREATED",
		Skills:    []string{"summarize"},
		Filters:   map[string]any{"document_type": []any{"pdf", "markdown"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[TriggerResponse](t, rec)
	assert.Equal(t, "document_created", created.EventType)
	assert.True(t, created.Enabled)
	assert.False(t, created.RunAsync)
	assert.Equal(t, int64(1), created.OrganizationID)

	path := fmt.Sprintf("/api/triggers/%d", created.ID)

	rec = f.do(t, http.MethodGet, path, 2, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other organizations must not see the trigger")

	off := false
	rec = f.do(t, http.MethodPut, path, 1, TriggerRequest{
		Name:      "renamed",
		EventType: "document_created",
		Skills:    []string{"summarize"},
		Enabled:   &off,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[TriggerResponse](t, rec)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)

	rec = f.do(t, http.MethodGet, "/api/triggers?enabled=false", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListTriggersResponse](t, rec).Triggers, 1)

	rec = f.do(t, http.MethodDelete, path, 2, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodDelete, path, 1, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, path, 1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTrigger_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  TriggerRequest
	}{
		{"missing name", TriggerRequest{EventType: "email_received"}},
		{"unknown event type", TriggerRequest{Name: "x", EventType: "document_deleted"}},
		{"nested filter", TriggerRequest{Name: "x", EventType: "email_received", Filters: map[string]any{"a": map[string]any{"b": 1}}}},
		{"empty skill", TriggerRequest{Name: "x", EventType: "email_received", Skills: []string{" "}}},
		{"negative steps", TriggerRequest{Name: "x", EventType: "email_received", AgentConfig: domain.AgentConfig{MaxSteps: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/triggers", 1, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/triggers", bytes.NewBufferString("{not json"))
	req.Header.Set(OrganizationHeader, "1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchDocumentsSelected(t *testing.T) {
	f := newFixture(t)
	trig := f.addTrigger(t, 1, domain.EventTypeDocumentsSelected)
	f.store.AddDocument(1, 1)
	f.store.AddDocument(1, 2)
	f.store.AddDocument(2, 3)
	path := fmt.Sprintf("/api/triggers/%d/dispatch", trig.ID)

	t.Run("foreign document rejects before any run", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, path, 1, DispatchRequest{DocumentIDs: []int64{1, 2, 3}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.dispatcher.calls())

		runs, err := f.store.ListRuns(context.Background(), 1, runFilterAll())
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("owned documents dispatch", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, path, 1, DispatchRequest{DocumentIDs: []int64{1, 2, 2}})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		resp := decode[DispatchResponse](t, rec)
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, "manual", resp.Runs[0].SourceType)

		calls := f.dispatcher.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, domain.EventTypeDocumentsSelected, calls[0].Type)
		assert.Equal(t, []any{int64(1), int64(2)}, calls[0].Data["document_ids"])
	})

	t.Run("empty list", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, path, 1, DispatchRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDispatch_WrongEventType(t *testing.T) {
	f := newFixture(t)
	trig := f.addTrigger(t, 1, domain.EventTypeEmailReceived)
	f.store.AddDocument(1, 1)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/triggers/%d/dispatch", trig.ID), 1, DispatchRequest{DocumentIDs: []int64{1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.dispatcher.calls())
}

func TestIngestEvent(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, 1, domain.EventTypeEmailReceived)
	f.addTrigger(t, 1, domain.EventTypeEmailReceived)

	rec := f.do(t, http.MethodPost, "/api/events", 1, EventRequest{
		EventType:  "EMAIL_RECEIVED",
		SourceType: "email_thread",
		SourceID:   "thread-9",
		Data:       map[string]any{"subject": "hello"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, decode[DispatchResponse](t, rec).Runs, 2)

	rec = f.do(t, http.MethodPost, "/api/events", 1, EventRequest{EventType: "scheduled_cron", SourceType: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.dispatcher.err = errors.New("boom")
	rec = f.do(t, http.MethodPost, "/api/events", 1, EventRequest{EventType: "email_received", SourceType: "email_thread"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRuns_ListAndGet(t *testing.T) {
	f := newFixture(t)
	trig := f.addTrigger(t, 1, domain.EventTypeDocumentCreated)
	ctx := context.Background()
	runID := testutil.MustParseUUID("8f14e45f-ceea-467f-a8a5-4b2f7a9c0d11")
	pending := domain.NewRun(trig, domain.Event{Type: trig.EventType}, time.Now())
	pending.RunID = runID
	run, err := f.store.CreateRun(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, runID, run.RunID)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/runs?trigger_id=%d&status=pending", trig.ID), 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[ListRunsResponse](t, rec).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, "8f14e45f-ceea-467f-a8a5-4b2f7a9c0d11", runs[0].RunID)

	rec = f.do(t, http.MethodGet, "/api/runs/8f14e45f-ceea-467f-a8a5-4b2f7a9c0d11", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode[RunResponse](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/runs/"+run.RunID.String(), 2, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/runs/not-a-uuid", 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/runs?status=cancelled", 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/runs?limit=1000", 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryFailed(t *testing.T) {
	f := newFixture(t)
	f.retrier.result = retry.Result{Considered: 2, Retried: 1}

	rec := f.do(t, http.MethodPost, "/api/runs/retry-failed", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RetryResponse](t, rec)
	assert.Equal(t, 2, resp.Considered)
	assert.Equal(t, 1, resp.Retried)

	rec = f.do(t, http.MethodPost, "/api/runs/retry-failed?max_retries=5", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{DefaultMaxRetries, 5}, f.retrier.maxRetries)

	rec = f.do(t, http.MethodPost, "/api/runs/retry-failed?max_retries=-1", 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduledEvents_Lifecycle(t *testing.T) {
	f := newFixture(t)
	trig := f.addTrigger(t, 1, domain.EventTypeScheduledCron)

	rec := f.do(t, http.MethodPost, "/api/scheduled-events", 1, ScheduledEventRequest{
		TriggerID:      trig.ID,
		Name:           "nightly",
		ScheduleType:   "cron",
		CronExpression: "0 2 * * *",
		Timezone:       "Europe/Berlin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ScheduledEventResponse](t, rec)
	assert.True(t, created.Registered)
	assert.NotNil(t, created.NextRunAt)
	assert.Equal(t, []int64{created.ID}, f.scheduler.registered)

	base := fmt.Sprintf("/api/scheduled-events/%d", created.ID)

	rec = f.do(t, http.MethodPost, base+"/unregister", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RegisterResponse](t, rec)
	assert.False(t, resp.Registered)
	assert.False(t, resp.Event.Registered)

	rec = f.do(t, http.MethodPost, base+"/register", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[RegisterResponse](t, rec).Event.Registered)

	f.scheduler.result = scheduler.FireResult{Fired: false, Reason: scheduler.ReasonTriggerDisabled}
	rec = f.do(t, http.MethodPost, base+"/execute", 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decode[ExecuteResponse](t, rec)
	assert.False(t, exec.Fired)
	assert.Equal(t, scheduler.ReasonTriggerDisabled, exec.Reason)

	rec = f.do(t, http.MethodGet, "/api/scheduled-events", 2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListScheduledEventsResponse](t, rec).ScheduledEvents)

	rec = f.do(t, http.MethodDelete, base, 1, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, f.scheduler.unregistered, created.ID)

	rec = f.do(t, http.MethodGet, base, 1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegister_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	trig := f.addTrigger(t, 1, domain.EventTypeScheduledCron)
	se, err := f.store.CreateScheduledEvent(context.Background(), domain.ScheduledEvent{
		OrganizationID: 1,
		TriggerID:      trig.ID,
		Name:           "x",
		ScheduleType:   domain.ScheduleTypeCron,
		CronExpression: "0 2 * * *",
		Enabled:        true,
	})
	require.NoError(t, err)

	f.scheduler.registerErr = fmt.Errorf("%w: bad cron", scheduler.ErrInvalidSchedule)
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/scheduled-events/%d/register", se.ID), 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateScheduledEvent_Validation(t *testing.T) {
	f := newFixture(t)
	trig := f.addTrigger(t, 1, domain.EventTypeScheduledOneshot)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		req  ScheduledEventRequest
	}{
		{"missing trigger", ScheduledEventRequest{Name: "x", ScheduleType: "cron", CronExpression: "* * * * *"}},
		{"bad cron", ScheduledEventRequest{TriggerID: trig.ID, Name: "x", ScheduleType: "cron", CronExpression: "nope"}},
		{"bad timezone", ScheduledEventRequest{TriggerID: trig.ID, Name: "x", ScheduleType: "cron", CronExpression: "* * * * *", Timezone: "Mars/Base"}},
		{"oneshot in past", ScheduledEventRequest{TriggerID: trig.ID, Name: "x", ScheduleType: "oneshot", ScheduledAt: &past}},
		{"oneshot without time", ScheduledEventRequest{TriggerID: trig.ID, Name: "x", ScheduleType: "oneshot"}},
		{"unknown type", ScheduledEventRequest{TriggerID: trig.ID, Name: "x", ScheduleType: "weekly"}},
		{"foreign trigger", ScheduledEventRequest{TriggerID: 999, Name: "x", ScheduleType: "cron", CronExpression: "* * * * *"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/scheduled-events", 1, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.scheduler.registered)
}

func TestTriggerStats(t *testing.T) {
	f := newFixture(t)
	trig := f.addTrigger(t, 1, domain.EventTypeEmailReceived)
	path := fmt.Sprintf("/api/triggers/%d/stats", trig.ID)

	rec := f.do(t, http.MethodGet, path, 1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.handler.WithOutcomes(&mockOutcomes{counts: map[domain.RunStatus]int64{domain.RunStatusCompleted: 4}})
	rec = f.do(t, http.MethodGet, path, 1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(4), decode[StatsResponse](t, rec).Outcomes["completed"])
}
