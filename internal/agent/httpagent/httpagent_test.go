package httpagent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbracketed/zoea-collab-sub000/internal/agent"
	"github.com/unbracketed/zoea-collab-sub000/internal/circuitbreaker"
	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/harness"
)

func newAgent(t *testing.T, url string, cb *circuitbreaker.CircuitBreaker, h *harness.Harness) agent.SkillAgent {
	t.Helper()
	c := New(Options{URL: url, Secret: "s3cret", Timeout: 5 * time.Second})
	if cb != nil {
		c = c.WithBreaker(cb)
	}
	a, err := c.New(agent.Config{Skills: []string{"summarize"}, MaxSteps: 4, Harness: h})
	require.NoError(t, err)
	return a
}

func TestProcess_SignedRequestAndResponse(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature("s3cret", body, r.Header.Get(HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "run-uuid", r.Header.Get(HeaderRunID))
		assert.NotEmpty(t, r.Header.Get(HeaderRequestID))
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{
			"response": "done",
			"skills_used": ["summarize"],
			"tools_called": ["create_document"],
			"artifacts": [{"type": "document", "title": "Summary"}],
			"telemetry": {"steps": 2},
			"audit_log": {"entries": [{"operation": "create", "model": "document", "object_id": 77, "allowed": true}]}
		}`))
	}))
	defer server.Close()

	h := harness.New(harness.Config{AllowedDomains: []string{"example.com"}, MaxDocumentsPerRun: 3, RateLimitPerDomain: 10})
	resp, err := newAgent(t, server.URL, nil, h).Process(context.Background(), domain.EventTypeEmailReceived,
		map[string]any{"subject": "hi"}, map[string]any{"run_id": "run-uuid"})
	require.NoError(t, err)

	assert.Equal(t, "done", resp.Response)
	assert.Equal(t, []string{"create_document"}, resp.ToolsCalled)
	require.NotNil(t, resp.AuditLog)
	assert.Equal(t, []int64{77}, resp.AuditLog.CreatedDocumentIDs())

	assert.Equal(t, domain.EventTypeEmailReceived, got.EventType)
	assert.Equal(t, []string{"summarize"}, got.Agent.Skills)
	require.NotNil(t, got.Agent.Harness)
	assert.Equal(t, 3, got.Agent.Harness.MaxDocumentsPerRun)
}

func TestProcess_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("unknown skill"))
	}))
	defer server.Close()

	_, err := newAgent(t, server.URL, nil, nil).Process(context.Background(), domain.EventTypeEmailReceived, nil, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 422, se.StatusCode)
	assert.Contains(t, se.Body, "unknown skill")
}

func TestProcess_BreakerOpensOnServerErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cb := circuitbreaker.New(2, time.Hour)
	a := newAgent(t, server.URL, cb, nil)
	ctx := context.Background()

	_, err := a.Process(ctx, domain.EventTypeEmailReceived, nil, nil)
	require.Error(t, err)
	_, err = a.Process(ctx, domain.EventTypeEmailReceived, nil, nil)
	require.Error(t, err)
	_, err = a.Process(ctx, domain.EventTypeEmailReceived, nil, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestProcess_ClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cb := circuitbreaker.New(1, time.Hour)
	a := newAgent(t, server.URL, cb, nil)
	for i := 0; i < 3; i++ {
		_, err := a.Process(context.Background(), domain.EventTypeEmailReceived, nil, nil)
		var se *StatusError
		assert.True(t, errors.As(err, &se))
	}
}

func TestProcess_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := New(Options{URL: server.URL, Timeout: 20 * time.Millisecond})
	a, err := c.New(agent.Config{})
	require.NoError(t, err)
	_, err = a.Process(context.Background(), domain.EventTypeEmailReceived, nil, nil)
	assert.Error(t, err)
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Options{}).New(agent.Config{})
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("k", body)
	assert.True(t, VerifySignature("k", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("k", []byte(`{"a":2}`), sig))
}
