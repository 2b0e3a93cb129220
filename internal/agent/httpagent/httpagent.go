// Package httpagent reaches the skill agent hosted by the main
// application over HTTP. Requests are HMAC signed and guarded by a
// per-host circuit breaker.
package httpagent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/unbracketed/zoea-collab-sub000/internal/agent"
	"github.com/unbracketed/zoea-collab-sub000/internal/circuitbreaker"
	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

// Header names.
const (
	HeaderRequestID = "X-Zoea-Request-ID"
	HeaderRunID     = "X-Zoea-Run-ID"
	HeaderSignature = "X-Zoea-Signature"
)

const maxResponseBytes = 8 << 20

type Options struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Client is an agent.Factory.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

var _ agent.Factory = (*Client)(nil)

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 600 * time.Second
	}
	return &Client{opts: opts, http: &http.Client{}}
}

// WithBreaker attaches a circuit breaker keyed by agent host.
func (c *Client) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Client {
	c.breaker = cb
	return c
}

func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) New(cfg agent.Config) (agent.SkillAgent, error) {
	if c.opts.URL == "" {
		return nil, fmt.Errorf("httpagent: no agent URL configured")
	}
	return &remoteAgent{client: c, cfg: cfg}, nil
}

// Request is the body posted to the agent endpoint.
type Request struct {
	EventType domain.EventType `json:"event_type"`
	EventData map[string]any   `json:"event_data"`
	Context   map[string]any   `json:"context"`
	Agent     AgentSpec        `json:"agent"`
}

type AgentSpec struct {
	Skills       []string       `json:"skills"`
	MaxSteps     int            `json:"max_steps"`
	Instructions string         `json:"instructions,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	Harness      *HarnessSpec   `json:"harness,omitempty"`
}

type HarnessSpec struct {
	AllowedDomains     []string `json:"allowed_domains"`
	MaxDocumentsPerRun int      `json:"max_documents_per_run"`
	RateLimitPerDomain int      `json:"rate_limit_per_domain"`
}

// StatusError is returned for non-2xx agent responses.
type StatusError struct {
	StatusCode int
	Body       string
}

// HTTPStatus exposes the status code for metrics classification.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned status %d: %s", e.StatusCode, e.Body)
}

type remoteAgent struct {
	client *Client
	cfg    agent.Config
}

func (a *remoteAgent) Process(ctx context.Context, eventType domain.EventType, data, runContext map[string]any) (*agent.Response, error) {
	req := Request{
		EventType: eventType,
		EventData: data,
		Context:   runContext,
		Agent: AgentSpec{
			Skills:       a.cfg.Skills,
			MaxSteps:     a.cfg.MaxSteps,
			Instructions: a.cfg.Instructions,
			Extra:        a.cfg.Extra,
		},
	}
	if a.cfg.Harness != nil {
		hc := a.cfg.Harness.Config()
		req.Agent.Harness = &HarnessSpec{
			AllowedDomains:     hc.AllowedDomains,
			MaxDocumentsPerRun: hc.MaxDocumentsPerRun,
			RateLimitPerDomain: hc.RateLimitPerDomain,
		}
	}
	return a.client.call(ctx, req)
}

func (c *Client) call(ctx context.Context, req Request) (*agent.Response, error) {
	key := breakerKey(c.opts.URL)
	if c.breaker != nil {
		if err := c.breaker.Allow(key); err != nil {
			return nil, fmt.Errorf("agent %s: %w", key, err)
		}
	}

	resp, err := c.post(ctx, req)
	if c.breaker != nil {
		// Agent-side 4xx means a bad request, not an unhealthy host.
		if se, ok := err.(*StatusError); err != nil && (!ok || se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests) {
			c.breaker.RecordFailure(key)
		} else {
			c.breaker.RecordSuccess(key)
		}
	}
	return resp, err
}

func (c *Client) post(ctx context.Context, req Request) (*agent.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderRequestID, uuid.NewString())
	if runID, ok := req.Context["run_id"].(string); ok {
		httpReq.Header.Set(HeaderRunID, runID)
	}
	httpReq.Header.Set(HeaderSignature, Sign(c.opts.Secret, body))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var out agent.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for the agent side to verify incoming requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func breakerKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
