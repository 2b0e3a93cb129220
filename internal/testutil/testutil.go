// Package testutil provides shared test helpers for the trigger engine.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

func Int64Ptr(v int64) *int64 { return &v }

func TimePtr(t time.Time) *time.Time { return &t }

// NewTrigger returns an enabled org-wide synchronous trigger with one skill.
func NewTrigger(id, orgID int64, eventType domain.EventType) domain.Trigger {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	return domain.Trigger{
		ID:             id,
		OrganizationID: orgID,
		Name:           "trigger",
		EventType:      eventType,
		Skills:         []string{"summarize"},
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
