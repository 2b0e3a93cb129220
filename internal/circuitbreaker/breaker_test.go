package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/unbracketed/zoea-collab-sub000/internal/testutil"
)

const host = "agent.internal:8000"

func newBreaker(threshold int) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	return New(threshold, 5*time.Second).WithClock(clock.Now), clock
}

func TestAllow_UnknownKey_Allowed(t *testing.T) {
	cb, _ := newBreaker(3)
	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if got := cb.State(host); got != StateClosed {
		t.Errorf("State = %s, want closed", got)
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb, _ := newBreaker(3)
	cb.RecordFailure(host)
	cb.RecordFailure(host)
	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := newBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(host)
	}
	if err := cb.Allow(host); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestAllow_AfterCooldown_SingleProbe(t *testing.T) {
	cb, clock := newBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(host)
	}
	clock.Advance(6 * time.Second)

	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected trial call allowed, got %v", err)
	}
	if err := cb.Allow(host); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected ErrCircuitOpen while half-open trial call in flight")
	}
}

func TestRecordSuccess_Closes(t *testing.T) {
	cb, clock := newBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(host)
	}
	clock.Advance(6 * time.Second)
	_ = cb.Allow(host)
	cb.RecordSuccess(host)

	if err := cb.Allow(host); err != nil {
		t.Fatalf("expected nil after reset, got %v", err)
	}
	cb.RecordFailure(host)
	if err := cb.Allow(host); err != nil {
		t.Fatal("failure count should restart after success")
	}
}

func TestRecordFailure_HalfOpenReopens(t *testing.T) {
	cb, clock := newBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(host)
	}
	clock.Advance(6 * time.Second)
	_ = cb.Allow(host)
	cb.RecordFailure(host)

	if got := cb.State(host); got != StateOpen {
		t.Fatalf("State = %s, want open", got)
	}
}

func TestZeroThreshold_Disabled(t *testing.T) {
	cb, _ := newBreaker(0)
	for i := 0; i < 10; i++ {
		cb.RecordFailure(host)
	}
	if err := cb.Allow(host); err != nil {
		t.Fatalf("disabled breaker should allow, got %v", err)
	}
}

func TestIndependentKeys(t *testing.T) {
	cb, _ := newBreaker(2)
	cb.RecordFailure("a:80")
	cb.RecordFailure("a:80")
	if err := cb.Allow("a:80"); err == nil {
		t.Fatal("expected a open")
	}
	if err := cb.Allow("b:80"); err != nil {
		t.Fatalf("expected b allowed, got %v", err)
	}
}
