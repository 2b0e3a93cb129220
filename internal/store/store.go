// Package store holds the query types shared by the store backends.
package store

import "github.com/unbracketed/zoea-collab-sub000/internal/domain"

// Page bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type TriggerFilter struct {
	EventType domain.EventType // empty = any
	ProjectID *int64
	Enabled   *bool
}

type RunFilter struct {
	TriggerID *int64
	Status    domain.RunStatus // empty = any
	Limit     int
	Offset    int
}

// Normalize clamps the page to sane bounds.
func (f RunFilter) Normalize() RunFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
