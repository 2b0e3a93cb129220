// Package lease provides the mutual exclusion used by the polling
// scheduler so that only one instance fires due events per tick.
package lease

import (
	"context"
	"hash/fnv"
)

// Provider hands out a lease for one unit of work. When ok is true the
// caller holds the lease until it calls release.
type Provider interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Noop always grants the lease. Use it for single-instance deployments.
type Noop struct{}

func (Noop) TryAcquire(ctx context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

// KeyID maps a lease name to a Postgres advisory lock key.
func KeyID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
