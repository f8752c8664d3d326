// Package lock serializes cross-instance work when several replicas share a
// database.
package lock

import "context"

// Well-known lock ids.
const (
	MigrationLock = iota
	SchedulerLock
)

// Manager acquires and releases named advisory locks.
type Manager interface {
	Acquire(ctx context.Context, lockID int) error
	Release(ctx context.Context, lockID int) error
}

// Noop is used for sqlite deployments, which are single-process by
// construction.
type Noop struct{}

func (Noop) Acquire(ctx context.Context, lockID int) error { return nil }
func (Noop) Release(ctx context.Context, lockID int) error { return nil }
