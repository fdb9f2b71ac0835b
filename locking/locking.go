// Package locking serializes pool and appliance operations. Allocation,
// reconciliation and vnic updates all run under named locks so that only
// one actor mutates a given scope at a time, whether the actors are
// goroutines in one process or several processes sharing an etcd cluster.
package locking

import "context"

// Well-known lock names. Appliance-scoped operations lock the edge ID
// itself.
const (
	// LockEdgeRequest serializes claim-or-deploy decisions against the
	// warm pool.
	LockEdgeRequest = "nsx-edge-request"
	// LockEdgeRouter serializes router attachment on shared edges.
	LockEdgeRouter = "nsx-edge-router"
	// LockEdgePool serializes whole-pool maintenance passes.
	LockEdgePool = "nsx-edge-pool"
	// LockBackupPool serializes filler creation and teardown.
	LockBackupPool = "nsx-edge-backup-pool"
)

// NamedLockService hands out mutual exclusion by name.
type NamedLockService interface {
	// Acquire blocks until the named lock is held or the context is done.
	// The returned release function must be called exactly once.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// WithLock runs fn while holding the named lock.
func WithLock(ctx context.Context, locks NamedLockService, name string, fn func() error) error {
	release, err := locks.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
