package edge

import (
	"context"
	"sync"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/identity"
	"github.com/aaronorosen/vmware-nsx/locking"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
)

// deployWorkers bounds how many pool-filler deploys run at once during a
// reconcile pass.
const deployWorkers = 8

// Run serves refill requests until Stop is called. Each request runs a
// full reconcile pass; failures are logged and the loop keeps going.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.doneChan)
	ctx = log.WithModule(ctx, "edge")

	for {
		select {
		case <-m.refillChan:
			if err := m.ReconcileAll(ctx); err != nil {
				log.G(ctx).WithError(err).Errorf("pool reconcile failed")
			}
		case <-m.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop halts the refill loop, waits for it to drain, then waits for
// outstanding backend deletes.
func (m *Manager) Stop() {
	close(m.stopChan)
	<-m.doneChan
	m.deletes.Wait()
}

// TriggerRefill schedules an asynchronous reconcile pass. Requests
// collapse while one is already pending.
func (m *Manager) TriggerRefill() {
	select {
	case m.refillChan <- struct{}{}:
	default:
	}
}

// ReconcileAll brings every configured pool inside its band. Pools are
// reconciled independently; the first failure is returned after the rest
// have run.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	var first error
	for _, edgeType := range api.EdgeTypes {
		for _, size := range api.ApplianceSizes {
			target := m.targets.Get(edgeType, size)
			if target.Min == 0 && target.Max == 0 {
				continue
			}
			if err := m.reconcileOne(ctx, target, edgeType, size); err != nil {
				log.G(ctx).WithError(err).Errorf("pool reconcile for %s %s edges failed", size, edgeType)
				if first == nil {
					first = err
				}
			}
		}
	}
	return first
}

// reconcileOne purges failed fillers, then trims or refills one pool.
// Placeholder rows for the refill are written under the backup pool lock
// so concurrent passes agree on the count; the deploys and deletes
// themselves run after the lock is released.
func (m *Manager) reconcileOne(ctx context.Context, target api.PoolTarget, edgeType api.EdgeType, size api.ApplianceSize) error {
	var (
		newFillers []string
		surplus    []*api.RouterBinding
	)
	err := locking.WithLock(ctx, m.locks, locking.LockBackupPool, func() error {
		if err := m.purgeErrorBackups(ctx, edgeType, size); err != nil {
			return err
		}
		pooled, err := m.pooledBackups(edgeType, size)
		if err != nil {
			return err
		}
		idleEdges.WithValues(string(edgeType), string(size)).Set(float64(len(pooled)))

		if n := len(pooled) - target.Max; n > 0 {
			surplus = pooled[:n]
			return m.store.Update(func(tx store.Tx) error {
				for _, b := range surplus {
					binding := store.GetRouterBinding(tx, b.ResourceID)
					if binding == nil {
						continue
					}
					if binding.EdgeID == "" {
						if err := store.DeleteRouterBinding(tx, binding.ResourceID); err != nil {
							return err
						}
						continue
					}
					binding.Status = api.StatusPendingDelete
					if err := store.UpdateRouterBinding(tx, binding); err != nil {
						return err
					}
				}
				return nil
			})
		}

		if n := target.Min - len(pooled); n > 0 {
			return m.store.Update(func(tx store.Tx) error {
				for i := 0; i < n; i++ {
					id := api.TruncateResourceID(api.BackupPrefix + identity.NewID())
					if err := store.CreateRouterBinding(tx, &api.RouterBinding{
						ResourceID:    id,
						Status:        api.StatusPendingCreate,
						ApplianceSize: size,
						EdgeType:      edgeType,
					}); err != nil {
						return err
					}
					newFillers = append(newFillers, id)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, b := range surplus {
		if b.EdgeID != "" {
			log.G(ctx).Infof("trimming surplus backup edge %s", b.ResourceID)
			m.asyncDeleteEdge(ctx, b.ResourceID, b.EdgeID)
		}
	}
	if len(newFillers) > 0 {
		log.G(ctx).Infof("deploying %d backup %s %s edges", len(newFillers), size, edgeType)
		m.deployFillers(ctx, newFillers, edgeType, size)
	}
	return nil
}

// deployFillers deploys the named placeholder fillers through a bounded
// worker pool and waits for all of them to settle. Individual failures
// are logged; the failed rows sit in ERROR until the next purge.
func (m *Manager) deployFillers(ctx context.Context, ids []string, edgeType api.EdgeType, size api.ApplianceSize) {
	work := make(chan string)
	var wg sync.WaitGroup

	workers := deployWorkers
	if len(ids) < workers {
		workers = len(ids)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				if _, err := m.deployEdge(ctx, id, id, edgeType, size); err != nil {
					log.G(ctx).WithError(err).Errorf("deploy of backup edge %s failed", id)
				}
			}
		}()
	}
	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()
}
