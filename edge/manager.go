package edge

import (
	"context"
	"math/rand"
	"sync"
	"time"

	metrics "github.com/docker/go-metrics"
	"github.com/pkg/errors"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/identity"
	"github.com/aaronorosen/vmware-nsx/locking"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

// Config collects the Manager's collaborators.
type Config struct {
	Store   *store.MemoryStore
	Backend vcns.Client
	Locks   locking.NamedLockService

	// Targets is the configured idle band per (type, size) pool. Absent
	// combinations are not pooled.
	Targets api.PoolTargets
	// MaxTunnels is the per-vnic tunnel slot count used when seeding vnic
	// grids. Values outside the supported range fall back to a
	// conservative limit.
	MaxTunnels int
	// Conflicts reports networks that must not share an appliance with a
	// given network. Nil means no placement constraints.
	Conflicts ConflictProvider
	// Rand drives idle-candidate shuffling. Nil seeds a source from the
	// clock; tests inject a fixed seed.
	Rand *rand.Rand
}

// Manager owns the edge appliance lifecycle: claim and release against
// the warm backup pool, DHCP edge placement, shared-router co-location,
// and the reconciliation keeping every pool inside its band.
type Manager struct {
	store      *store.MemoryStore
	backend    vcns.Client
	locks      locking.NamedLockService
	targets    api.PoolTargets
	maxTunnels int
	conflicts  ConflictProvider

	mu   sync.Mutex // protects rand
	rand *rand.Rand

	refillChan chan struct{}
	stopChan   chan struct{}
	doneChan   chan struct{}
	deletes    sync.WaitGroup
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	maxTunnels := cfg.MaxTunnels
	if maxTunnels <= 0 || maxTunnels > api.MaxTunnelsPerVnicLimit {
		maxTunnels = api.FallbackTunnelsPerVnic
	}
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	targets := cfg.Targets
	if targets == nil {
		targets = api.PoolTargets{}
	}
	return &Manager{
		store:      cfg.Store,
		backend:    cfg.Backend,
		locks:      cfg.Locks,
		targets:    targets,
		maxTunnels: maxTunnels,
		conflicts:  cfg.Conflicts,
		rand:       r,
		refillChan: make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// MaxTunnels returns the per-vnic tunnel slot count in force.
func (m *Manager) MaxTunnels() int {
	return m.maxTunnels
}

// Allocate claims an edge appliance for resourceID. When the (edgeType,
// size) pool holds an idle filler it is reused; otherwise a fresh
// appliance is deployed synchronously. On success the appliance carries
// displayName and its edge ID is returned. Either way a pool refill is
// triggered afterwards.
func (m *Manager) Allocate(ctx context.Context, resourceID, displayName string, edgeType api.EdgeType, size api.ApplianceSize) (string, error) {
	resourceID = api.TruncateResourceID(resourceID)
	ctx = log.WithField(ctx, "resource.id", resourceID)

	target := m.targets.Get(edgeType, size)
	pooled := target.Min > 0 || target.Max > 0

	var edgeID string
	var err error
	if pooled {
		edgeID, err = m.claimIdleEdge(ctx, resourceID, edgeType, size)
		if err != nil {
			allocationFailures.Inc()
			return "", err
		}
	}

	if edgeID != "" {
		poolHits.Inc()
		log.G(ctx).Infof("reusing backup edge %s", edgeID)
		if err := m.renameEdge(ctx, resourceID, edgeID, displayName); err != nil {
			allocationFailures.Inc()
			m.TriggerRefill()
			return "", err
		}
	} else {
		if pooled {
			poolMisses.Inc()
		}
		if err := m.createBinding(resourceID, edgeType, size); err != nil {
			allocationFailures.Inc()
			return "", err
		}
		edgeID, err = m.deployEdge(ctx, resourceID, displayName, edgeType, size)
		if err != nil {
			allocationFailures.Inc()
			m.TriggerRefill()
			return "", err
		}
	}

	allocationsTotal.Inc()
	m.TriggerRefill()
	return edgeID, nil
}

// Free releases the appliance behind resourceID. A healthy appliance
// whose pool has room is converted into a fresh backup filler; everything
// else is deleted at the backend. Freeing an unknown binding is a warned
// no-op.
func (m *Manager) Free(ctx context.Context, resourceID string) error {
	resourceID = api.TruncateResourceID(resourceID)
	ctx = log.WithField(ctx, "resource.id", resourceID)

	var binding *api.RouterBinding
	m.store.View(func(tx store.ReadTx) {
		binding = store.GetRouterBinding(tx, resourceID)
	})
	if binding == nil {
		log.G(ctx).Warnf("free of unknown binding")
		return nil
	}

	target := m.targets.Get(binding.EdgeType, binding.ApplianceSize)
	pooled := target.Min > 0 || target.Max > 0

	// Lswitch-linked bindings carry distributed router wiring that has to
	// be torn down with the edge, so they never return to the pool.
	eligible := pooled && binding.Status != api.StatusError && binding.EdgeID != "" && binding.LswitchID == ""
	if eligible {
		status, err := m.backend.GetEdgeStatus(ctx, binding.EdgeID)
		eligible = err == nil && status.Live()
	}
	if !eligible {
		m.teardownBinding(ctx, resourceID)
		m.TriggerRefill()
		return nil
	}

	var backupID string
	err := locking.WithLock(ctx, m.locks, locking.LockEdgeRequest, func() error {
		if err := m.purgeErrorBackups(ctx, binding.EdgeType, binding.ApplianceSize); err != nil {
			return err
		}
		pooled, err := m.pooledBackups(binding.EdgeType, binding.ApplianceSize)
		if err != nil {
			return err
		}
		if len(pooled) >= target.Max {
			return nil
		}
		id := api.TruncateResourceID(api.BackupPrefix + identity.NewID())
		err = m.store.Update(func(tx store.Tx) error {
			if err := store.DeleteRouterBinding(tx, resourceID); err != nil {
				return err
			}
			if err := store.CreateRouterBinding(tx, &api.RouterBinding{
				ResourceID:    id,
				EdgeID:        binding.EdgeID,
				Status:        api.StatusActive,
				ApplianceSize: binding.ApplianceSize,
				EdgeType:      binding.EdgeType,
			}); err != nil {
				return err
			}
			if binding.EdgeType != api.EdgeTypeVDR {
				if err := store.CleanEdgeVnicBindings(tx, binding.EdgeID); err != nil {
					return err
				}
				return store.InitEdgeVnicBindings(tx, binding.EdgeID, m.maxTunnels)
			}
			return nil
		})
		if err != nil {
			return err
		}
		backupID = id
		return nil
	})
	if err != nil {
		return err
	}

	if backupID == "" {
		// The pool is full; drop the appliance instead.
		m.teardownBinding(ctx, resourceID)
		m.TriggerRefill()
		return nil
	}

	log.G(ctx).Infof("returned edge %s to the backup pool as %s", binding.EdgeID, backupID)
	if err := m.renameEdge(ctx, backupID, binding.EdgeID, backupID); err != nil {
		// The callback sink has marked the filler ERROR; the next
		// reconcile pass purges it.
		m.TriggerRefill()
		return err
	}
	m.TriggerRefill()
	return nil
}

// claimIdleEdge picks a live idle filler of the given class and rebinds
// it to resourceID. The decision runs under the pool request lock;
// candidates are shuffled, liveness is re-probed per candidate, and dead
// candidates are torn down along the way. Returns "" when no usable
// candidate remains.
func (m *Manager) claimIdleEdge(ctx context.Context, resourceID string, edgeType api.EdgeType, size api.ApplianceSize) (string, error) {
	var claimed string
	err := locking.WithLock(ctx, m.locks, locking.LockEdgeRequest, func() error {
		if err := m.purgeErrorBackups(ctx, edgeType, size); err != nil {
			return err
		}
		candidates, err := m.idleBackups(edgeType, size)
		if err != nil {
			return err
		}
		m.shuffleBindings(candidates)
		for _, candidate := range candidates {
			status, err := m.backend.GetEdgeStatus(ctx, candidate.EdgeID)
			if err != nil || !status.Live() {
				log.G(ctx).WithField("edge.id", candidate.EdgeID).Warnf("backup edge is not live, discarding")
				m.teardownBinding(ctx, candidate.ResourceID)
				continue
			}
			err = m.store.Update(func(tx store.Tx) error {
				if err := store.DeleteRouterBinding(tx, candidate.ResourceID); err != nil {
					return err
				}
				if err := store.CreateRouterBinding(tx, &api.RouterBinding{
					ResourceID:    resourceID,
					Status:        api.StatusPendingCreate,
					ApplianceSize: size,
					EdgeType:      edgeType,
				}); err != nil {
					return err
				}
				// The appliance is already deployed; run the usual deploy
				// transitions in place so the row ends up ACTIVE with its
				// grid seeded.
				if err := applyDeployStarted(tx, resourceID, candidate.EdgeID, m.maxTunnels); err != nil {
					return err
				}
				return applyDeployCompleted(tx, resourceID)
			})
			if err != nil {
				return err
			}
			claimed = candidate.EdgeID
			return nil
		}
		return nil
	})
	return claimed, err
}

func (m *Manager) createBinding(resourceID string, edgeType api.EdgeType, size api.ApplianceSize) error {
	return m.store.Update(func(tx store.Tx) error {
		return store.CreateRouterBinding(tx, &api.RouterBinding{
			ResourceID:    resourceID,
			Status:        api.StatusPendingCreate,
			ApplianceSize: size,
			EdgeType:      edgeType,
		})
	})
}

// deployEdge issues a backend deploy for an existing PENDING_CREATE
// binding and waits for the job to settle. The transitions are applied
// here as soon as the task finishes, so callers see a settled row with
// its grid seeded; the callback sink's copy of the same events no-ops.
func (m *Manager) deployEdge(ctx context.Context, resourceID, displayName string, edgeType api.EdgeType, size api.ApplianceSize) (string, error) {
	done := metrics.StartTimer(deployDuration)
	defer done()

	task, err := m.backend.DeployEdge(ctx, vcns.JobData{ResourceID: resourceID}, edgeCreateSpec(displayName, edgeType, size))
	if err != nil {
		m.failBinding(ctx, resourceID)
		return "", err
	}
	if err := task.Wait(ctx); err != nil {
		return "", err
	}
	edgeID := task.EdgeID()
	if edgeID == "" {
		m.failBinding(ctx, resourceID)
		return "", errors.Errorf("deploy of %s completed without an edge ID", resourceID)
	}
	err = m.store.Update(func(tx store.Tx) error {
		if err := applyDeployStarted(tx, resourceID, edgeID, m.maxTunnels); err != nil {
			return err
		}
		return applyDeployCompleted(tx, resourceID)
	})
	if err == store.ErrNotExist {
		log.G(ctx).Warnf("binding vanished while edge %s deployed", edgeID)
	} else if err != nil {
		return "", err
	}
	return edgeID, nil
}

// renameEdge pushes a new display name under the appliance lock, sharing
// it with every other per-appliance mutation.
func (m *Manager) renameEdge(ctx context.Context, resourceID, edgeID, name string) error {
	return locking.WithLock(ctx, m.locks, edgeID, func() error {
		_, err := m.backend.UpdateEdge(ctx, vcns.JobData{ResourceID: resourceID}, edgeID, &vcns.EdgeUpdateSpec{Name: api.TruncateEdgeName(name)})
		return err
	})
}

// teardownBinding marks a binding PENDING_DELETE and issues the backend
// delete without waiting on it; the callback sink removes the row when
// the delete lands. A binding that never got an edge is removed outright.
func (m *Manager) teardownBinding(ctx context.Context, resourceID string) {
	var edgeID string
	err := m.store.Update(func(tx store.Tx) error {
		binding := store.GetRouterBinding(tx, resourceID)
		if binding == nil {
			return store.ErrNotExist
		}
		edgeID = binding.EdgeID
		if edgeID == "" {
			return store.DeleteRouterBinding(tx, resourceID)
		}
		binding.Status = api.StatusPendingDelete
		return store.UpdateRouterBinding(tx, binding)
	})
	if err == store.ErrNotExist {
		return
	}
	if err != nil {
		log.G(ctx).WithError(err).Errorf("failed to mark binding %s for deletion", resourceID)
		return
	}
	if edgeID != "" {
		m.asyncDeleteEdge(ctx, resourceID, edgeID)
	}
}

// purgeBinding removes a binding row immediately and deletes its
// appliance in the background. Used where the resource ID is about to be
// rebound and cannot wait for the callback sink. Rows already
// PENDING_DELETE have a backend delete in flight and do not get another.
func (m *Manager) purgeBinding(ctx context.Context, b *api.RouterBinding) error {
	err := m.store.Update(func(tx store.Tx) error {
		if err := store.DeleteRouterBinding(tx, b.ResourceID); err != nil && err != store.ErrNotExist {
			return err
		}
		if b.EdgeType != api.EdgeTypeVDR && b.EdgeID != "" {
			return store.CleanEdgeVnicBindings(tx, b.EdgeID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if b.EdgeID != "" && b.Status != api.StatusPendingDelete {
		m.asyncDeleteEdge(ctx, b.ResourceID, b.EdgeID)
	}
	return nil
}

func (m *Manager) asyncDeleteEdge(ctx context.Context, resourceID, edgeID string) {
	m.deletes.Add(1)
	go func() {
		defer m.deletes.Done()
		if _, err := m.backend.DeleteEdge(ctx, vcns.JobData{ResourceID: resourceID}, edgeID); err != nil {
			log.G(ctx).WithError(err).Warnf("delete of edge %s failed", edgeID)
		}
	}()
}

func (m *Manager) failBinding(ctx context.Context, resourceID string) {
	err := m.store.Update(func(tx store.Tx) error {
		binding := store.GetRouterBinding(tx, resourceID)
		if binding == nil {
			return store.ErrNotExist
		}
		binding.Status = api.StatusError
		return store.UpdateRouterBinding(tx, binding)
	})
	if err != nil && err != store.ErrNotExist {
		log.G(ctx).WithError(err).Errorf("failed to record deploy failure for %s", resourceID)
	}
}

// purgeErrorBackups removes every failed filler of one pool: row deleted,
// vnic grid cleaned, backend delete attempted. A second pass over the
// same pool finds nothing to do.
func (m *Manager) purgeErrorBackups(ctx context.Context, edgeType api.EdgeType, size api.ApplianceSize) error {
	var failed []*api.RouterBinding
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		bindings, err := store.FindRouterBindings(tx, store.ByApplianceClass(edgeType, size))
		if err != nil {
			ferr = err
			return
		}
		for _, b := range bindings {
			if b.IsBackup() && b.Status == api.StatusError {
				failed = append(failed, b)
			}
		}
	})
	if ferr != nil {
		return ferr
	}
	if len(failed) == 0 {
		return nil
	}

	err := m.store.Batch(func(batch *store.Batch) error {
		for _, b := range failed {
			b := b
			err := batch.Update(func(tx store.Tx) error {
				if err := store.DeleteRouterBinding(tx, b.ResourceID); err != nil && err != store.ErrNotExist {
					return err
				}
				if b.EdgeType != api.EdgeTypeVDR && b.EdgeID != "" {
					return store.CleanEdgeVnicBindings(tx, b.EdgeID)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, b := range failed {
		log.G(ctx).Warnf("purging failed backup edge %s", b.ResourceID)
		if b.EdgeID != "" {
			m.asyncDeleteEdge(ctx, b.ResourceID, b.EdgeID)
		}
	}
	purgedErrorEdges.Inc(float64(len(failed)))
	return nil
}

// idleBackups returns the claimable fillers of one pool: ACTIVE backup
// rows carrying an edge ID.
func (m *Manager) idleBackups(edgeType api.EdgeType, size api.ApplianceSize) ([]*api.RouterBinding, error) {
	var idle []*api.RouterBinding
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		bindings, err := store.FindRouterBindings(tx, store.ByApplianceClass(edgeType, size))
		if err != nil {
			ferr = err
			return
		}
		for _, b := range bindings {
			if b.IsBackup() && b.Status == api.StatusActive && b.EdgeID != "" {
				idle = append(idle, b)
			}
		}
	})
	return idle, ferr
}

// pooledBackups returns every filler counted against the pool band:
// ACTIVE rows plus in-flight PENDING_CREATE ones.
func (m *Manager) pooledBackups(edgeType api.EdgeType, size api.ApplianceSize) ([]*api.RouterBinding, error) {
	var pooled []*api.RouterBinding
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		bindings, err := store.FindRouterBindings(tx, store.ByApplianceClass(edgeType, size))
		if err != nil {
			ferr = err
			return
		}
		for _, b := range bindings {
			if b.IsBackup() && b.InUse() {
				pooled = append(pooled, b)
			}
		}
	})
	return pooled, ferr
}

// freeSlots reports how many unbound vnic/tunnel slots an edge has.
func (m *Manager) freeSlots(edgeID string) (int, error) {
	var occupied int
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		occupied, ferr = store.CountOccupiedEdgeVnics(tx, edgeID)
	})
	if ferr != nil {
		return 0, ferr
	}
	return (api.MaxVnics-1)*m.maxTunnels - occupied, nil
}

func (m *Manager) shuffleBindings(bindings []*api.RouterBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rand.Shuffle(len(bindings), func(i, j int) {
		bindings[i], bindings[j] = bindings[j], bindings[i]
	})
}

func (m *Manager) shuffleStrings(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rand.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
}

func edgeCreateSpec(name string, edgeType api.EdgeType, size api.ApplianceSize) *vcns.EdgeCreateSpec {
	spec := &vcns.EdgeCreateSpec{
		Name:       api.TruncateEdgeName(name),
		Type:       vcns.EdgeTypeGatewayServices,
		Appliances: &vcns.Appliance{ApplianceSize: string(size)},
	}
	if edgeType == api.EdgeTypeVDR {
		spec.Type = vcns.EdgeTypeDistributedRouter
	}
	return spec
}
