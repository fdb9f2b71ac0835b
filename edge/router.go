package edge

import (
	"context"
	"strings"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/identity"
	"github.com/aaronorosen/vmware-nsx/locking"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
)

// BindRouterOnAvailableEdge places a co-hosted logical router on an edge
// appliance already carrying others, falling back to a fresh shared edge
// when every candidate conflicts or lacks slot headroom. The chosen edge
// must fit networkCount more networks. Returns the edge ID serving the
// router; binding an already-bound router returns its current edge.
func (m *Manager) BindRouterOnAvailableEdge(ctx context.Context, routerID string, conflictRouterIDs, conflictNetworkIDs []string, networkCount int) (string, error) {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)

	var edgeID string
	err := locking.WithLock(ctx, m.locks, locking.LockEdgeRouter, func() error {
		var existing *api.RouterBinding
		m.store.View(func(tx store.ReadTx) {
			existing = store.GetRouterBinding(tx, resourceID)
		})
		if existing != nil {
			if existing.InUse() {
				edgeID = existing.EdgeID
				return nil
			}
			// Tenancy rows are bookkeeping only; the appliance belongs
			// to the shared- owner binding, so only the row goes.
			log.G(ctx).Warnf("replacing defunct tenancy on edge %s", existing.EdgeID)
			err := m.store.Update(func(tx store.Tx) error {
				err := store.DeleteRouterBinding(tx, resourceID)
				if err == store.ErrNotExist {
					return nil
				}
				return err
			})
			if err != nil {
				return err
			}
		}

		excluded, err := m.routerConflictEdges(conflictRouterIDs, conflictNetworkIDs)
		if err != nil {
			return err
		}
		host, err := m.bestSharedEdge(ctx, excluded, networkCount)
		if err != nil {
			return err
		}

		var size api.ApplianceSize
		var edgeType api.EdgeType
		if host != nil {
			edgeID = host.EdgeID
			size, edgeType = host.ApplianceSize, host.EdgeType
			log.G(ctx).Infof("sharing edge %s", edgeID)
		} else {
			sharedID := api.TruncateResourceID(api.SharedPrefix + identity.NewID())
			id, err := m.Allocate(ctx, sharedID, sharedID, api.EdgeTypeService, api.SizeCompact)
			if err != nil {
				return err
			}
			edgeID = id
			size, edgeType = api.SizeCompact, api.EdgeTypeService
		}

		return m.store.Update(func(tx store.Tx) error {
			return store.CreateRouterBinding(tx, &api.RouterBinding{
				ResourceID:    resourceID,
				EdgeID:        edgeID,
				Status:        api.StatusActive,
				ApplianceSize: size,
				EdgeType:      edgeType,
			})
		})
	})
	if err != nil {
		return "", err
	}
	return edgeID, nil
}

// UnbindRouterOnEdge removes routerID's claim on its shared edge. Callers
// detach the router's networks first, so by the time the last tenant
// unbinds the slot grid is already clear and the appliance goes back
// through Free. Unbinding an unknown router is a warned no-op.
func (m *Manager) UnbindRouterOnEdge(ctx context.Context, routerID string) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)

	return locking.WithLock(ctx, m.locks, locking.LockEdgeRouter, func() error {
		var binding *api.RouterBinding
		m.store.View(func(tx store.ReadTx) {
			binding = store.GetRouterBinding(tx, resourceID)
		})
		if binding == nil {
			log.G(ctx).Warnf("unbind of unknown router")
			return nil
		}
		err := m.store.Update(func(tx store.Tx) error {
			return store.DeleteRouterBinding(tx, resourceID)
		})
		if err != nil {
			return err
		}
		if binding.EdgeID == "" {
			return nil
		}

		var owner *api.RouterBinding
		tenants := 0
		var ferr error
		m.store.View(func(tx store.ReadTx) {
			rows, err := store.FindRouterBindings(tx, store.ByEdgeID(binding.EdgeID))
			if err != nil {
				ferr = err
				return
			}
			for _, b := range rows {
				switch {
				case strings.HasPrefix(b.ResourceID, api.SharedPrefix):
					owner = b
				case b.IsBackup():
				case b.InUse():
					tenants++
				}
			}
		})
		if ferr != nil {
			return ferr
		}
		if tenants > 0 || owner == nil {
			return nil
		}
		log.G(ctx).Infof("last tenant left shared edge %s", binding.EdgeID)
		return m.Free(ctx, owner.ResourceID)
	})
}

// IsRouterConflictOnEdge reports whether edgeID already hosts any of the
// given routers or networks.
func (m *Manager) IsRouterConflictOnEdge(edgeID string, conflictRouterIDs, conflictNetworkIDs []string) (bool, error) {
	var conflict bool
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		for _, id := range conflictRouterIDs {
			if b := store.GetRouterBinding(tx, api.TruncateResourceID(id)); b != nil && b.EdgeID == edgeID {
				conflict = true
				return
			}
		}
		for _, net := range conflictNetworkIDs {
			slots, err := store.FindVnicBindings(tx, store.ByEdgeNetwork(edgeID, net))
			if err != nil {
				ferr = err
				return
			}
			if len(slots) > 0 {
				conflict = true
				return
			}
		}
	})
	return conflict, ferr
}

// RecordLswitch stamps the internal wire joining a distributed router's
// two halves onto its binding.
func (m *Manager) RecordLswitch(resourceID, lswitchID string) error {
	return m.store.Update(func(tx store.Tx) error {
		binding := store.GetRouterBinding(tx, api.TruncateResourceID(resourceID))
		if binding == nil {
			return store.ErrNotExist
		}
		binding.LswitchID = lswitchID
		return store.UpdateRouterBinding(tx, binding)
	})
}

// GetPlrIDByVdrEdge resolves the provider-side (PLR) edge paired with the
// distributed router hosted on vdrEdgeID. The bool is false when no PLR
// is attached.
func (m *Manager) GetPlrIDByVdrEdge(vdrEdgeID string) (string, bool) {
	var plrEdgeID string
	m.store.View(func(tx store.ReadTx) {
		rows, err := store.FindRouterBindings(tx, store.ByEdgeID(vdrEdgeID))
		if err != nil {
			return
		}
		for _, b := range rows {
			if b.IsBackup() || strings.HasPrefix(b.ResourceID, api.PlrPrefix) {
				continue
			}
			plr := store.GetRouterBinding(tx, PlrIDForRouter(b.ResourceID))
			if plr != nil && plr.EdgeID != "" {
				plrEdgeID = plr.EdgeID
				return
			}
		}
	})
	return plrEdgeID, plrEdgeID != ""
}

// PlrIDForRouter derives the provider-side resource ID paired with a
// distributed router.
func PlrIDForRouter(routerID string) string {
	return api.TruncateResourceID(api.PlrPrefix + routerID)
}

// routerConflictEdges resolves the edges the router must avoid: edges
// bound to conflicting routers plus edges carrying conflicting networks.
func (m *Manager) routerConflictEdges(conflictRouterIDs, conflictNetworkIDs []string) (map[string]struct{}, error) {
	excluded := make(map[string]struct{})
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		for _, id := range conflictRouterIDs {
			if b := store.GetRouterBinding(tx, api.TruncateResourceID(id)); b != nil && b.EdgeID != "" {
				excluded[b.EdgeID] = struct{}{}
			}
		}
		for _, net := range conflictNetworkIDs {
			slots, err := store.FindVnicBindings(tx, store.ByNetworkID(net))
			if err != nil {
				ferr = err
				return
			}
			for _, s := range slots {
				excluded[s.EdgeID] = struct{}{}
			}
		}
	})
	if ferr != nil {
		return nil, ferr
	}
	return excluded, nil
}

// bestSharedEdge returns the live shared edge with the most free slots
// still fitting networkCount more networks, nil when none qualifies.
func (m *Manager) bestSharedEdge(ctx context.Context, excluded map[string]struct{}, networkCount int) (*api.RouterBinding, error) {
	var owners []*api.RouterBinding
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		bindings, err := store.FindRouterBindings(tx, store.ByResourceIDPrefix(api.SharedPrefix))
		if err != nil {
			ferr = err
			return
		}
		for _, b := range bindings {
			if b.Status != api.StatusActive || b.EdgeID == "" {
				continue
			}
			if _, ok := excluded[b.EdgeID]; ok {
				continue
			}
			owners = append(owners, b)
		}
	})
	if ferr != nil {
		return nil, ferr
	}

	var best *api.RouterBinding
	bestFree := 0
	for _, b := range owners {
		free, err := m.freeSlots(b.EdgeID)
		if err != nil {
			return nil, err
		}
		if free < networkCount || (best != nil && free <= bestFree) {
			continue
		}
		status, err := m.backend.GetEdgeStatus(ctx, b.EdgeID)
		if err != nil || !status.Live() {
			log.G(ctx).WithField("edge.id", b.EdgeID).Warnf("shared edge is not live, skipping")
			continue
		}
		best, bestFree = b, free
	}
	return best, nil
}
