package edge

import (
	"context"
	"strings"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/locking"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

// ConflictProvider reports networks that must not share an edge appliance
// with a given network. Drivers wire this to their overlap rules; nil
// disables the check.
type ConflictProvider interface {
	ConflictingNetworks(ctx context.Context, networkID string) ([]string, error)
}

// CreateDhcpEdgeService places DHCP service for networkID on an edge
// appliance and returns its ID. An existing DHCP edge with slot headroom
// is reused when no conflict rules it out; otherwise a fresh compact
// service edge is allocated. Calling it again for the same network
// returns the same edge.
func (m *Manager) CreateDhcpEdgeService(ctx context.Context, networkID string) (string, error) {
	resourceID := api.TruncateResourceID(api.DhcpPrefix + networkID)
	ctx = log.WithField(ctx, "resource.id", resourceID)

	var edgeID string
	err := locking.WithLock(ctx, m.locks, locking.LockEdgePool, func() error {
		var existing *api.RouterBinding
		m.store.View(func(tx store.ReadTx) {
			existing = store.GetRouterBinding(tx, resourceID)
		})
		if existing != nil {
			if existing.InUse() {
				edgeID = existing.EdgeID
				return nil
			}
			// The resource ID is about to be rebound, so the old row
			// cannot wait for the callback sink.
			log.G(ctx).Warnf("replacing defunct dhcp edge %s", existing.EdgeID)
			if err := m.purgeBinding(ctx, existing); err != nil {
				return err
			}
		}

		excluded, err := m.dhcpConflictEdges(ctx, networkID)
		if err != nil {
			return err
		}
		host, err := m.randomAvailableDhcpEdge(ctx, excluded)
		if err != nil {
			return err
		}
		if host != nil {
			err := m.store.Update(func(tx store.Tx) error {
				if err := store.CreateRouterBinding(tx, &api.RouterBinding{
					ResourceID:    resourceID,
					EdgeID:        host.EdgeID,
					Status:        api.StatusActive,
					ApplianceSize: host.ApplianceSize,
					EdgeType:      host.EdgeType,
				}); err != nil {
					return err
				}
				_, err := store.AllocateEdgeVnicWithTunnel(tx, host.EdgeID, networkID, "")
				return err
			})
			if err != nil {
				return err
			}
			log.G(ctx).Infof("sharing dhcp edge %s", host.EdgeID)
			edgeID = host.EdgeID
			return nil
		}

		id, err := m.Allocate(ctx, resourceID, resourceID, api.EdgeTypeService, api.SizeCompact)
		if err != nil {
			return err
		}
		err = m.store.Update(func(tx store.Tx) error {
			_, err := store.AllocateEdgeVnicWithTunnel(tx, id, networkID, "")
			return err
		})
		if err != nil {
			return err
		}
		edgeID = id
		return nil
	})
	return edgeID, err
}

// UpdateDhcpServiceConfig replaces the DHCP document on an edge and
// rebuilds the static-binding cache from what the backend actually
// recorded.
func (m *Manager) UpdateDhcpServiceConfig(ctx context.Context, edgeID string, cfg *vcns.DhcpConfig) error {
	return locking.WithLock(ctx, m.locks, edgeID, func() error {
		if err := m.backend.UpdateDhcpConfig(ctx, edgeID, cfg); err != nil {
			return err
		}
		mappings, err := m.backend.GetDhcpBindingMappings(ctx, edgeID)
		if err != nil {
			return err
		}
		return m.store.Update(func(tx store.Tx) error {
			if err := store.DeleteDhcpStaticBindingsByEdge(tx, edgeID); err != nil {
				return err
			}
			for mac, bindingID := range mappings {
				if err := store.CreateDhcpStaticBinding(tx, &api.DhcpStaticBinding{
					EdgeID:     edgeID,
					MacAddress: strings.ToLower(mac),
					BindingID:  bindingID,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// RemoveDhcpServiceOnEdge stops serving DHCP for networkID. The slot is
// released and the binding row removed; once no other DHCP network is
// left on the edge the appliance itself is freed.
func (m *Manager) RemoveDhcpServiceOnEdge(ctx context.Context, networkID string) error {
	resourceID := api.TruncateResourceID(api.DhcpPrefix + networkID)
	ctx = log.WithField(ctx, "resource.id", resourceID)

	return locking.WithLock(ctx, m.locks, locking.LockEdgePool, func() error {
		var binding *api.RouterBinding
		m.store.View(func(tx store.ReadTx) {
			binding = store.GetRouterBinding(tx, resourceID)
		})
		if binding == nil {
			log.G(ctx).Warnf("remove of unknown dhcp binding")
			return nil
		}
		if binding.EdgeID == "" {
			return m.store.Update(func(tx store.Tx) error {
				return store.DeleteRouterBinding(tx, resourceID)
			})
		}

		err := m.store.Update(func(tx store.Tx) error {
			_, err := store.FreeEdgeVnicByNetwork(tx, binding.EdgeID, networkID)
			if err == store.ErrNotExist {
				log.G(ctx).Debugf("no vnic slot recorded for network %s", networkID)
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}

		var tenants int
		var ferr error
		m.store.View(func(tx store.ReadTx) {
			rows, err := store.FindRouterBindings(tx, store.ByEdgeID(binding.EdgeID))
			if err != nil {
				ferr = err
				return
			}
			for _, b := range rows {
				if b.ResourceID != resourceID && strings.HasPrefix(b.ResourceID, api.DhcpPrefix) && b.InUse() {
					tenants++
				}
			}
		})
		if ferr != nil {
			return ferr
		}
		if tenants > 0 {
			// The edge keeps serving other networks; only this one's row
			// goes.
			return m.store.Update(func(tx store.Tx) error {
				return store.DeleteRouterBinding(tx, resourceID)
			})
		}
		return m.Free(ctx, resourceID)
	})
}

// CreateDhcpBinding pushes one static lease to an edge and caches the ID
// the backend assigned to it.
func (m *Manager) CreateDhcpBinding(ctx context.Context, edgeID string, binding *vcns.StaticBinding) error {
	return locking.WithLock(ctx, m.locks, edgeID, func() error {
		bindingID, err := m.backend.CreateDhcpStaticBinding(ctx, edgeID, binding)
		if err != nil {
			return err
		}
		return m.store.Update(func(tx store.Tx) error {
			mac := strings.ToLower(binding.MacAddress)
			if err := store.DeleteDhcpStaticBinding(tx, edgeID, mac); err != nil && err != store.ErrNotExist {
				return err
			}
			return store.CreateDhcpStaticBinding(tx, &api.DhcpStaticBinding{
				EdgeID:     edgeID,
				MacAddress: mac,
				BindingID:  bindingID,
			})
		})
	})
}

// DeleteDhcpBinding removes one static lease. A MAC with no cached
// backend ID is skipped with a warning; the next full config push
// rebuilds the cache anyway.
func (m *Manager) DeleteDhcpBinding(ctx context.Context, edgeID, mac string) error {
	mac = strings.ToLower(mac)
	return locking.WithLock(ctx, m.locks, edgeID, func() error {
		var cached *api.DhcpStaticBinding
		m.store.View(func(tx store.ReadTx) {
			cached = store.GetDhcpStaticBinding(tx, edgeID, mac)
		})
		if cached == nil {
			log.G(ctx).Warnf("no dhcp binding recorded for %s on edge %s", mac, edgeID)
			return nil
		}
		if err := m.backend.DeleteDhcpStaticBinding(ctx, edgeID, cached.BindingID); err != nil {
			return err
		}
		return m.store.Update(func(tx store.Tx) error {
			err := store.DeleteDhcpStaticBinding(tx, edgeID, mac)
			if err == store.ErrNotExist {
				return nil
			}
			return err
		})
	})
}

// dhcpConflictEdges resolves the set of edges this network must keep away
// from: every edge carrying a slot for a conflicting network.
func (m *Manager) dhcpConflictEdges(ctx context.Context, networkID string) (map[string]struct{}, error) {
	excluded := make(map[string]struct{})
	if m.conflicts == nil {
		return excluded, nil
	}
	nets, err := m.conflicts.ConflictingNetworks(ctx, networkID)
	if err != nil {
		return nil, err
	}
	if len(nets) == 0 {
		return excluded, nil
	}
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		for _, net := range nets {
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

// randomAvailableDhcpEdge picks a live DHCP edge with a full vnic's worth
// of slot headroom, at random, skipping excluded edges. Returns nil when
// no edge qualifies.
func (m *Manager) randomAvailableDhcpEdge(ctx context.Context, excluded map[string]struct{}) (*api.RouterBinding, error) {
	var hosts []*api.RouterBinding
	var ferr error
	m.store.View(func(tx store.ReadTx) {
		bindings, err := store.FindRouterBindings(tx, store.ByResourceIDPrefix(api.DhcpPrefix))
		if err != nil {
			ferr = err
			return
		}
		seen := make(map[string]struct{})
		for _, b := range bindings {
			if b.Status != api.StatusActive || b.EdgeID == "" {
				continue
			}
			if _, ok := excluded[b.EdgeID]; ok {
				continue
			}
			if _, ok := seen[b.EdgeID]; ok {
				continue
			}
			seen[b.EdgeID] = struct{}{}
			hosts = append(hosts, b)
		}
	})
	if ferr != nil {
		return nil, ferr
	}
	m.shuffleBindings(hosts)
	for _, b := range hosts {
		free, err := m.freeSlots(b.EdgeID)
		if err != nil {
			return nil, err
		}
		if free <= m.maxTunnels-1 {
			continue
		}
		status, err := m.backend.GetEdgeStatus(ctx, b.EdgeID)
		if err != nil || !status.Live() {
			log.G(ctx).WithField("edge.id", b.EdgeID).Warnf("dhcp edge is not live, skipping")
			continue
		}
		return b, nil
	}
	return nil, nil
}
