package drivers

import (
	"context"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

// Shared serves routers co-located on one appliance. Placement avoids
// conflicting tenants; network attachments take tunnel-grade slots so
// several routers fit on the vnic grid. The uplink and its default route
// belong to the appliance, not to any one tenant, so gateway and route
// pushes replace whole-edge state and callers coordinate their content.
type Shared struct {
	base
}

// NewShared builds the shared-router driver.
func NewShared(cfg Config) *Shared {
	return &Shared{base: newBase(cfg)}
}

func (d *Shared) Kind() api.RouterKind {
	return api.RouterKindShared
}

func (d *Shared) Create(ctx context.Context, router *Router) (string, error) {
	return d.edges.BindRouterOnAvailableEdge(ctx, router.ID, router.ConflictRouterIDs, router.ConflictNetworkIDs, router.NetworkCount)
}

func (d *Shared) Delete(ctx context.Context, routerID string) error {
	return d.edges.UnbindRouterOnEdge(ctx, routerID)
}

func (d *Shared) AttachNetwork(ctx context.Context, routerID string, iface *Interface) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)
	edgeID, err := d.edgeIDFor(resourceID)
	if err != nil {
		return err
	}

	return d.withEdgeLock(ctx, edgeID, func() error {
		var slot *api.VnicBinding
		err := d.store.Update(func(tx store.Tx) error {
			existing, err := store.FindVnicBindings(tx, store.ByEdgeNetwork(edgeID, iface.NetworkID))
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				slot = existing[0]
				return nil
			}
			slot, err = store.AllocateEdgeVnicWithTunnel(tx, edgeID, iface.NetworkID, "")
			return err
		})
		if err != nil {
			return err
		}
		return d.backend.UpdateInterface(ctx, edgeID, &vcns.VnicConfig{
			Index:         slot.VnicIndex,
			Type:          vnicTypeInternal,
			PortgroupID:   iface.NetworkID,
			AddressGroups: addressGroups(iface.Address, iface.SubnetMask),
			IsConnected:   true,
		})
	})
}

// DetachNetwork frees the router's slot. The backend vnic goes only when
// no other network rides it; co-tenant attachments keep it alive.
func (d *Shared) DetachNetwork(ctx context.Context, routerID, networkID string) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)
	edgeID, err := d.edgeIDFor(resourceID)
	if err != nil {
		return err
	}

	return d.withEdgeLock(ctx, edgeID, func() error {
		var slot *api.VnicBinding
		err := d.store.Update(func(tx store.Tx) error {
			var err error
			slot, err = store.FreeEdgeVnicByNetwork(tx, edgeID, networkID)
			if err == store.ErrNotExist {
				slot = nil
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
		if slot == nil {
			log.G(ctx).Warnf("network %s holds no slot on edge %s", networkID, edgeID)
			return nil
		}

		vnicBusy := false
		d.store.View(func(tx store.ReadTx) {
			slots, err := store.FindVnicBindings(tx, store.ByEdgeID(edgeID))
			if err != nil {
				return
			}
			for _, s := range slots {
				if s.VnicIndex == slot.VnicIndex && s.NetworkID != "" {
					vnicBusy = true
					return
				}
			}
		})
		if vnicBusy {
			return nil
		}
		if err := d.backend.DeleteInterface(ctx, edgeID, slot.VnicIndex); err != nil && !vcns.IsNotFound(err) {
			return err
		}
		return nil
	})
}

func (d *Shared) UpdateGateway(ctx context.Context, routerID string, gw *Gateway) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)
	edgeID, err := d.edgeIDFor(resourceID)
	if err != nil {
		return err
	}
	return d.withEdgeLock(ctx, edgeID, func() error {
		return d.setUplink(ctx, edgeID, gw, uplinkVnicIndex)
	})
}

func (d *Shared) SetRoutes(ctx context.Context, routerID string, routes []Route, nextHop string) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)
	edgeID, err := d.edgeIDFor(resourceID)
	if err != nil {
		return err
	}
	return d.withEdgeLock(ctx, edgeID, func() error {
		return d.pushRoutes(ctx, edgeID, routes, nextHop, uplinkVnicIndex)
	})
}
