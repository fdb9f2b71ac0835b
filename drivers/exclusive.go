package drivers

import (
	"context"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

// Exclusive serves routers that own a whole edge appliance. Internal
// networks take primary vnic slots; the uplink stays on the reserved
// vnic.
type Exclusive struct {
	base
}

// NewExclusive builds the exclusive-router driver.
func NewExclusive(cfg Config) *Exclusive {
	return &Exclusive{base: newBase(cfg)}
}

func (d *Exclusive) Kind() api.RouterKind {
	return api.RouterKindExclusive
}

func (d *Exclusive) Create(ctx context.Context, router *Router) (string, error) {
	return d.edges.Allocate(ctx, router.ID, router.Name, api.EdgeTypeService, sizeOrDefault(router.Size))
}

// Delete hands the appliance back to the pool. The routing table is
// cleared first so a pooled appliance never resurfaces with a stale
// table; a failure there is logged and the release continues, since the
// release path tears the appliance down anyway when it is unhealthy.
func (d *Exclusive) Delete(ctx context.Context, routerID string) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)

	if binding := d.binding(resourceID); binding != nil && binding.EdgeID != "" {
		err := d.withEdgeLock(ctx, binding.EdgeID, func() error {
			return d.backend.UpdateRoutes(ctx, binding.EdgeID, nil, nil)
		})
		if err != nil {
			log.G(ctx).WithError(err).Warnf("clearing routes on edge %s before release", binding.EdgeID)
		}
	}
	return d.edges.Free(ctx, resourceID)
}

func (d *Exclusive) AttachNetwork(ctx context.Context, routerID string, iface *Interface) error {
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
			slot, err = store.AllocateEdgeVnic(tx, edgeID, iface.NetworkID, d.edges.MaxTunnels())
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

func (d *Exclusive) DetachNetwork(ctx context.Context, routerID, networkID string) error {
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
		if err := d.backend.DeleteInterface(ctx, edgeID, slot.VnicIndex); err != nil && !vcns.IsNotFound(err) {
			return err
		}
		return nil
	})
}

func (d *Exclusive) UpdateGateway(ctx context.Context, routerID string, gw *Gateway) error {
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

func (d *Exclusive) SetRoutes(ctx context.Context, routerID string, routes []Route, nextHop string) error {
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
