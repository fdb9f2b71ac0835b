package drivers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/edge"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

// Addressing of the internal wire joining the two halves of a distributed
// router. The VDR half sits on .1, the PLR half on .3.
const (
	wireVdrAddress = "169.254.2.1"
	wirePlrAddress = "169.254.2.3"
	wireSubnetMask = "255.255.255.240"
)

// Distributed serves routers backed by a VDR appliance. The VDR half
// carries the tenant networks; external connectivity hangs off a separate
// PLR service edge, created on gateway attach and joined to the VDR by an
// internal wire. The wire's lswitch ID lives on the router binding, so
// its presence doubles as the PLR-attached flag.
type Distributed struct {
	base
}

// NewDistributed builds the distributed-router driver.
func NewDistributed(cfg Config) *Distributed {
	return &Distributed{base: newBase(cfg)}
}

func (d *Distributed) Kind() api.RouterKind {
	return api.RouterKindDistributed
}

func (d *Distributed) Create(ctx context.Context, router *Router) (string, error) {
	return d.edges.Allocate(ctx, router.ID, router.Name, api.EdgeTypeVDR, sizeOrDefault(router.Size))
}

// Delete releases both halves: the PLR teardown first when one is
// attached, then the VDR appliance itself.
func (d *Distributed) Delete(ctx context.Context, routerID string) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)

	binding := d.binding(resourceID)
	if binding == nil {
		log.G(ctx).Warnf("delete of unknown router")
		return nil
	}
	if binding.LswitchID != "" && binding.EdgeID != "" {
		if err := d.removePlr(ctx, resourceID, binding.EdgeID, binding.LswitchID); err != nil {
			return err
		}
	}
	return d.edges.Free(ctx, resourceID)
}

// AttachNetwork patches one interface onto the VDR half. A distributed
// router carries at most one interface per network.
func (d *Distributed) AttachNetwork(ctx context.Context, routerID string, iface *Interface) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)
	edgeID, err := d.edgeIDFor(resourceID)
	if err != nil {
		return err
	}

	return d.withEdgeLock(ctx, edgeID, func() error {
		if _, taken := d.vnicIndexFor(edgeID, iface.NetworkID); taken {
			return errors.Errorf("network %s is already attached to distributed router %s", iface.NetworkID, resourceID)
		}
		index, err := d.backend.AddVdrInternalInterface(ctx, edgeID, &vcns.VdrInterfaceConfig{
			Type:          vnicTypeInternal,
			ConnectedTo:   iface.NetworkID,
			AddressGroups: addressGroups(iface.Address, iface.SubnetMask),
			IsConnected:   true,
		})
		if err != nil {
			return err
		}
		return d.store.Update(func(tx store.Tx) error {
			return store.CreateVnicBinding(tx, &api.VnicBinding{
				EdgeID:    edgeID,
				VnicIndex: index,
				NetworkID: iface.NetworkID,
			})
		})
	})
}

func (d *Distributed) DetachNetwork(ctx context.Context, routerID, networkID string) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)
	edgeID, err := d.edgeIDFor(resourceID)
	if err != nil {
		return err
	}

	return d.withEdgeLock(ctx, edgeID, func() error {
		return d.dropVdrInterface(ctx, edgeID, networkID)
	})
}

// UpdateGateway attaches or detaches external connectivity. Attaching
// builds the PLR half on demand; detaching tears it down and keeps the
// VDR running headless.
func (d *Distributed) UpdateGateway(ctx context.Context, routerID string, gw *Gateway) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)
	vdrEdge, err := d.edgeIDFor(resourceID)
	if err != nil {
		return err
	}

	binding := d.binding(resourceID)
	if gw == nil {
		if binding.LswitchID == "" {
			log.G(ctx).Debugf("no gateway attached, nothing to clear")
			return nil
		}
		return d.removePlr(ctx, resourceID, vdrEdge, binding.LswitchID)
	}

	plrEdge, err := d.ensurePlr(ctx, resourceID, vdrEdge)
	if err != nil {
		return err
	}
	return d.withEdgeLock(ctx, plrEdge, func() error {
		return d.setUplink(ctx, plrEdge, gw, uplinkVnicIndex)
	})
}

// SetRoutes splits the table between the halves: tenant routes go on the
// VDR, whose default route stays pinned to the wire; external routes and
// the default next hop go on the PLR's uplink. Without a PLR the external
// half is dropped.
func (d *Distributed) SetRoutes(ctx context.Context, routerID string, routes []Route, nextHop string) error {
	resourceID := api.TruncateResourceID(routerID)
	ctx = log.WithField(ctx, "resource.id", resourceID)
	vdrEdge, err := d.edgeIDFor(resourceID)
	if err != nil {
		return err
	}

	var internal, external []Route
	for _, r := range routes {
		if r.External {
			external = append(external, r)
		} else {
			internal = append(internal, r)
		}
	}

	err = d.withEdgeLock(ctx, vdrEdge, func() error {
		def, _, err := d.backend.GetRoutes(ctx, vdrEdge)
		if err != nil {
			return err
		}
		resolved := d.resolveRoutes(ctx, vdrEdge, internal, -1)
		return d.backend.UpdateRoutes(ctx, vdrEdge, def, resolved)
	})
	if err != nil {
		return err
	}

	binding := d.binding(resourceID)
	if binding == nil || binding.LswitchID == "" {
		if len(external) > 0 || nextHop != "" {
			log.G(ctx).Warnf("no provider router attached, dropping external routes")
		}
		return nil
	}
	plrEdge, err := d.edgeIDFor(edge.PlrIDForRouter(resourceID))
	if err != nil {
		return err
	}
	return d.withEdgeLock(ctx, plrEdge, func() error {
		return d.pushRoutes(ctx, plrEdge, external, nextHop, uplinkVnicIndex)
	})
}

// ensurePlr returns the appliance of the router's PLR half, building the
// wire and deploying the appliance on first use. Re-entrant after partial
// failures: an existing wire is reused, and a PLR whose deploy failed is
// released for the reconciler before the caller retries.
func (d *Distributed) ensurePlr(ctx context.Context, resourceID, vdrEdge string) (string, error) {
	binding := d.binding(resourceID)
	lswitchID := binding.LswitchID
	if lswitchID == "" {
		var err error
		lswitchID, err = d.createWire(ctx, resourceID, vdrEdge)
		if err != nil {
			return "", err
		}
	}

	plrID := edge.PlrIDForRouter(resourceID)
	plrBinding := d.binding(plrID)
	if plrBinding != nil && !plrBinding.InUse() {
		if err := d.edges.Free(ctx, plrID); err != nil {
			return "", err
		}
		return "", errors.Errorf("previous provider router for %s failed and is being cleaned up, retry", resourceID)
	}
	if plrBinding != nil && plrBinding.EdgeID != "" {
		return plrBinding.EdgeID, nil
	}

	plrEdge, err := d.edges.Allocate(ctx, plrID, plrID, api.EdgeTypeService, api.SizeCompact)
	if err != nil {
		return "", err
	}

	var slot *api.VnicBinding
	err = d.store.Update(func(tx store.Tx) error {
		existing, err := store.FindVnicBindings(tx, store.ByEdgeNetwork(plrEdge, lswitchID))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			slot = existing[0]
			return nil
		}
		slot, err = store.AllocateEdgeVnic(tx, plrEdge, lswitchID, d.edges.MaxTunnels())
		return err
	})
	if err != nil {
		return "", err
	}
	err = d.withEdgeLock(ctx, plrEdge, func() error {
		return d.backend.UpdateInterface(ctx, plrEdge, &vcns.VnicConfig{
			Index:         slot.VnicIndex,
			Type:          vnicTypeInternal,
			PortgroupID:   lswitchID,
			AddressGroups: addressGroups(wirePlrAddress, wireSubnetMask),
			IsConnected:   true,
		})
	})
	if err != nil {
		return "", err
	}

	// Point the VDR half's default route across the wire.
	err = d.withEdgeLock(ctx, vdrEdge, func() error {
		wireVnic, ok := d.vnicIndexFor(vdrEdge, lswitchID)
		if !ok {
			return errors.Errorf("wire %s holds no interface on edge %s", lswitchID, vdrEdge)
		}
		_, routes, err := d.backend.GetRoutes(ctx, vdrEdge)
		if err != nil {
			return err
		}
		return d.backend.UpdateRoutes(ctx, vdrEdge, &vcns.DefaultRoute{
			GatewayAddress: wirePlrAddress,
			Vnic:           wireVnic,
		}, routes)
	})
	if err != nil {
		return "", err
	}
	log.G(ctx).Infof("provider router %s attached on edge %s", plrID, plrEdge)
	return plrEdge, nil
}

// createWire builds the internal lswitch, hangs the VDR's uplink
// interface on it, and records it on the router binding.
func (d *Distributed) createWire(ctx context.Context, resourceID, vdrEdge string) (string, error) {
	ls, err := d.backend.CreateLswitch(ctx, &vcns.LswitchSpec{
		DisplayName: api.TruncateResourceID("int-" + resourceID),
	})
	if err != nil {
		return "", err
	}

	var wireIndex int
	err = d.withEdgeLock(ctx, vdrEdge, func() error {
		var err error
		wireIndex, err = d.backend.AddVdrInternalInterface(ctx, vdrEdge, &vcns.VdrInterfaceConfig{
			Type:          vnicTypeUplink,
			ConnectedTo:   ls.UUID,
			AddressGroups: addressGroups(wireVdrAddress, wireSubnetMask),
			IsConnected:   true,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	err = d.store.Update(func(tx store.Tx) error {
		return store.CreateVnicBinding(tx, &api.VnicBinding{
			EdgeID:    vdrEdge,
			VnicIndex: wireIndex,
			NetworkID: ls.UUID,
		})
	})
	if err != nil {
		return "", err
	}
	if err := d.edges.RecordLswitch(resourceID, ls.UUID); err != nil {
		return "", err
	}
	return ls.UUID, nil
}

// removePlr tears down the PLR half: its routes and wire interface, the
// appliance itself, the VDR's side of the wire, and finally the lswitch.
// The binding's lswitch ID is cleared last so an interrupted teardown
// stays re-runnable.
func (d *Distributed) removePlr(ctx context.Context, resourceID, vdrEdge, lswitchID string) error {
	plrID := edge.PlrIDForRouter(resourceID)
	plrBinding := d.binding(plrID)
	if plrBinding != nil {
		if plrEdge := plrBinding.EdgeID; plrEdge != "" {
			err := d.withEdgeLock(ctx, plrEdge, func() error {
				if err := d.backend.UpdateRoutes(ctx, plrEdge, nil, nil); err != nil {
					return err
				}
				var slot *api.VnicBinding
				err := d.store.Update(func(tx store.Tx) error {
					var err error
					slot, err = store.FreeEdgeVnicByNetwork(tx, plrEdge, lswitchID)
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
					return nil
				}
				if err := d.backend.DeleteInterface(ctx, plrEdge, slot.VnicIndex); err != nil && !vcns.IsNotFound(err) {
					return err
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := d.edges.Free(ctx, plrID); err != nil {
			return err
		}
	}

	err := d.withEdgeLock(ctx, vdrEdge, func() error {
		if err := d.backend.UpdateRoutes(ctx, vdrEdge, nil, nil); err != nil {
			return err
		}
		return d.dropVdrInterface(ctx, vdrEdge, lswitchID)
	})
	if err != nil {
		return err
	}

	if err := d.backend.DeleteLswitch(ctx, lswitchID); err != nil && !vcns.IsNotFound(err) {
		log.G(ctx).WithError(err).Warnf("deleting internal wire %s", lswitchID)
	}
	return d.edges.RecordLswitch(resourceID, "")
}

// dropVdrInterface removes the VDR interface carrying networkID along
// with its slot row. Unknown networks are a warned no-op.
func (d *Distributed) dropVdrInterface(ctx context.Context, edgeID, networkID string) error {
	var wire *api.VnicBinding
	d.store.View(func(tx store.ReadTx) {
		slots, err := store.FindVnicBindings(tx, store.ByEdgeNetwork(edgeID, networkID))
		if err == nil && len(slots) > 0 {
			wire = slots[0]
		}
	})
	if wire == nil {
		log.G(ctx).Warnf("network %s holds no interface on edge %s", networkID, edgeID)
		return nil
	}
	if err := d.backend.DeleteVdrInternalInterface(ctx, edgeID, wire.VnicIndex); err != nil && !vcns.IsNotFound(err) {
		return err
	}
	return d.store.Update(func(tx store.Tx) error {
		err := store.DeleteVnicBinding(tx, edgeID, wire.VnicIndex, wire.TunnelIndex)
		if err == store.ErrNotExist {
			return nil
		}
		return err
	})
}
