package drivers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/edge"
	"github.com/aaronorosen/vmware-nsx/locking"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

// Backend vnic roles.
const (
	vnicTypeUplink   = "uplink"
	vnicTypeInternal = "internal"
)

// uplinkVnicIndex is the slot reserved for the external attachment on
// service edges. The slot grid starts above it.
const uplinkVnicIndex = 0

// Router describes one logical router to place.
type Router struct {
	ID   string
	Name string
	// Size picks the appliance form factor where the kind deploys a
	// dedicated appliance. Empty means compact.
	Size api.ApplianceSize

	// Placement hints for co-located kinds: edges bound to any of these
	// routers or carrying any of these networks are avoided, and the
	// chosen edge must fit NetworkCount more networks.
	ConflictRouterIDs  []string
	ConflictNetworkIDs []string
	NetworkCount       int
}

// Gateway describes a router's external attachment. A nil Gateway on
// UpdateGateway detaches it.
type Gateway struct {
	// NetworkID is the backend portgroup of the external network.
	NetworkID  string
	Address    string
	SubnetMask string
	// NextHop is the upstream default gateway. Empty leaves the edge
	// without a default route.
	NextHop string
}

// Interface describes a router's attachment to one internal network.
type Interface struct {
	// NetworkID is the backend portgroup or wire backing the attachment.
	NetworkID  string
	Address    string
	SubnetMask string
}

// Route is one static route of a logical router. NetworkID selects the
// egress interface; External routes leave through the uplink instead.
type Route struct {
	Destination string
	NextHop     string
	NetworkID   string
	External    bool
}

// Driver is the per-kind router lifecycle. Implementations are safe for
// concurrent use.
type Driver interface {
	Kind() api.RouterKind

	// Create places the router and returns the edge appliance serving it.
	Create(ctx context.Context, router *Router) (string, error)
	// Delete releases the router's claim on its appliance. Networks must
	// be detached first.
	Delete(ctx context.Context, routerID string) error

	AttachNetwork(ctx context.Context, routerID string, iface *Interface) error
	DetachNetwork(ctx context.Context, routerID, networkID string) error

	UpdateGateway(ctx context.Context, routerID string, gw *Gateway) error
	SetRoutes(ctx context.Context, routerID string, routes []Route, nextHop string) error
}

// Config collects the capabilities every driver runs on.
type Config struct {
	Store   *store.MemoryStore
	Backend vcns.Client
	Locks   locking.NamedLockService
	Edges   *edge.Manager
}

// Registry resolves drivers by router kind.
type Registry map[api.RouterKind]Driver

// NewRegistry builds the full driver set on one shared config.
func NewRegistry(cfg Config) Registry {
	return Registry{
		api.RouterKindExclusive:   NewExclusive(cfg),
		api.RouterKindDistributed: NewDistributed(cfg),
		api.RouterKindShared:      NewShared(cfg),
	}
}

// Get returns the driver serving kind.
func (r Registry) Get(kind api.RouterKind) (Driver, error) {
	d, ok := r[kind]
	if !ok {
		return nil, errors.Errorf("no driver for router kind %q", kind)
	}
	return d, nil
}

type base struct {
	store   *store.MemoryStore
	backend vcns.Client
	locks   locking.NamedLockService
	edges   *edge.Manager
}

func newBase(cfg Config) base {
	return base{
		store:   cfg.Store,
		backend: cfg.Backend,
		locks:   cfg.Locks,
		edges:   cfg.Edges,
	}
}

func (b *base) withEdgeLock(ctx context.Context, edgeID string, fn func() error) error {
	return locking.WithLock(ctx, b.locks, edgeID, fn)
}

func (b *base) binding(resourceID string) *api.RouterBinding {
	var binding *api.RouterBinding
	b.store.View(func(tx store.ReadTx) {
		binding = store.GetRouterBinding(tx, resourceID)
	})
	return binding
}

// edgeIDFor resolves the appliance serving a router, erroring when the
// router is unknown or its deploy never finished.
func (b *base) edgeIDFor(resourceID string) (string, error) {
	binding := b.binding(resourceID)
	if binding == nil || binding.EdgeID == "" {
		return "", errors.Errorf("router %s has no edge appliance", resourceID)
	}
	return binding.EdgeID, nil
}

func (b *base) vnicIndexFor(edgeID, networkID string) (int, bool) {
	var index int
	var ok bool
	b.store.View(func(tx store.ReadTx) {
		slots, err := store.FindVnicBindings(tx, store.ByEdgeNetwork(edgeID, networkID))
		if err == nil && len(slots) > 0 {
			index, ok = slots[0].VnicIndex, true
		}
	})
	return index, ok
}

// resolveRoutes turns logical routes into backend rows, resolving each
// network to its slot. Routes whose network holds no slot on the edge are
// dropped with an error log, matching the push-what-resolves contract of
// route updates.
func (b *base) resolveRoutes(ctx context.Context, edgeID string, routes []Route, uplinkVnic int) []vcns.StaticRoute {
	out := []vcns.StaticRoute{}
	b.store.View(func(tx store.ReadTx) {
		for _, r := range routes {
			vnic := uplinkVnic
			if r.External {
				if uplinkVnic < 0 {
					log.G(ctx).Errorf("no uplink on edge %s, dropping route to %s", edgeID, r.Destination)
					continue
				}
			} else {
				slots, err := store.FindVnicBindings(tx, store.ByEdgeNetwork(edgeID, r.NetworkID))
				if err != nil || len(slots) == 0 {
					log.G(ctx).Errorf("no slot for network %s on edge %s, dropping route to %s", r.NetworkID, edgeID, r.Destination)
					continue
				}
				vnic = slots[0].VnicIndex
			}
			out = append(out, vcns.StaticRoute{
				Network: r.Destination,
				NextHop: r.NextHop,
				Vnic:    vnic,
			})
		}
	})
	return out
}

// pushRoutes replaces the edge's static routing table. nextHop becomes the
// default route out uplinkVnic; empty clears it.
func (b *base) pushRoutes(ctx context.Context, edgeID string, routes []Route, nextHop string, uplinkVnic int) error {
	resolved := b.resolveRoutes(ctx, edgeID, routes, uplinkVnic)
	var def *vcns.DefaultRoute
	if nextHop != "" {
		if uplinkVnic < 0 {
			log.G(ctx).Warnf("no uplink on edge %s, dropping default route via %s", edgeID, nextHop)
		} else {
			def = &vcns.DefaultRoute{GatewayAddress: nextHop, Vnic: uplinkVnic}
		}
	}
	return b.backend.UpdateRoutes(ctx, edgeID, def, resolved)
}

// setUplink reconfigures the external attachment on vnicIndex, preserving
// the static routes already pushed to the edge. A nil gw clears the
// default route but leaves the vnic itself alone; the next gateway claims
// it.
func (b *base) setUplink(ctx context.Context, edgeID string, gw *Gateway, vnicIndex int) error {
	_, routes, err := b.backend.GetRoutes(ctx, edgeID)
	if err != nil {
		return err
	}
	if gw == nil {
		log.G(ctx).Infof("clearing default gateway on edge %s", edgeID)
		return b.backend.UpdateRoutes(ctx, edgeID, nil, routes)
	}
	vnic := &vcns.VnicConfig{
		Index:         vnicIndex,
		Type:          vnicTypeUplink,
		PortgroupID:   gw.NetworkID,
		AddressGroups: addressGroups(gw.Address, gw.SubnetMask),
		IsConnected:   true,
	}
	if err := b.backend.UpdateInterface(ctx, edgeID, vnic); err != nil {
		return err
	}
	var def *vcns.DefaultRoute
	if gw.NextHop != "" {
		def = &vcns.DefaultRoute{GatewayAddress: gw.NextHop, Vnic: vnicIndex}
	}
	return b.backend.UpdateRoutes(ctx, edgeID, def, routes)
}

func addressGroups(address, mask string) *vcns.AddressGroups {
	if address == "" {
		return nil
	}
	return &vcns.AddressGroups{AddressGroups: []vcns.AddressGroup{{
		PrimaryAddress: address,
		SubnetMask:     mask,
	}}}
}

func sizeOrDefault(size api.ApplianceSize) api.ApplianceSize {
	if size == "" {
		return api.SizeCompact
	}
	return size
}
