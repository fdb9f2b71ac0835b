package api

import (
	"strings"
	"time"
)

// BindingStatus describes where a router binding is in its lifecycle. The
// values are stored verbatim, so they never change even if the constant
// names do.
type BindingStatus string

const (
	// StatusPendingCreate is set when an allocation has been requested but
	// the backend deploy has not finished.
	StatusPendingCreate BindingStatus = "PENDING_CREATE"
	// StatusActive means the appliance is deployed and usable.
	StatusActive BindingStatus = "ACTIVE"
	// StatusPendingDelete means the binding is being torn down; the row is
	// removed once the backend confirms the delete.
	StatusPendingDelete BindingStatus = "PENDING_DELETE"
	// StatusError marks a binding whose backend operation failed. Error
	// rows are purged by the next reconcile pass.
	StatusError BindingStatus = "ERROR"
)

// ApplianceSize is the form factor of a deployed edge appliance.
type ApplianceSize string

const (
	SizeCompact   ApplianceSize = "compact"
	SizeLarge     ApplianceSize = "large"
	SizeXLarge    ApplianceSize = "xlarge"
	SizeQuadLarge ApplianceSize = "quadlarge"
)

// ApplianceSizes lists every valid size, in deployment-cost order.
var ApplianceSizes = []ApplianceSize{SizeCompact, SizeLarge, SizeXLarge, SizeQuadLarge}

// EdgeType distinguishes service edges, which carry a vnic/tunnel slot
// grid, from distributed (VDR) edges, which do not.
type EdgeType string

const (
	EdgeTypeService EdgeType = "service"
	EdgeTypeVDR     EdgeType = "vdr"
)

// EdgeTypes lists every valid edge type.
var EdgeTypes = []EdgeType{EdgeTypeService, EdgeTypeVDR}

// RouterKind selects the driver variant a logical router is served by.
type RouterKind string

const (
	RouterKindExclusive   RouterKind = "exclusive"
	RouterKindDistributed RouterKind = "distributed"
	RouterKindShared      RouterKind = "shared"
)

// Resource naming conventions. Pool fillers, DHCP edges, and PLR halves are
// all recognized by their resource ID prefix.
const (
	// BackupPrefix marks a pool-filler binding: idle capacity waiting to be
	// claimed by a real logical resource.
	BackupPrefix = "backup-"
	// DhcpPrefix marks a DHCP edge binding. The remainder of the resource
	// ID is the network ID the edge serves.
	DhcpPrefix = "dhcp-"
	// PlrPrefix names the provider-side half of a distributed router pair.
	PlrPrefix = "plr-"
	// SharedPrefix marks an edge co-hosting several logical routers.
	SharedPrefix = "shared-"

	// MaxResourceIDLen is the widest resource ID the binding store accepts.
	MaxResourceIDLen = 36
	// MaxEdgeNameLen bounds the display-name portion of an appliance name
	// pushed to the backend.
	MaxEdgeNameLen = 20
)

// Vnic grid dimensions. Tunnel indexes are numbered globally across an
// edge: vnic i (1-based) owns tunnels (i-1)*maxTunnels+1 .. i*maxTunnels.
const (
	// MaxVnics is the number of vnic positions on an appliance. Index 0 is
	// the uplink and never appears in the slot grid.
	MaxVnics = 10
	// FallbackTunnelsPerVnic is used when the configured tunnels-per-vnic
	// value is outside the supported range.
	FallbackTunnelsPerVnic = 10
	// MaxTunnelsPerVnicLimit is the highest tunnels-per-vnic value the
	// backend supports.
	MaxTunnelsPerVnicLimit = 110
)

// RouterBinding maps one logical resource (router, DHCP service, or pool
// filler) to at most one backend edge appliance.
type RouterBinding struct {
	// ResourceID is the primary key. At most MaxResourceIDLen characters.
	ResourceID string
	// EdgeID is the backend appliance ID. Empty while the deploy is in
	// flight.
	EdgeID string
	// LswitchID is the internal wire between the TLR and PLR halves of a
	// distributed router. Empty for every other binding.
	LswitchID string

	Status        BindingStatus
	ApplianceSize ApplianceSize
	EdgeType      EdgeType

	// CreatedAt is stamped by the store. Age reporting only; allocation
	// decisions never read it.
	CreatedAt time.Time
}

// Copy returns a deep copy of the binding.
func (rb *RouterBinding) Copy() *RouterBinding {
	if rb == nil {
		return nil
	}
	c := *rb
	return &c
}

// IsBackup reports whether the binding is a pool filler.
func (rb *RouterBinding) IsBackup() bool {
	return strings.HasPrefix(rb.ResourceID, BackupPrefix)
}

// InUse reports whether the binding currently claims its appliance.
func (rb *RouterBinding) InUse() bool {
	return rb.Status == StatusActive || rb.Status == StatusPendingCreate
}

// VnicBinding is one (edge, vnic, tunnel) slot and its occupant network.
// A slot with an empty NetworkID is free.
type VnicBinding struct {
	EdgeID      string
	VnicIndex   int
	TunnelIndex int
	NetworkID   string
}

// Copy returns a deep copy of the slot.
func (vb *VnicBinding) Copy() *VnicBinding {
	if vb == nil {
		return nil
	}
	c := *vb
	return &c
}

// DhcpStaticBinding caches the backend's ID for one (edge, MAC) static
// lease so later updates and deletes can address it.
type DhcpStaticBinding struct {
	EdgeID string
	// MacAddress is stored lowercased.
	MacAddress string
	BindingID  string
}

// Copy returns a deep copy of the binding.
func (db *DhcpStaticBinding) Copy() *DhcpStaticBinding {
	if db == nil {
		return nil
	}
	c := *db
	return &c
}

// TruncateResourceID trims an ID to the store's limit.
func TruncateResourceID(id string) string {
	if len(id) > MaxResourceIDLen {
		return id[:MaxResourceIDLen]
	}
	return id
}

// TruncateEdgeName trims a display name to the backend's limit.
func TruncateEdgeName(name string) string {
	runes := []rune(name)
	if len(runes) > MaxEdgeNameLen {
		return string(runes[:MaxEdgeNameLen])
	}
	return name
}

// ParseApplianceSize validates a size string from configuration or the CLI.
func ParseApplianceSize(s string) (ApplianceSize, bool) {
	for _, size := range ApplianceSizes {
		if ApplianceSize(strings.ToLower(s)) == size {
			return size, true
		}
	}
	return "", false
}

// ParseEdgeType validates an edge-type string from configuration or the CLI.
func ParseEdgeType(s string) (EdgeType, bool) {
	for _, t := range EdgeTypes {
		if EdgeType(strings.ToLower(s)) == t {
			return t, true
		}
	}
	return "", false
}

// PoolTarget is the idle-appliance band for one (type, size) pool.
type PoolTarget struct {
	Min int
	Max int
}

// PoolTargets maps edge type and appliance size to the configured band.
// Absent combinations are not pooled.
type PoolTargets map[EdgeType]map[ApplianceSize]PoolTarget

// Get returns the band for one pool, zero when the combination is not
// configured.
func (pt PoolTargets) Get(edgeType EdgeType, size ApplianceSize) PoolTarget {
	return pt[edgeType][size]
}

// Set records the band for one pool.
func (pt PoolTargets) Set(edgeType EdgeType, size ApplianceSize, target PoolTarget) {
	sizes, ok := pt[edgeType]
	if !ok {
		sizes = make(map[ApplianceSize]PoolTarget)
		pt[edgeType] = sizes
	}
	sizes[size] = target
}
