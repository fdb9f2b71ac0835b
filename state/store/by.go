package store

import (
	"strings"

	"github.com/aaronorosen/vmware-nsx/api"
)

// By is an interface type passed to Find methods. Implementations must be
// defined in this package.
type By interface {
	// isBy allows this interface to only be satisfied by certain internal
	// types.
	isBy()
}

type byAll struct{}

func (a byAll) isBy() {
}

// All is an argument that can be passed to find to list all items in the
// set.
var All byAll

type byResourceIDPrefix string

func (b byResourceIDPrefix) isBy() {
}

// ByResourceIDPrefix creates an object to pass to Find to select bindings
// whose resource ID starts with the given prefix. Pool fillers are selected
// with ByResourceIDPrefix(api.BackupPrefix).
func ByResourceIDPrefix(idPrefix string) By {
	return byResourceIDPrefix(idPrefix)
}

type byEdgeID string

func (b byEdgeID) isBy() {
}

// ByEdgeID creates an object to pass to Find to select by backend edge ID.
func ByEdgeID(edgeID string) By {
	return byEdgeID(edgeID)
}

type byStatus struct {
	statuses []api.BindingStatus
}

func (b byStatus) isBy() {
}

// ByStatus creates an object to pass to Find to select bindings whose
// status is any of the given values.
func ByStatus(statuses ...api.BindingStatus) By {
	return byStatus{statuses: statuses}
}

type byApplianceClass struct {
	edgeType api.EdgeType
	size     api.ApplianceSize
}

func (b byApplianceClass) isBy() {
}

// ByApplianceClass creates an object to pass to Find to select by the
// (edge type, appliance size) pool class.
func ByApplianceClass(edgeType api.EdgeType, size api.ApplianceSize) By {
	return byApplianceClass{edgeType: edgeType, size: size}
}

type byNetworkID string

func (b byNetworkID) isBy() {
}

// ByNetworkID creates an object to pass to Find to select vnic slots
// occupied by a network.
func ByNetworkID(networkID string) By {
	return byNetworkID(networkID)
}

type byEdgeNetwork struct {
	edgeID    string
	networkID string
}

func (b byEdgeNetwork) isBy() {
}

// ByEdgeNetwork creates an object to pass to Find to select the vnic slot a
// network occupies on a specific edge.
func ByEdgeNetwork(edgeID, networkID string) By {
	return byEdgeNetwork{edgeID: edgeID, networkID: networkID}
}

type byMacAddress string

func (b byMacAddress) isBy() {
}

// ByMacAddress creates an object to pass to Find to select DHCP static
// bindings by MAC address. The match is case-insensitive.
func ByMacAddress(mac string) By {
	return byMacAddress(strings.ToLower(mac))
}

type byOr struct {
	bys []By
}

func (b byOr) isBy() {
}

// Or returns a combinator that selects the union of its arguments. Results
// that match more than one argument are returned only once.
func Or(bys ...By) By {
	return byOr{bys: bys}
}
