package store

import (
	"fmt"
	"sort"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableVnicBinding = "vnicbinding"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableVnicBinding,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: vnicBindingIndexerByID{},
				},
				indexEdgeID: {
					Name:    indexEdgeID,
					Indexer: vnicBindingIndexerByEdgeID{},
				},
				indexNetworkID: {
					Name:         indexNetworkID,
					AllowMissing: true,
					Indexer:      vnicBindingIndexerByNetworkID{},
				},
				indexEdgeNetwork: {
					Name:         indexEdgeNetwork,
					AllowMissing: true,
					Indexer:      vnicBindingIndexerByEdgeNetwork{},
				},
			},
		},
		Save: func(tx ReadTx, snapshot *Snapshot) error {
			var err error
			snapshot.VnicBindings, err = FindVnicBindings(tx, All)
			return err
		},
		Restore: func(tx Tx, snapshot *Snapshot) error {
			bindings, err := FindVnicBindings(tx, All)
			if err != nil {
				return err
			}
			for _, vb := range bindings {
				if err := DeleteVnicBinding(tx, vb.EdgeID, vb.VnicIndex, vb.TunnelIndex); err != nil {
					return err
				}
			}
			for _, vb := range snapshot.VnicBindings {
				if err := CreateVnicBinding(tx, vb); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

func vnicBindingID(edgeID string, vnicIndex, tunnelIndex int) string {
	return fmt.Sprintf("%s/%d/%d", edgeID, vnicIndex, tunnelIndex)
}

type vnicBindingEntry struct {
	*api.VnicBinding
}

func (vb vnicBindingEntry) ID() string {
	return vnicBindingID(vb.EdgeID, vb.VnicIndex, vb.TunnelIndex)
}

func (vb vnicBindingEntry) Copy() Object {
	return vnicBindingEntry{vb.VnicBinding.Copy()}
}

func (vb vnicBindingEntry) EventCreate() state.Event {
	return state.EventCreateVnicBinding{VnicBinding: vb.VnicBinding}
}

func (vb vnicBindingEntry) EventUpdate() state.Event {
	return state.EventUpdateVnicBinding{VnicBinding: vb.VnicBinding}
}

func (vb vnicBindingEntry) EventDelete() state.Event {
	return state.EventDeleteVnicBinding{VnicBinding: vb.VnicBinding}
}

// CreateVnicBinding adds a new vnic slot to the store.
// Returns ErrExist if the slot already exists.
func CreateVnicBinding(tx Tx, vb *api.VnicBinding) error {
	return tx.create(tableVnicBinding, vnicBindingEntry{vb})
}

// UpdateVnicBinding updates an existing vnic slot in the store.
// Returns ErrNotExist if the slot doesn't exist.
func UpdateVnicBinding(tx Tx, vb *api.VnicBinding) error {
	return tx.update(tableVnicBinding, vnicBindingEntry{vb})
}

// DeleteVnicBinding removes a vnic slot from the store.
// Returns ErrNotExist if the slot doesn't exist.
func DeleteVnicBinding(tx Tx, edgeID string, vnicIndex, tunnelIndex int) error {
	return tx.delete(tableVnicBinding, vnicBindingID(edgeID, vnicIndex, tunnelIndex))
}

// GetVnicBinding looks up a vnic slot by its (edge, vnic, tunnel) address.
// Returns nil if the slot doesn't exist.
func GetVnicBinding(tx ReadTx, edgeID string, vnicIndex, tunnelIndex int) *api.VnicBinding {
	vb := tx.get(tableVnicBinding, vnicBindingID(edgeID, vnicIndex, tunnelIndex))
	if vb == nil {
		return nil
	}
	return vb.(vnicBindingEntry).VnicBinding
}

// FindVnicBindings selects a set of vnic slots and returns them.
func FindVnicBindings(tx ReadTx, by By) ([]*api.VnicBinding, error) {
	switch by.(type) {
	case byAll, byEdgeID, byNetworkID, byEdgeNetwork, byOr:
	default:
		return nil, ErrInvalidFindBy
	}

	bindingList := []*api.VnicBinding{}
	err := tx.find(tableVnicBinding, by, func(o Object) {
		bindingList = append(bindingList, o.(vnicBindingEntry).VnicBinding)
	})
	return bindingList, err
}

// sortVnicBindings orders slots numerically by (vnic, tunnel).
func sortVnicBindings(bindings []*api.VnicBinding) {
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].VnicIndex != bindings[j].VnicIndex {
			return bindings[i].VnicIndex < bindings[j].VnicIndex
		}
		return bindings[i].TunnelIndex < bindings[j].TunnelIndex
	})
}

// InitEdgeVnicBindings seeds the full slot grid for an edge: vnic indexes
// 1..MaxVnics-1 (index 0 is the uplink), each owning maxTunnels globally
// numbered tunnel slots, all free.
func InitEdgeVnicBindings(tx Tx, edgeID string, maxTunnels int) error {
	for vnicIndex := 1; vnicIndex < api.MaxVnics; vnicIndex++ {
		for i := 1; i <= maxTunnels; i++ {
			tunnelIndex := (vnicIndex-1)*maxTunnels + i
			err := CreateVnicBinding(tx, &api.VnicBinding{
				EdgeID:      edgeID,
				VnicIndex:   vnicIndex,
				TunnelIndex: tunnelIndex,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// CleanEdgeVnicBindings removes the whole slot grid of an edge.
func CleanEdgeVnicBindings(tx Tx, edgeID string) error {
	bindings, err := FindVnicBindings(tx, ByEdgeID(edgeID))
	if err != nil {
		return err
	}
	for _, vb := range bindings {
		if err := DeleteVnicBinding(tx, vb.EdgeID, vb.VnicIndex, vb.TunnelIndex); err != nil {
			return err
		}
	}
	return nil
}

// AllocateEdgeVnic binds a network to the first free primary slot of the
// edge. A slot is primary when its tunnel index is the first tunnel position
// of its vnic; with one tunnel per vnic every slot is primary. Returns
// ErrNoSlotAvailable if no primary slot is free; no mutation is performed in
// that case.
func AllocateEdgeVnic(tx Tx, edgeID, networkID string, maxTunnels int) (*api.VnicBinding, error) {
	bindings, err := FindVnicBindings(tx, ByEdgeID(edgeID))
	if err != nil {
		return nil, err
	}
	sortVnicBindings(bindings)

	for _, vb := range bindings {
		if vb.NetworkID != "" {
			continue
		}
		if maxTunnels > 1 && vb.TunnelIndex%maxTunnels != 1 {
			continue
		}
		vb.NetworkID = networkID
		if err := UpdateVnicBinding(tx, vb); err != nil {
			return nil, err
		}
		return vb, nil
	}
	return nil, ErrNoSlotAvailable
}

// AllocateEdgeVnicWithTunnel binds a network to the first free slot of the
// edge, primary or not. The vnic carrying metadataNetworkID, if any, is
// skipped so sub-interface attachment never crowds the metadata service.
// Returns ErrNoSlotAvailable if the grid is full.
func AllocateEdgeVnicWithTunnel(tx Tx, edgeID, networkID, metadataNetworkID string) (*api.VnicBinding, error) {
	metadataVnic := -1
	if metadataNetworkID != "" {
		mdBindings, err := FindVnicBindings(tx, ByEdgeNetwork(edgeID, metadataNetworkID))
		if err != nil {
			return nil, err
		}
		if len(mdBindings) > 0 {
			metadataVnic = mdBindings[0].VnicIndex
		}
	}

	bindings, err := FindVnicBindings(tx, ByEdgeID(edgeID))
	if err != nil {
		return nil, err
	}
	sortVnicBindings(bindings)

	for _, vb := range bindings {
		if vb.NetworkID != "" || vb.VnicIndex == metadataVnic {
			continue
		}
		vb.NetworkID = networkID
		if err := UpdateVnicBinding(tx, vb); err != nil {
			return nil, err
		}
		return vb, nil
	}
	return nil, ErrNoSlotAvailable
}

// AllocateSpecificEdgeVnic binds a network to an exact slot. The slot row
// must exist. Binding the same network twice is a no-op; a slot occupied by
// a different network returns ErrSlotOccupied.
func AllocateSpecificEdgeVnic(tx Tx, edgeID string, vnicIndex, tunnelIndex int, networkID string) (*api.VnicBinding, error) {
	vb := GetVnicBinding(tx, edgeID, vnicIndex, tunnelIndex)
	if vb == nil {
		return nil, ErrNotExist
	}
	if vb.NetworkID == networkID {
		return vb, nil
	}
	if vb.NetworkID != "" {
		return nil, ErrSlotOccupied
	}
	vb.NetworkID = networkID
	if err := UpdateVnicBinding(tx, vb); err != nil {
		return nil, err
	}
	return vb, nil
}

// FreeEdgeVnicByNetwork clears the slot a network occupies on an edge and
// returns it. Returns ErrNotExist if the network holds no slot there.
func FreeEdgeVnicByNetwork(tx Tx, edgeID, networkID string) (*api.VnicBinding, error) {
	bindings, err := FindVnicBindings(tx, ByEdgeNetwork(edgeID, networkID))
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, ErrNotExist
	}
	vb := bindings[0]
	vb.NetworkID = ""
	if err := UpdateVnicBinding(tx, vb); err != nil {
		return nil, err
	}
	return vb, nil
}

// CountOccupiedEdgeVnics returns the number of bound slots on an edge.
func CountOccupiedEdgeVnics(tx ReadTx, edgeID string) (int, error) {
	bindings, err := FindVnicBindings(tx, ByEdgeID(edgeID))
	if err != nil {
		return 0, err
	}
	occupied := 0
	for _, vb := range bindings {
		if vb.NetworkID != "" {
			occupied++
		}
	}
	return occupied, nil
}

type vnicBindingIndexerByID struct{}

func (vi vnicBindingIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (vi vnicBindingIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	vb, ok := obj.(vnicBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := vb.ID() + "\x00"
	return true, []byte(val), nil
}

type vnicBindingIndexerByEdgeID struct{}

func (vi vnicBindingIndexerByEdgeID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (vi vnicBindingIndexerByEdgeID) FromObject(obj interface{}) (bool, []byte, error) {
	vb, ok := obj.(vnicBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := vb.EdgeID + "\x00"
	return true, []byte(val), nil
}

type vnicBindingIndexerByNetworkID struct{}

func (vi vnicBindingIndexerByNetworkID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (vi vnicBindingIndexerByNetworkID) FromObject(obj interface{}) (bool, []byte, error) {
	vb, ok := obj.(vnicBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Free slots are not indexed
	if vb.NetworkID == "" {
		return false, nil, nil
	}

	val := vb.NetworkID + "\x00"
	return true, []byte(val), nil
}

type vnicBindingIndexerByEdgeNetwork struct{}

func (vi vnicBindingIndexerByEdgeNetwork) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (vi vnicBindingIndexerByEdgeNetwork) FromObject(obj interface{}) (bool, []byte, error) {
	vb, ok := obj.(vnicBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Free slots are not indexed
	if vb.NetworkID == "" {
		return false, nil, nil
	}

	val := vb.EdgeID + "\x00" + vb.NetworkID + "\x00"
	return true, []byte(val), nil
}
