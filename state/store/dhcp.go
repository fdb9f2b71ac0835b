package store

import (
	"strings"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableDhcpStaticBinding = "dhcpstaticbinding"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableDhcpStaticBinding,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: dhcpStaticBindingIndexerByID{},
				},
				indexEdgeID: {
					Name:    indexEdgeID,
					Indexer: dhcpStaticBindingIndexerByEdgeID{},
				},
				indexMac: {
					Name:    indexMac,
					Indexer: dhcpStaticBindingIndexerByMac{},
				},
			},
		},
		Save: func(tx ReadTx, snapshot *Snapshot) error {
			var err error
			snapshot.DhcpStaticBindings, err = FindDhcpStaticBindings(tx, All)
			return err
		},
		Restore: func(tx Tx, snapshot *Snapshot) error {
			bindings, err := FindDhcpStaticBindings(tx, All)
			if err != nil {
				return err
			}
			for _, db := range bindings {
				if err := DeleteDhcpStaticBinding(tx, db.EdgeID, db.MacAddress); err != nil {
					return err
				}
			}
			for _, db := range snapshot.DhcpStaticBindings {
				if err := CreateDhcpStaticBinding(tx, db); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

func dhcpStaticBindingID(edgeID, mac string) string {
	return edgeID + "/" + strings.ToLower(mac)
}

type dhcpStaticBindingEntry struct {
	*api.DhcpStaticBinding
}

func (db dhcpStaticBindingEntry) ID() string {
	return dhcpStaticBindingID(db.EdgeID, db.MacAddress)
}

func (db dhcpStaticBindingEntry) Copy() Object {
	return dhcpStaticBindingEntry{db.DhcpStaticBinding.Copy()}
}

func (db dhcpStaticBindingEntry) EventCreate() state.Event {
	return state.EventCreateDhcpStaticBinding{DhcpStaticBinding: db.DhcpStaticBinding}
}

func (db dhcpStaticBindingEntry) EventUpdate() state.Event {
	return state.EventUpdateDhcpStaticBinding{DhcpStaticBinding: db.DhcpStaticBinding}
}

func (db dhcpStaticBindingEntry) EventDelete() state.Event {
	return state.EventDeleteDhcpStaticBinding{DhcpStaticBinding: db.DhcpStaticBinding}
}

// CreateDhcpStaticBinding adds a new DHCP static binding to the store. The
// MAC address is stored lowercased. Returns ErrExist if the (edge, MAC)
// pair is already present.
func CreateDhcpStaticBinding(tx Tx, db *api.DhcpStaticBinding) error {
	db.MacAddress = strings.ToLower(db.MacAddress)
	return tx.create(tableDhcpStaticBinding, dhcpStaticBindingEntry{db})
}

// DeleteDhcpStaticBinding removes a DHCP static binding from the store.
// Returns ErrNotExist if the binding doesn't exist.
func DeleteDhcpStaticBinding(tx Tx, edgeID, mac string) error {
	return tx.delete(tableDhcpStaticBinding, dhcpStaticBindingID(edgeID, mac))
}

// DeleteDhcpStaticBindingsByEdge removes every DHCP static binding cached
// for an edge.
func DeleteDhcpStaticBindingsByEdge(tx Tx, edgeID string) error {
	bindings, err := FindDhcpStaticBindings(tx, ByEdgeID(edgeID))
	if err != nil {
		return err
	}
	for _, db := range bindings {
		if err := DeleteDhcpStaticBinding(tx, db.EdgeID, db.MacAddress); err != nil {
			return err
		}
	}
	return nil
}

// GetDhcpStaticBinding looks up a DHCP static binding by (edge, MAC).
// Returns nil if the binding doesn't exist.
func GetDhcpStaticBinding(tx ReadTx, edgeID, mac string) *api.DhcpStaticBinding {
	db := tx.get(tableDhcpStaticBinding, dhcpStaticBindingID(edgeID, mac))
	if db == nil {
		return nil
	}
	return db.(dhcpStaticBindingEntry).DhcpStaticBinding
}

// FindDhcpStaticBindings selects a set of DHCP static bindings and returns
// them.
func FindDhcpStaticBindings(tx ReadTx, by By) ([]*api.DhcpStaticBinding, error) {
	switch by.(type) {
	case byAll, byEdgeID, byMacAddress, byOr:
	default:
		return nil, ErrInvalidFindBy
	}

	bindingList := []*api.DhcpStaticBinding{}
	err := tx.find(tableDhcpStaticBinding, by, func(o Object) {
		bindingList = append(bindingList, o.(dhcpStaticBindingEntry).DhcpStaticBinding)
	})
	return bindingList, err
}

// CountDhcpStaticBindingsPerEdge returns the number of cached static
// bindings per edge ID.
func CountDhcpStaticBindingsPerEdge(tx ReadTx) (map[string]int, error) {
	bindings, err := FindDhcpStaticBindings(tx, All)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, db := range bindings {
		counts[db.EdgeID]++
	}
	return counts, nil
}

type dhcpStaticBindingIndexerByID struct{}

func (di dhcpStaticBindingIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (di dhcpStaticBindingIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	db, ok := obj.(dhcpStaticBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := db.ID() + "\x00"
	return true, []byte(val), nil
}

type dhcpStaticBindingIndexerByEdgeID struct{}

func (di dhcpStaticBindingIndexerByEdgeID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (di dhcpStaticBindingIndexerByEdgeID) FromObject(obj interface{}) (bool, []byte, error) {
	db, ok := obj.(dhcpStaticBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := db.EdgeID + "\x00"
	return true, []byte(val), nil
}

type dhcpStaticBindingIndexerByMac struct{}

func (di dhcpStaticBindingIndexerByMac) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (di dhcpStaticBindingIndexerByMac) FromObject(obj interface{}) (bool, []byte, error) {
	db, ok := obj.(dhcpStaticBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := strings.ToLower(db.MacAddress) + "\x00"
	return true, []byte(val), nil
}
