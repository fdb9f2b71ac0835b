package store

import (
	"errors"
	"time"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableRouterBinding = "routerbinding"

// ErrInvalidResourceID is returned when a router binding is created with a
// resource ID longer than api.MaxResourceIDLen.
var ErrInvalidResourceID = errors.New("resource ID exceeds maximum length")

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableRouterBinding,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: routerBindingIndexerByID{},
				},
				indexEdgeID: {
					Name:         indexEdgeID,
					AllowMissing: true,
					Indexer:      routerBindingIndexerByEdgeID{},
				},
				indexStatus: {
					Name:         indexStatus,
					AllowMissing: true,
					Indexer:      routerBindingIndexerByStatus{},
				},
				indexClass: {
					Name:         indexClass,
					AllowMissing: true,
					Indexer:      routerBindingIndexerByClass{},
				},
			},
		},
		Save: func(tx ReadTx, snapshot *Snapshot) error {
			var err error
			snapshot.RouterBindings, err = FindRouterBindings(tx, All)
			return err
		},
		Restore: func(tx Tx, snapshot *Snapshot) error {
			bindings, err := FindRouterBindings(tx, All)
			if err != nil {
				return err
			}
			for _, rb := range bindings {
				if err := DeleteRouterBinding(tx, rb.ResourceID); err != nil {
					return err
				}
			}
			for _, rb := range snapshot.RouterBindings {
				if err := CreateRouterBinding(tx, rb); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

type routerBindingEntry struct {
	*api.RouterBinding
}

func (rb routerBindingEntry) ID() string {
	return rb.ResourceID
}

func (rb routerBindingEntry) Copy() Object {
	return routerBindingEntry{rb.RouterBinding.Copy()}
}

func (rb routerBindingEntry) EventCreate() state.Event {
	return state.EventCreateRouterBinding{RouterBinding: rb.RouterBinding}
}

func (rb routerBindingEntry) EventUpdate() state.Event {
	return state.EventUpdateRouterBinding{RouterBinding: rb.RouterBinding}
}

func (rb routerBindingEntry) EventDelete() state.Event {
	return state.EventDeleteRouterBinding{RouterBinding: rb.RouterBinding}
}

// CreateRouterBinding adds a new router binding to the store.
// Returns ErrExist if the resource ID is already taken.
func CreateRouterBinding(tx Tx, rb *api.RouterBinding) error {
	if len(rb.ResourceID) > api.MaxResourceIDLen {
		return ErrInvalidResourceID
	}
	if rb.CreatedAt.IsZero() {
		rb.CreatedAt = time.Now().UTC()
	}
	return tx.create(tableRouterBinding, routerBindingEntry{rb})
}

// UpdateRouterBinding updates an existing router binding in the store.
// Returns ErrNotExist if the binding doesn't exist.
func UpdateRouterBinding(tx Tx, rb *api.RouterBinding) error {
	return tx.update(tableRouterBinding, routerBindingEntry{rb})
}

// DeleteRouterBinding removes a router binding from the store.
// Returns ErrNotExist if the binding doesn't exist.
func DeleteRouterBinding(tx Tx, resourceID string) error {
	return tx.delete(tableRouterBinding, resourceID)
}

// GetRouterBinding looks up a router binding by resource ID.
// Returns nil if the binding doesn't exist.
func GetRouterBinding(tx ReadTx, resourceID string) *api.RouterBinding {
	rb := tx.get(tableRouterBinding, resourceID)
	if rb == nil {
		return nil
	}
	return rb.(routerBindingEntry).RouterBinding
}

// FindRouterBindings selects a set of router bindings and returns them.
func FindRouterBindings(tx ReadTx, by By) ([]*api.RouterBinding, error) {
	switch by.(type) {
	case byAll, byResourceIDPrefix, byEdgeID, byStatus, byApplianceClass, byOr:
	default:
		return nil, ErrInvalidFindBy
	}

	bindingList := []*api.RouterBinding{}
	err := tx.find(tableRouterBinding, by, func(o Object) {
		bindingList = append(bindingList, o.(routerBindingEntry).RouterBinding)
	})
	return bindingList, err
}

func classKey(edgeType api.EdgeType, size api.ApplianceSize) string {
	return string(edgeType) + "\x00" + string(size)
}

type routerBindingIndexerByID struct{}

func (ri routerBindingIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ri routerBindingIndexerByID) PrefixFromArgs(args ...interface{}) ([]byte, error) {
	return prefixFromArgs(args...)
}

func (ri routerBindingIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	rb, ok := obj.(routerBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := rb.ResourceID + "\x00"
	return true, []byte(val), nil
}

type routerBindingIndexerByEdgeID struct{}

func (ri routerBindingIndexerByEdgeID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ri routerBindingIndexerByEdgeID) FromObject(obj interface{}) (bool, []byte, error) {
	rb, ok := obj.(routerBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if rb.EdgeID == "" {
		return false, nil, nil
	}

	// Add the null character as a terminator
	val := rb.EdgeID + "\x00"
	return true, []byte(val), nil
}

type routerBindingIndexerByStatus struct{}

func (ri routerBindingIndexerByStatus) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ri routerBindingIndexerByStatus) FromObject(obj interface{}) (bool, []byte, error) {
	rb, ok := obj.(routerBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := string(rb.Status) + "\x00"
	return true, []byte(val), nil
}

type routerBindingIndexerByClass struct{}

func (ri routerBindingIndexerByClass) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ri routerBindingIndexerByClass) FromObject(obj interface{}) (bool, []byte, error) {
	rb, ok := obj.(routerBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := classKey(rb.EdgeType, rb.ApplianceSize) + "\x00"
	return true, []byte(val), nil
}
