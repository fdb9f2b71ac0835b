package store

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state"
	"github.com/aaronorosen/vmware-nsx/watch"
	memdb "github.com/hashicorp/go-memdb"
)

const (
	indexID          = "id"
	indexEdgeID      = "edgeid"
	indexStatus      = "status"
	indexClass       = "class"
	indexNetworkID   = "networkid"
	indexEdgeNetwork = "edgenetwork"
	indexMac         = "mac"

	prefix = "_prefix"

	// MaxChangesPerTransaction is the number of changes after which a new
	// transaction should be started within Batch.
	MaxChangesPerTransaction = 200
)

var (
	// ErrExist is returned by create operations if the provided ID is
	// already taken.
	ErrExist = errors.New("object already exists")

	// ErrNotExist is returned by altering operations (update, delete) if the
	// object does not exist.
	ErrNotExist = errors.New("object does not exist")

	// ErrInvalidFindBy is returned if an unrecognized or not applicable By
	// is passed to Find.
	ErrInvalidFindBy = errors.New("invalid find argument type")

	// ErrNoSlotAvailable is returned when a vnic/tunnel allocation finds no
	// free slot on the edge. This is a hard capacity error; callers pick a
	// different edge instead of retrying.
	ErrNoSlotAvailable = errors.New("no free vnic/tunnel slot on edge")

	// ErrSlotOccupied is returned when a direct-addressed slot allocation
	// hits a slot already bound to a different network.
	ErrSlotOccupied = errors.New("vnic/tunnel slot already occupied")

	objectStorers []ObjectStoreConfig
	schema        = &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{},
	}
)

func register(os ObjectStoreConfig) {
	objectStorers = append(objectStorers, os)
	schema.Tables[os.Table.Name] = os.Table
}

// Object is the interface implemented by the table entry wrappers.
type Object interface {
	ID() string
	Copy() Object
	EventCreate() state.Event
	EventUpdate() state.Event
	EventDelete() state.Event
}

// ObjectStoreConfig provides the necessary methods to store a particular
// object type inside MemoryStore.
type ObjectStoreConfig struct {
	Table   *memdb.TableSchema
	Save    func(ReadTx, *Snapshot) error
	Restore func(Tx, *Snapshot) error
}

// Snapshot is the serializable image of the full store contents, used for
// bolt persistence across restarts.
type Snapshot struct {
	RouterBindings     []*api.RouterBinding     `json:"router_bindings"`
	VnicBindings       []*api.VnicBinding       `json:"vnic_bindings"`
	DhcpStaticBindings []*api.DhcpStaticBinding `json:"dhcp_static_bindings"`
}

// ReadTx is a read transaction. Note that transaction does not imply any
// internal batching. It only means that the transaction presents a
// consistent view of the data that cannot be affected by other
// transactions.
type ReadTx interface {
	lookup(table, index, id string) Object
	get(table, id string) Object
	find(table string, by By, cb func(Object)) error
}

// Tx is a read/write transaction. Note that transaction does not imply any
// internal batching. The purpose of this transaction is to give the user a
// guarantee that its changes won't be visible to other transactions until
// the transaction is over.
type Tx interface {
	ReadTx
	create(table string, o Object) error
	update(table string, o Object) error
	delete(table, id string) error
}

// Persister receives the committed changelist of every update transaction.
// Implementations provide best-effort durability; the store does not roll
// back a commit whose persistence failed.
type Persister interface {
	Persist(changes []state.Event) error
}

// MemoryStore is a concurrency-safe, in-memory implementation of the binding
// store.
type MemoryStore struct {
	// updateLock must be held during an update transaction.
	updateLock sync.Mutex

	memDB *memdb.MemDB
	queue *watch.Queue

	persister Persister
}

// NewMemoryStore returns an in-memory store. The argument is an optional
// Persister which will be given every committed changelist.
func NewMemoryStore(persister Persister) *MemoryStore {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		// This shouldn't fail
		panic(err)
	}

	return &MemoryStore{
		memDB:     memDB,
		queue:     watch.NewQueue(0),
		persister: persister,
	}
}

// Close closes the watch queue.
func (s *MemoryStore) Close() error {
	s.queue.Close()
	return nil
}

func fromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	arg, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string: %#v", args[0])
	}
	// Add the null character as a terminator
	arg += "\x00"
	return []byte(arg), nil
}

func prefixFromArgs(args ...interface{}) ([]byte, error) {
	val, err := fromArgs(args...)
	if err != nil {
		return nil, err
	}

	// Strip the null terminator, the rest is a prefix
	n := len(val)
	if n > 0 {
		return val[:n-1], nil
	}
	return val, nil
}

type readTx struct {
	memDBTx *memdb.Txn
}

// View executes a read transaction.
func (s *MemoryStore) View(cb func(ReadTx)) {
	memDBTx := s.memDB.Txn(false)

	readTx := readTx{
		memDBTx: memDBTx,
	}
	cb(readTx)
	memDBTx.Commit()
}

type tx struct {
	readTx
	changelist []state.Event
}

func (tx *tx) init(memDBTx *memdb.Txn) {
	tx.memDBTx = memDBTx
	tx.changelist = nil
}

func (s *MemoryStore) update(cb func(Tx) error) error {
	s.updateLock.Lock()
	memDBTx := s.memDB.Txn(true)

	var tx tx
	tx.init(memDBTx)

	err := cb(&tx)

	if err == nil {
		memDBTx.Commit()
		s.publish(tx.changelist)
	} else {
		memDBTx.Abort()
	}
	s.updateLock.Unlock()
	return err
}

func (s *MemoryStore) publish(changelist []state.Event) {
	for _, c := range changelist {
		s.queue.Publish(watch.Event{Payload: c})
	}
	if len(changelist) != 0 {
		s.queue.Publish(watch.Event{Payload: state.EventCommit{}})
		if s.persister != nil {
			if err := s.persister.Persist(changelist); err != nil {
				log.L.WithError(err).Error("failed to persist store changes")
			}
		}
	}
}

// Update executes a read/write transaction.
func (s *MemoryStore) Update(cb func(Tx) error) error {
	return s.update(cb)
}

// Batch provides a mechanism to batch updates to a store.
type Batch struct {
	tx        tx
	store     *MemoryStore
	applied   int
	committed int
	err       error
}

// Update adds a single change to a batch. Each call to Update is atomic, but
// different calls to Update may be spread across multiple transactions to
// circumvent transaction size limits.
func (batch *Batch) Update(cb func(Tx) error) error {
	if batch.err != nil {
		return batch.err
	}

	if err := cb(&batch.tx); err != nil {
		return err
	}

	batch.applied++

	if len(batch.tx.changelist) >= MaxChangesPerTransaction {
		if err := batch.commit(); err != nil {
			return err
		}

		// Yield the update lock
		batch.store.updateLock.Unlock()
		runtime.Gosched()
		batch.store.updateLock.Lock()

		batch.newTx()
	}

	return nil
}

func (batch *Batch) newTx() {
	batch.tx.init(batch.store.memDB.Txn(true))
}

func (batch *Batch) commit() error {
	batch.tx.memDBTx.Commit()
	batch.committed = batch.applied
	batch.store.publish(batch.tx.changelist)
	return nil
}

// Batch performs one or more transactions that allow reads and writes. It
// invokes a callback that is passed a Batch object. The callback may call
// batch.Update for each change it wants to make as part of the batch. The
// changes in the batch may be split over multiple transactions if necessary
// to keep transactions below the size limit. Batch holds a lock over the
// state, but will yield this lock every time it creates a new transaction
// to allow other writers to proceed. Thus, unrelated changes to the state
// may occur between calls to batch.Update.
//
// This method allows the caller to iterate over a data set and apply changes
// in sequence without holding the store write lock for an excessive time.
func (s *MemoryStore) Batch(cb func(*Batch) error) error {
	s.updateLock.Lock()

	batch := Batch{
		store: s,
	}
	batch.newTx()

	if err := cb(&batch); err != nil {
		batch.tx.memDBTx.Abort()
		s.updateLock.Unlock()
		return err
	}

	err := batch.commit()
	s.updateLock.Unlock()
	return err
}

// lookup is an internal typed wrapper around memdb.
func (t readTx) lookup(table, index, id string) Object {
	j, err := t.memDBTx.First(table, index, id)
	if err != nil {
		return nil
	}
	if j != nil {
		return j.(Object)
	}
	return nil
}

// get looks up an object by ID.
// Returns nil if the object doesn't exist.
func (t readTx) get(table, id string) Object {
	o := t.lookup(table, indexID, id)
	if o == nil {
		return nil
	}
	return o.Copy()
}

// find selects a set of objects and calls a callback for each matching
// object, in index order.
func (t readTx) find(table string, by By, cb func(Object)) error {
	fromResultIterator := func(it memdb.ResultIterator) {
		for {
			obj := it.Next()
			if obj == nil {
				break
			}
			cb(obj.(Object).Copy())
		}
	}

	fromResultIterators := func(its ...memdb.ResultIterator) {
		ids := make(map[string]struct{})
		for _, it := range its {
			for {
				obj := it.Next()
				if obj == nil {
					break
				}
				o := obj.(Object)
				id := o.ID()
				if _, exists := ids[id]; !exists {
					cb(o.Copy())
					ids[id] = struct{}{}
				}
			}
		}
	}

	switch v := by.(type) {
	case byAll:
		it, err := t.memDBTx.Get(table, indexID)
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byResourceIDPrefix:
		it, err := t.memDBTx.Get(table, indexID+prefix, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byEdgeID:
		it, err := t.memDBTx.Get(table, indexEdgeID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byStatus:
		its := make([]memdb.ResultIterator, 0, len(v.statuses))
		for _, status := range v.statuses {
			it, err := t.memDBTx.Get(table, indexStatus, string(status))
			if err != nil {
				return err
			}
			its = append(its, it)
		}
		fromResultIterators(its...)
	case byApplianceClass:
		it, err := t.memDBTx.Get(table, indexClass, classKey(v.edgeType, v.size))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byNetworkID:
		it, err := t.memDBTx.Get(table, indexNetworkID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byEdgeNetwork:
		it, err := t.memDBTx.Get(table, indexEdgeNetwork, v.edgeID+"\x00"+v.networkID)
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byMacAddress:
		it, err := t.memDBTx.Get(table, indexMac, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byOr:
		ids := make(map[string]struct{})
		dedupedCb := func(o Object) {
			id := o.ID()
			if _, exists := ids[id]; !exists {
				cb(o)
				ids[id] = struct{}{}
			}
		}
		for _, subBy := range v.bys {
			if err := t.find(table, subBy, dedupedCb); err != nil {
				return err
			}
		}
	default:
		return ErrInvalidFindBy
	}
	return nil
}

// create adds a new object to the store.
// Returns ErrExist if the ID is already taken.
func (tx *tx) create(table string, o Object) error {
	if tx.lookup(table, indexID, o.ID()) != nil {
		return ErrExist
	}

	copy := o.Copy()
	err := tx.memDBTx.Insert(table, copy)
	if err == nil {
		tx.changelist = append(tx.changelist, copy.EventCreate())
	}
	return err
}

// update updates an existing object in the store.
// Returns ErrNotExist if the object doesn't exist.
func (tx *tx) update(table string, o Object) error {
	if tx.lookup(table, indexID, o.ID()) == nil {
		return ErrNotExist
	}

	copy := o.Copy()
	err := tx.memDBTx.Insert(table, copy)
	if err == nil {
		tx.changelist = append(tx.changelist, copy.EventUpdate())
	}
	return err
}

// delete removes an object from the store.
// Returns ErrNotExist if the object doesn't exist.
func (tx *tx) delete(table, id string) error {
	n := tx.lookup(table, indexID, id)
	if n == nil {
		return ErrNotExist
	}

	err := tx.memDBTx.Delete(table, n)
	if err == nil {
		tx.changelist = append(tx.changelist, n.EventDelete())
	}
	return err
}

// Save serializes the data in the store.
func (s *MemoryStore) Save(tx ReadTx) (*Snapshot, error) {
	var snapshot Snapshot
	for _, os := range objectStorers {
		if err := os.Save(tx, &snapshot); err != nil {
			return nil, err
		}
	}

	return &snapshot, nil
}

// Restore sets the contents of the store to the serialized data in the
// argument.
func (s *MemoryStore) Restore(snapshot *Snapshot) error {
	return s.update(func(tx Tx) error {
		for _, os := range objectStorers {
			if err := os.Restore(tx, snapshot); err != nil {
				return err
			}
		}
		return nil
	})
}

// WatchQueue returns the publish/subscribe queue.
func (s *MemoryStore) WatchQueue() *watch.Queue {
	return s.queue
}
