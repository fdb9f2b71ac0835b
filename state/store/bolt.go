package store

import (
	"bytes"
	"encoding/json"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/log"
	"github.com/aaronorosen/vmware-nsx/state"
	bolt "go.etcd.io/bbolt"
)

// Layout:
//
//  bucket(v1.routerbindings) -> <resource id> -> binding (JSON)
//  bucket(v1.vnicbindings)   -> <edge/vnic/tunnel> -> slot (JSON)
//  bucket(v1.dhcpbindings)   -> <edge/mac> -> binding (JSON)
var (
	bucketKeyStorageVersion = []byte("v1")
	bucketKeyRouterBindings = []byte("routerbindings")
	bucketKeyVnicBindings   = []byte("vnicbindings")
	bucketKeyDhcpBindings   = []byte("dhcpbindings")
)

type bucketKeyPath [][]byte

func (bk bucketKeyPath) String() string {
	return string(bytes.Join([][]byte(bk), []byte("/")))
}

// InitDB creates the buckets the persister writes to. It must be called
// once on a freshly opened database before the store is restored from it.
func InitDB(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, key := range [][]byte{bucketKeyRouterBindings, bucketKeyVnicBindings, bucketKeyDhcpBindings} {
			if _, err := createBucketIfNotExists(tx, bucketKeyStorageVersion, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// BoltPersister applies store changelists to a bolt database so that pool
// state survives a process restart. It is wired into a MemoryStore with
// NewMemoryStore and replayed at startup with RestoreFromBolt.
type BoltPersister struct {
	db *bolt.DB
}

// NewBoltPersister wraps an open bolt database. The caller is expected to
// have run InitDB on it.
func NewBoltPersister(db *bolt.DB) *BoltPersister {
	return &BoltPersister{db: db}
}

// Persist applies a committed changelist to the database in a single
// transaction.
func (p *BoltPersister) Persist(changes []state.Event) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		for _, ev := range changes {
			var err error
			switch v := ev.(type) {
			case state.EventCreateRouterBinding:
				err = putRow(tx, bucketKeyRouterBindings, v.RouterBinding.ResourceID, v.RouterBinding)
			case state.EventUpdateRouterBinding:
				err = putRow(tx, bucketKeyRouterBindings, v.RouterBinding.ResourceID, v.RouterBinding)
			case state.EventDeleteRouterBinding:
				err = deleteRow(tx, bucketKeyRouterBindings, v.RouterBinding.ResourceID)
			case state.EventCreateVnicBinding:
				err = putRow(tx, bucketKeyVnicBindings, vnicBindingID(v.VnicBinding.EdgeID, v.VnicBinding.VnicIndex, v.VnicBinding.TunnelIndex), v.VnicBinding)
			case state.EventUpdateVnicBinding:
				err = putRow(tx, bucketKeyVnicBindings, vnicBindingID(v.VnicBinding.EdgeID, v.VnicBinding.VnicIndex, v.VnicBinding.TunnelIndex), v.VnicBinding)
			case state.EventDeleteVnicBinding:
				err = deleteRow(tx, bucketKeyVnicBindings, vnicBindingID(v.VnicBinding.EdgeID, v.VnicBinding.VnicIndex, v.VnicBinding.TunnelIndex))
			case state.EventCreateDhcpStaticBinding:
				err = putRow(tx, bucketKeyDhcpBindings, dhcpStaticBindingID(v.DhcpStaticBinding.EdgeID, v.DhcpStaticBinding.MacAddress), v.DhcpStaticBinding)
			case state.EventUpdateDhcpStaticBinding:
				err = putRow(tx, bucketKeyDhcpBindings, dhcpStaticBindingID(v.DhcpStaticBinding.EdgeID, v.DhcpStaticBinding.MacAddress), v.DhcpStaticBinding)
			case state.EventDeleteDhcpStaticBinding:
				err = deleteRow(tx, bucketKeyDhcpBindings, dhcpStaticBindingID(v.DhcpStaticBinding.EdgeID, v.DhcpStaticBinding.MacAddress))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RestoreFromBolt loads the persisted snapshot into a memory store,
// replacing anything already there.
func RestoreFromBolt(db *bolt.DB, ms *MemoryStore) error {
	var snapshot Snapshot

	err := db.View(func(tx *bolt.Tx) error {
		if bkt := getBucket(tx, bucketKeyStorageVersion, bucketKeyRouterBindings); bkt != nil {
			if err := bkt.ForEach(func(k, v []byte) error {
				var rb api.RouterBinding
				if err := json.Unmarshal(v, &rb); err != nil {
					return err
				}
				snapshot.RouterBindings = append(snapshot.RouterBindings, &rb)
				return nil
			}); err != nil {
				return err
			}
		}
		if bkt := getBucket(tx, bucketKeyStorageVersion, bucketKeyVnicBindings); bkt != nil {
			if err := bkt.ForEach(func(k, v []byte) error {
				var vb api.VnicBinding
				if err := json.Unmarshal(v, &vb); err != nil {
					return err
				}
				snapshot.VnicBindings = append(snapshot.VnicBindings, &vb)
				return nil
			}); err != nil {
				return err
			}
		}
		if bkt := getBucket(tx, bucketKeyStorageVersion, bucketKeyDhcpBindings); bkt != nil {
			if err := bkt.ForEach(func(k, v []byte) error {
				var db api.DhcpStaticBinding
				if err := json.Unmarshal(v, &db); err != nil {
					return err
				}
				snapshot.DhcpStaticBindings = append(snapshot.DhcpStaticBindings, &db)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return ms.Restore(&snapshot)
}

func putRow(tx *bolt.Tx, bucketKey []byte, id string, row interface{}) error {
	bkt, err := createBucketIfNotExists(tx, bucketKeyStorageVersion, bucketKey)
	if err != nil {
		return err
	}

	p, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(id), p)
}

func deleteRow(tx *bolt.Tx, bucketKey []byte, id string) error {
	bkt := getBucket(tx, bucketKeyStorageVersion, bucketKey)
	if bkt == nil {
		return nil
	}
	if err := bkt.Delete([]byte(id)); err != nil {
		return err
	}
	return nil
}

func createBucketIfNotExists(tx *bolt.Tx, keys ...[]byte) (*bolt.Bucket, error) {
	bkt, err := tx.CreateBucketIfNotExists(keys[0])
	if err != nil {
		return nil, err
	}

	for _, key := range keys[1:] {
		bkt, err = bkt.CreateBucketIfNotExists(key)
		if err != nil {
			return nil, err
		}
	}

	return bkt, nil
}

func getBucket(tx *bolt.Tx, keys ...[]byte) *bolt.Bucket {
	log.L.Debugf("getBucket %v", bucketKeyPath(keys))
	bkt := tx.Bucket(keys[0])

	for _, key := range keys[1:] {
		if bkt == nil {
			break
		}
		bkt = bkt.Bucket(key)
	}

	return bkt
}
