package store

import (
	"path/filepath"
	"testing"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func boltTestEnv(t *testing.T) *bolt.DB {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "pool.db"), 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, InitDB(db))
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})
	return db
}

func TestBoltPersistRestore(t *testing.T) {
	db := boltTestEnv(t)

	s1 := NewMemoryStore(NewBoltPersister(db))
	defer s1.Close()

	err := s1.Update(func(tx Tx) error {
		if err := CreateRouterBinding(tx, &api.RouterBinding{
			ResourceID:    "router-1",
			EdgeID:        "edge-1",
			Status:        api.StatusActive,
			ApplianceSize: api.SizeCompact,
			EdgeType:      api.EdgeTypeService,
		}); err != nil {
			return err
		}
		if err := CreateRouterBinding(tx, &api.RouterBinding{
			ResourceID:    "backup-aaaaaaaa-bbbb",
			EdgeID:        "edge-2",
			Status:        api.StatusPendingCreate,
			ApplianceSize: api.SizeLarge,
			EdgeType:      api.EdgeTypeService,
		}); err != nil {
			return err
		}
		if err := InitEdgeVnicBindings(tx, "edge-1", 2); err != nil {
			return err
		}
		if _, err := AllocateEdgeVnic(tx, "edge-1", "net-1", 2); err != nil {
			return err
		}
		return CreateDhcpStaticBinding(tx, &api.DhcpStaticBinding{
			EdgeID:     "edge-1",
			MacAddress: "AA:BB:CC:DD:EE:01",
			BindingID:  "binding-1",
		})
	})
	require.NoError(t, err)

	// Updates and deletes overwrite what was persisted before.
	err = s1.Update(func(tx Tx) error {
		rb := GetRouterBinding(tx, "backup-aaaaaaaa-bbbb")
		rb.Status = api.StatusActive
		if err := UpdateRouterBinding(tx, rb); err != nil {
			return err
		}
		return DeleteDhcpStaticBinding(tx, "edge-1", "aa:bb:cc:dd:ee:01")
	})
	require.NoError(t, err)

	s2 := NewMemoryStore(nil)
	defer s2.Close()
	require.NoError(t, RestoreFromBolt(db, s2))

	s2.View(func(tx ReadTx) {
		rb := GetRouterBinding(tx, "router-1")
		require.NotNil(t, rb)
		assert.Equal(t, "edge-1", rb.EdgeID)
		assert.Equal(t, api.StatusActive, rb.Status)
		assert.False(t, rb.CreatedAt.IsZero(), "creation time must survive the roundtrip")

		rb = GetRouterBinding(tx, "backup-aaaaaaaa-bbbb")
		require.NotNil(t, rb)
		assert.Equal(t, api.StatusActive, rb.Status)

		slots, err := FindVnicBindings(tx, ByEdgeID("edge-1"))
		assert.NoError(t, err)
		assert.Len(t, slots, (api.MaxVnics-1)*2)

		occupied, err := FindVnicBindings(tx, ByEdgeNetwork("edge-1", "net-1"))
		assert.NoError(t, err)
		require.Len(t, occupied, 1)
		assert.Equal(t, 1, occupied[0].VnicIndex)

		assert.Nil(t, GetDhcpStaticBinding(tx, "edge-1", "aa:bb:cc:dd:ee:01"))
	})
}

func TestRestoreFromEmptyBolt(t *testing.T) {
	db := boltTestEnv(t)

	s := NewMemoryStore(nil)
	defer s.Close()
	setupTestStore(t, s)

	// Restoring from an empty database clears whatever the store held.
	require.NoError(t, RestoreFromBolt(db, s))

	s.View(func(tx ReadTx) {
		all, err := FindRouterBindings(tx, All)
		assert.NoError(t, err)
		assert.Empty(t, all)

		slots, err := FindVnicBindings(tx, All)
		assert.NoError(t, err)
		assert.Empty(t, slots)
	})
}
