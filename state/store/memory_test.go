package store

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	routerBindingSet = []*api.RouterBinding{
		{
			ResourceID:    "router-1",
			EdgeID:        "edge-1",
			Status:        api.StatusActive,
			ApplianceSize: api.SizeCompact,
			EdgeType:      api.EdgeTypeService,
			CreatedAt:     time.Date(2016, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			ResourceID:    "backup-aaaaaaaa-bbbb",
			EdgeID:        "edge-2",
			Status:        api.StatusActive,
			ApplianceSize: api.SizeLarge,
			EdgeType:      api.EdgeTypeService,
			CreatedAt:     time.Date(2016, 3, 1, 11, 0, 0, 0, time.UTC),
		},
		{
			ResourceID:    "backup-cccccccc-dddd",
			EdgeID:        "edge-3",
			Status:        api.StatusPendingCreate,
			ApplianceSize: api.SizeLarge,
			EdgeType:      api.EdgeTypeVDR,
			CreatedAt:     time.Date(2016, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			ResourceID:    "dhcp-net-1",
			EdgeID:        "edge-4",
			Status:        api.StatusError,
			ApplianceSize: api.SizeCompact,
			EdgeType:      api.EdgeTypeService,
			CreatedAt:     time.Date(2016, 3, 1, 13, 0, 0, 0, time.UTC),
		},
	}

	vnicBindingSet = []*api.VnicBinding{
		{
			EdgeID:      "edge-1",
			VnicIndex:   1,
			TunnelIndex: 1,
			NetworkID:   "net-1",
		},
		{
			EdgeID:      "edge-1",
			VnicIndex:   1,
			TunnelIndex: 2,
		},
		{
			EdgeID:      "edge-2",
			VnicIndex:   1,
			TunnelIndex: 1,
			NetworkID:   "net-2",
		},
	}

	dhcpBindingSet = []*api.DhcpStaticBinding{
		{
			EdgeID:     "edge-4",
			MacAddress: "aa:bb:cc:dd:ee:01",
			BindingID:  "binding-1",
		},
		{
			EdgeID:     "edge-4",
			MacAddress: "aa:bb:cc:dd:ee:02",
			BindingID:  "binding-2",
		},
		{
			EdgeID:     "edge-5",
			MacAddress: "aa:bb:cc:dd:ee:03",
			BindingID:  "binding-3",
		},
	}
)

func setupTestStore(t *testing.T, s *MemoryStore) {
	err := s.Update(func(tx Tx) error {
		// Prepopulate router bindings
		for _, rb := range routerBindingSet {
			assert.NoError(t, CreateRouterBinding(tx, rb.Copy()))
		}
		// Prepopulate vnic slots
		for _, vb := range vnicBindingSet {
			assert.NoError(t, CreateVnicBinding(tx, vb.Copy()))
		}
		// Prepopulate DHCP static bindings
		for _, db := range dhcpBindingSet {
			assert.NoError(t, CreateDhcpStaticBinding(tx, db.Copy()))
		}
		return nil
	})
	assert.NoError(t, err)
}

func TestStoreRouterBinding(t *testing.T) {
	s := NewMemoryStore(nil)
	assert.NotNil(t, s)
	defer s.Close()

	s.View(func(readTx ReadTx) {
		allBindings, err := FindRouterBindings(readTx, All)
		assert.NoError(t, err)
		assert.Empty(t, allBindings)
	})

	setupTestStore(t, s)

	err := s.Update(func(tx Tx) error {
		allBindings, err := FindRouterBindings(tx, All)
		assert.NoError(t, err)
		assert.Len(t, allBindings, len(routerBindingSet))

		assert.Equal(t, ErrExist, CreateRouterBinding(tx, routerBindingSet[0].Copy()),
			"duplicate resource IDs must be rejected")

		tooLong := &api.RouterBinding{
			ResourceID: "router-ffffffffffffffffffffffffffffffffffffffffffff",
			Status:     api.StatusActive,
		}
		assert.Equal(t, ErrInvalidResourceID, CreateRouterBinding(tx, tooLong))
		return nil
	})
	assert.NoError(t, err)

	s.View(func(readTx ReadTx) {
		assert.Equal(t, routerBindingSet[0], GetRouterBinding(readTx, "router-1"))
		assert.Nil(t, GetRouterBinding(readTx, "nonexistent"))

		found, err := FindRouterBindings(readTx, ByResourceIDPrefix(api.BackupPrefix))
		assert.NoError(t, err)
		assert.Len(t, found, 2)

		found, err = FindRouterBindings(readTx, ByEdgeID("edge-1"))
		assert.NoError(t, err)
		assert.Len(t, found, 1)

		found, err = FindRouterBindings(readTx, ByStatus(api.StatusActive))
		assert.NoError(t, err)
		assert.Len(t, found, 2)

		found, err = FindRouterBindings(readTx, ByStatus(api.StatusActive, api.StatusPendingCreate))
		assert.NoError(t, err)
		assert.Len(t, found, 3)

		found, err = FindRouterBindings(readTx, ByApplianceClass(api.EdgeTypeService, api.SizeLarge))
		assert.NoError(t, err)
		assert.Len(t, found, 1)

		found, err = FindRouterBindings(readTx, Or(ByStatus(api.StatusError), ByEdgeID("edge-4")))
		assert.NoError(t, err)
		assert.Len(t, found, 1, "overlapping selectors must not duplicate results")

		_, err = FindRouterBindings(readTx, ByNetworkID("net-1"))
		assert.Equal(t, ErrInvalidFindBy, err)
	})

	// Update.
	err = s.Update(func(tx Tx) error {
		update := GetRouterBinding(tx, "backup-cccccccc-dddd")
		require.NotNil(t, update)
		update.Status = api.StatusActive
		assert.NoError(t, UpdateRouterBinding(tx, update))
		assert.Equal(t, update, GetRouterBinding(tx, "backup-cccccccc-dddd"))

		found, err := FindRouterBindings(tx, ByStatus(api.StatusPendingCreate))
		assert.NoError(t, err)
		assert.Empty(t, found)

		invalidUpdate := routerBindingSet[0].Copy()
		invalidUpdate.ResourceID = "invalid"
		assert.Error(t, UpdateRouterBinding(tx, invalidUpdate), "invalid IDs should be rejected")

		// Delete
		assert.NotNil(t, GetRouterBinding(tx, "router-1"))
		assert.NoError(t, DeleteRouterBinding(tx, "router-1"))
		assert.Nil(t, GetRouterBinding(tx, "router-1"))
		found, err = FindRouterBindings(tx, ByEdgeID("edge-1"))
		assert.NoError(t, err)
		assert.Empty(t, found)

		assert.Equal(t, ErrNotExist, DeleteRouterBinding(tx, "nonexistent"))
		return nil
	})
	assert.NoError(t, err)
}

func TestStoreDhcpStaticBinding(t *testing.T) {
	s := NewMemoryStore(nil)
	assert.NotNil(t, s)
	defer s.Close()

	setupTestStore(t, s)

	err := s.Update(func(tx Tx) error {
		// MAC addresses are normalized on write, so the uppercased duplicate
		// must collide.
		dup := &api.DhcpStaticBinding{
			EdgeID:     "edge-4",
			MacAddress: "AA:BB:CC:DD:EE:01",
			BindingID:  "binding-x",
		}
		assert.Equal(t, ErrExist, CreateDhcpStaticBinding(tx, dup))
		return nil
	})
	assert.NoError(t, err)

	s.View(func(readTx ReadTx) {
		db := GetDhcpStaticBinding(readTx, "edge-4", "AA:BB:CC:DD:EE:01")
		require.NotNil(t, db)
		assert.Equal(t, "aa:bb:cc:dd:ee:01", db.MacAddress)
		assert.Equal(t, "binding-1", db.BindingID)

		found, err := FindDhcpStaticBindings(readTx, ByEdgeID("edge-4"))
		assert.NoError(t, err)
		assert.Len(t, found, 2)

		found, err = FindDhcpStaticBindings(readTx, ByMacAddress("AA:BB:CC:DD:EE:03"))
		assert.NoError(t, err)
		assert.Len(t, found, 1)

		counts, err := CountDhcpStaticBindingsPerEdge(readTx)
		assert.NoError(t, err)
		assert.Equal(t, map[string]int{"edge-4": 2, "edge-5": 1}, counts)
	})

	err = s.Update(func(tx Tx) error {
		assert.NoError(t, DeleteDhcpStaticBindingsByEdge(tx, "edge-4"))
		found, err := FindDhcpStaticBindings(tx, ByEdgeID("edge-4"))
		assert.NoError(t, err)
		assert.Empty(t, found)

		// The other edge is untouched.
		found, err = FindDhcpStaticBindings(tx, All)
		assert.NoError(t, err)
		assert.Len(t, found, 1)

		assert.Equal(t, ErrNotExist, DeleteDhcpStaticBinding(tx, "edge-4", "aa:bb:cc:dd:ee:01"))
		return nil
	})
	assert.NoError(t, err)
}

func TestWatchBindings(t *testing.T) {
	s := NewMemoryStore(nil)
	assert.NotNil(t, s)
	defer s.Close()

	watchCh := state.Watch(s.WatchQueue(),
		state.EventCreateRouterBinding{},
		state.EventUpdateRouterBinding{
			RouterBinding: &api.RouterBinding{ResourceID: "router-1"},
			Checks:        []state.RouterBindingCheckFunc{state.RouterBindingCheckResourceID},
		},
		state.EventDeleteRouterBinding{})
	defer s.WatchQueue().StopWatch(watchCh)

	err := s.Update(func(tx Tx) error {
		return CreateRouterBinding(tx, &api.RouterBinding{
			ResourceID: "router-1",
			Status:     api.StatusPendingCreate,
		})
	})
	assert.NoError(t, err)

	event := <-watchCh
	created, ok := event.Payload.(state.EventCreateRouterBinding)
	require.True(t, ok, "expected EventCreateRouterBinding; got %#v", event.Payload)
	assert.Equal(t, "router-1", created.RouterBinding.ResourceID)

	// An update to a different resource ID must not pass the filter.
	err = s.Update(func(tx Tx) error {
		if err := CreateRouterBinding(tx, &api.RouterBinding{
			ResourceID: "router-2",
			Status:     api.StatusPendingCreate,
		}); err != nil {
			return err
		}
		rb := GetRouterBinding(tx, "router-2")
		rb.Status = api.StatusActive
		return UpdateRouterBinding(tx, rb)
	})
	assert.NoError(t, err)

	event = <-watchCh
	_, ok = event.Payload.(state.EventCreateRouterBinding)
	require.True(t, ok, "expected EventCreateRouterBinding; got %#v", event.Payload)

	err = s.Update(func(tx Tx) error {
		rb := GetRouterBinding(tx, "router-1")
		rb.Status = api.StatusActive
		return UpdateRouterBinding(tx, rb)
	})
	assert.NoError(t, err)

	event = <-watchCh
	updated, ok := event.Payload.(state.EventUpdateRouterBinding)
	require.True(t, ok, "expected EventUpdateRouterBinding; got %#v", event.Payload)
	assert.Equal(t, api.StatusActive, updated.RouterBinding.Status)
}

func TestBatch(t *testing.T) {
	s := NewMemoryStore(nil)
	assert.NotNil(t, s)
	defer s.Close()

	watchCh := s.WatchQueue().Watch()
	defer s.WatchQueue().StopWatch(watchCh)

	// Create enough bindings to split the batch across 3 transactions.
	err := s.Batch(func(batch *Batch) error {
		for i := 0; i != 2*MaxChangesPerTransaction+5; i++ {
			rb := &api.RouterBinding{
				ResourceID: "binding-" + strconv.Itoa(i),
				Status:     api.StatusActive,
			}

			batch.Update(func(tx Tx) error {
				assert.NoError(t, CreateRouterBinding(tx, rb))
				return nil
			})
		}

		return nil
	})
	assert.NoError(t, err)

	for _, txSize := range []int{MaxChangesPerTransaction, MaxChangesPerTransaction, 5} {
		for i := 0; i != txSize; i++ {
			event := <-watchCh
			if _, ok := event.Payload.(state.EventCreateRouterBinding); !ok {
				t.Fatalf("expected EventCreateRouterBinding; got %#v", event.Payload)
			}
		}
		event := <-watchCh
		if _, ok := event.Payload.(state.EventCommit); !ok {
			t.Fatalf("expected EventCommit; got %#v", event.Payload)
		}
	}
}

func TestBatchFailure(t *testing.T) {
	s := NewMemoryStore(nil)
	assert.NotNil(t, s)
	defer s.Close()

	watchCh := s.WatchQueue().Watch()
	defer s.WatchQueue().StopWatch(watchCh)

	// Return an error partway through the second transaction.
	err := s.Batch(func(batch *Batch) error {
		for i := 0; ; i++ {
			rb := &api.RouterBinding{
				ResourceID: "binding-" + strconv.Itoa(i),
				Status:     api.StatusActive,
			}

			batch.Update(func(tx Tx) error {
				assert.NoError(t, CreateRouterBinding(tx, rb))
				return nil
			})
			if i == MaxChangesPerTransaction+8 {
				return errors.New("failing the current tx")
			}
		}
	})
	assert.Error(t, err)

	for i := 0; i != MaxChangesPerTransaction; i++ {
		event := <-watchCh
		if _, ok := event.Payload.(state.EventCreateRouterBinding); !ok {
			t.Fatalf("expected EventCreateRouterBinding; got %#v", event.Payload)
		}
	}
	event := <-watchCh
	if _, ok := event.Payload.(state.EventCommit); !ok {
		t.Fatalf("expected EventCommit; got %#v", event.Payload)
	}

	// Shouldn't be anything after the first transaction
	select {
	case <-watchCh:
		t.Fatalf("unexpected additional events")
	case <-time.After(50 * time.Millisecond):
	}

	// The aborted rows are not visible.
	s.View(func(readTx ReadTx) {
		all, err := FindRouterBindings(readTx, All)
		assert.NoError(t, err)
		assert.Len(t, all, MaxChangesPerTransaction)
	})
}

func TestStoreSaveRestore(t *testing.T) {
	s1 := NewMemoryStore(nil)
	assert.NotNil(t, s1)
	defer s1.Close()

	setupTestStore(t, s1)

	var snapshot *Snapshot
	s1.View(func(tx ReadTx) {
		var err error
		snapshot, err = s1.Save(tx)
		assert.NoError(t, err)
	})

	s2 := NewMemoryStore(nil)
	assert.NotNil(t, s2)
	defer s2.Close()

	err := s2.Restore(snapshot)
	assert.NoError(t, err)

	s2.View(func(tx ReadTx) {
		allRouters, err := FindRouterBindings(tx, All)
		assert.NoError(t, err)
		assert.Len(t, allRouters, len(routerBindingSet))

		allSlots, err := FindVnicBindings(tx, All)
		assert.NoError(t, err)
		assert.Len(t, allSlots, len(vnicBindingSet))

		allLeases, err := FindDhcpStaticBindings(tx, All)
		assert.NoError(t, err)
		assert.Len(t, allLeases, len(dhcpBindingSet))

		assert.Equal(t, routerBindingSet[0], GetRouterBinding(tx, "router-1"))
	})
}

type recordingPersister struct {
	changelists [][]state.Event
}

func (p *recordingPersister) Persist(changes []state.Event) error {
	p.changelists = append(p.changelists, changes)
	return nil
}

func TestPersisterReceivesChangelists(t *testing.T) {
	p := &recordingPersister{}
	s := NewMemoryStore(p)
	assert.NotNil(t, s)
	defer s.Close()

	err := s.Update(func(tx Tx) error {
		if err := CreateRouterBinding(tx, &api.RouterBinding{
			ResourceID: "router-1",
			Status:     api.StatusPendingCreate,
		}); err != nil {
			return err
		}
		rb := GetRouterBinding(tx, "router-1")
		rb.Status = api.StatusActive
		return UpdateRouterBinding(tx, rb)
	})
	assert.NoError(t, err)

	// A read-only transaction produces no changelist.
	s.View(func(readTx ReadTx) {
		_, err := FindRouterBindings(readTx, All)
		assert.NoError(t, err)
	})

	require.Len(t, p.changelists, 1)
	require.Len(t, p.changelists[0], 2)
	_, ok := p.changelists[0][0].(state.EventCreateRouterBinding)
	assert.True(t, ok)
	_, ok = p.changelists[0][1].(state.EventUpdateRouterBinding)
	assert.True(t, ok)
}
