package drivers

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/edge"
	"github.com/aaronorosen/vmware-nsx/locking"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns/vcnstest"
)

type testEnv struct {
	store    *store.MemoryStore
	backend  *vcnstest.Backend
	edges    *edge.Manager
	registry Registry
}

func newTestEnv(t *testing.T, targets api.PoolTargets) *testEnv {
	t.Helper()

	s := store.NewMemoryStore(nil)
	backend := vcnstest.New()
	locks := locking.NewMemoryLocks()
	m := edge.New(edge.Config{
		Store:      s,
		Backend:    backend,
		Locks:      locks,
		Targets:    targets,
		MaxTunnels: 4,
		Rand:       rand.New(rand.NewSource(1)),
	})
	sink := edge.NewCallbackHandler(context.Background(), s, backend, m.MaxTunnels())
	backend.Tasks().AddSink(sink)
	go m.Run(context.Background())

	t.Cleanup(func() {
		m.Stop()
		backend.Close()
		s.Close()
	})
	return &testEnv{
		store:   s,
		backend: backend,
		edges:   m,
		registry: NewRegistry(Config{
			Store:   s,
			Backend: backend,
			Locks:   locks,
			Edges:   m,
		}),
	}
}

func (te *testEnv) driver(t *testing.T, kind api.RouterKind) Driver {
	t.Helper()
	d, err := te.registry.Get(kind)
	require.NoError(t, err)
	return d
}

func (te *testEnv) getBinding(resourceID string) *api.RouterBinding {
	var binding *api.RouterBinding
	te.store.View(func(tx store.ReadTx) {
		binding = store.GetRouterBinding(tx, resourceID)
	})
	return binding
}

func (te *testEnv) networkSlots(t *testing.T, edgeID, networkID string) []*api.VnicBinding {
	t.Helper()
	var slots []*api.VnicBinding
	te.store.View(func(tx store.ReadTx) {
		var err error
		slots, err = store.FindVnicBindings(tx, store.ByEdgeNetwork(edgeID, networkID))
		require.NoError(t, err)
	})
	return slots
}

func (te *testEnv) slotCount(edgeID string) int {
	var n int
	te.store.View(func(tx store.ReadTx) {
		bindings, err := store.FindVnicBindings(tx, store.ByEdgeID(edgeID))
		if err != nil {
			return
		}
		n = len(bindings)
	})
	return n
}

func (te *testEnv) backups(edgeType api.EdgeType, size api.ApplianceSize) []*api.RouterBinding {
	var out []*api.RouterBinding
	te.store.View(func(tx store.ReadTx) {
		bindings, err := store.FindRouterBindings(tx, store.ByApplianceClass(edgeType, size))
		if err != nil {
			return
		}
		for _, b := range bindings {
			if b.IsBackup() {
				out = append(out, b)
			}
		}
	})
	return out
}

func compactPool(min, max int) api.PoolTargets {
	targets := api.PoolTargets{}
	targets.Set(api.EdgeTypeService, api.SizeCompact, api.PoolTarget{Min: min, Max: max})
	return targets
}

func TestRegistryCoversEveryKind(t *testing.T) {
	te := newTestEnv(t, api.PoolTargets{})

	for _, kind := range []api.RouterKind{api.RouterKindExclusive, api.RouterKindDistributed, api.RouterKindShared} {
		d, err := te.registry.Get(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, d.Kind())
	}

	_, err := te.registry.Get(api.RouterKind("bogus"))
	assert.Error(t, err)
}
