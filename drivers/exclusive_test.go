package drivers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

func TestExclusiveCreateAllocatesServiceEdge(t *testing.T) {
	te := newTestEnv(t, api.PoolTargets{})
	d := te.driver(t, api.RouterKindExclusive)

	edgeID, err := d.Create(context.Background(), &Router{ID: "router-1", Name: "router-1", Size: api.SizeLarge})
	require.NoError(t, err)

	binding := te.getBinding("router-1")
	require.NotNil(t, binding)
	assert.Equal(t, api.StatusActive, binding.Status)
	assert.Equal(t, edgeID, binding.EdgeID)
	assert.Equal(t, api.EdgeTypeService, binding.EdgeType)
	assert.Equal(t, api.SizeLarge, binding.ApplianceSize)

	_, ok := te.backend.Edge(edgeID)
	assert.True(t, ok)
	assert.Equal(t, (api.MaxVnics-1)*4, te.slotCount(edgeID))
}

func TestExclusiveAttachDetachNetwork(t *testing.T) {
	te := newTestEnv(t, api.PoolTargets{})
	d := te.driver(t, api.RouterKindExclusive)
	ctx := context.Background()

	edgeID, err := d.Create(ctx, &Router{ID: "router-1", Name: "router-1"})
	require.NoError(t, err)

	require.NoError(t, d.AttachNetwork(ctx, "router-1", &Interface{
		NetworkID:  "net-1",
		Address:    "10.0.1.1",
		SubnetMask: "255.255.255.0",
	}))
	require.NoError(t, d.AttachNetwork(ctx, "router-1", &Interface{
		NetworkID:  "net-2",
		Address:    "10.0.2.1",
		SubnetMask: "255.255.255.0",
	}))

	// Primary slots land on consecutive vnics.
	slots := te.networkSlots(t, edgeID, "net-1")
	require.Len(t, slots, 1)
	assert.Equal(t, 1, slots[0].VnicIndex)
	slots = te.networkSlots(t, edgeID, "net-2")
	require.Len(t, slots, 1)
	assert.Equal(t, 2, slots[0].VnicIndex)

	st, ok := te.backend.Edge(edgeID)
	require.True(t, ok)
	vnic := st.Vnics[1]
	assert.Equal(t, "internal", vnic.Type)
	assert.Equal(t, "net-1", vnic.PortgroupID)
	require.NotNil(t, vnic.AddressGroups)
	require.Len(t, vnic.AddressGroups.AddressGroups, 1)
	assert.Equal(t, "10.0.1.1", vnic.AddressGroups.AddressGroups[0].PrimaryAddress)
	assert.True(t, vnic.IsConnected)

	// Reattaching an already-attached network keeps its slot.
	require.NoError(t, d.AttachNetwork(ctx, "router-1", &Interface{NetworkID: "net-1", Address: "10.0.1.1", SubnetMask: "255.255.255.0"}))
	slots = te.networkSlots(t, edgeID, "net-1")
	require.Len(t, slots, 1)
	assert.Equal(t, 1, slots[0].VnicIndex)

	require.NoError(t, d.DetachNetwork(ctx, "router-1", "net-1"))
	assert.Empty(t, te.networkSlots(t, edgeID, "net-1"))
	st, _ = te.backend.Edge(edgeID)
	_, ok = st.Vnics[1]
	assert.False(t, ok)
	_, ok = st.Vnics[2]
	assert.True(t, ok)

	// Detaching an unknown network is a warned no-op.
	require.NoError(t, d.DetachNetwork(ctx, "router-1", "net-1"))
}

func TestExclusiveGatewayAndRoutes(t *testing.T) {
	te := newTestEnv(t, api.PoolTargets{})
	d := te.driver(t, api.RouterKindExclusive)
	ctx := context.Background()

	edgeID, err := d.Create(ctx, &Router{ID: "router-1", Name: "router-1"})
	require.NoError(t, err)
	require.NoError(t, d.AttachNetwork(ctx, "router-1", &Interface{NetworkID: "net-1", Address: "10.0.1.1", SubnetMask: "255.255.255.0"}))

	require.NoError(t, d.SetRoutes(ctx, "router-1", []Route{
		{Destination: "10.1.0.0/24", NextHop: "10.0.1.254", NetworkID: "net-1"},
	}, ""))
	st, _ := te.backend.Edge(edgeID)
	require.Len(t, st.Routes, 1)
	assert.Equal(t, vcns.StaticRoute{Network: "10.1.0.0/24", NextHop: "10.0.1.254", Vnic: 1}, st.Routes[0])
	assert.Nil(t, st.Gateway)

	require.NoError(t, d.UpdateGateway(ctx, "router-1", &Gateway{
		NetworkID:  "ext-net",
		Address:    "172.16.0.2",
		SubnetMask: "255.255.255.0",
		NextHop:    "172.16.0.1",
	}))
	st, _ = te.backend.Edge(edgeID)
	uplink := st.Vnics[0]
	assert.Equal(t, "uplink", uplink.Type)
	assert.Equal(t, "ext-net", uplink.PortgroupID)
	require.NotNil(t, st.Gateway)
	assert.Equal(t, vcns.DefaultRoute{GatewayAddress: "172.16.0.1", Vnic: 0}, *st.Gateway)
	// Static routes survive the gateway change.
	require.Len(t, st.Routes, 1)
	assert.Equal(t, "10.1.0.0/24", st.Routes[0].Network)

	// A full table push resolves internal routes to their slots, sends
	// external routes out the uplink, and drops unresolvable ones.
	require.NoError(t, d.SetRoutes(ctx, "router-1", []Route{
		{Destination: "10.1.0.0/24", NextHop: "10.0.1.254", NetworkID: "net-1"},
		{Destination: "198.51.100.0/24", NextHop: "172.16.0.9", External: true},
		{Destination: "10.9.0.0/24", NextHop: "10.9.0.254", NetworkID: "net-9"},
	}, "172.16.0.1"))
	st, _ = te.backend.Edge(edgeID)
	require.Len(t, st.Routes, 2)
	assert.Equal(t, 1, st.Routes[0].Vnic)
	assert.Equal(t, vcns.StaticRoute{Network: "198.51.100.0/24", NextHop: "172.16.0.9", Vnic: 0}, st.Routes[1])

	// Clearing the gateway drops the default route but keeps the table
	// and the uplink vnic.
	require.NoError(t, d.UpdateGateway(ctx, "router-1", nil))
	st, _ = te.backend.Edge(edgeID)
	assert.Nil(t, st.Gateway)
	assert.Len(t, st.Routes, 2)
	_, ok := st.Vnics[0]
	assert.True(t, ok)
}

func TestExclusiveDeleteTearsDownEdge(t *testing.T) {
	te := newTestEnv(t, api.PoolTargets{})
	d := te.driver(t, api.RouterKindExclusive)
	ctx := context.Background()

	_, err := d.Create(ctx, &Router{ID: "router-1", Name: "router-1"})
	require.NoError(t, err)

	require.NoError(t, d.Delete(ctx, "router-1"))
	require.Eventually(t, func() bool {
		return te.getBinding("router-1") == nil && len(te.backend.EdgeIDs()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExclusiveDeleteReturnsEdgeToPool(t *testing.T) {
	te := newTestEnv(t, compactPool(0, 1))
	d := te.driver(t, api.RouterKindExclusive)
	ctx := context.Background()

	edgeID, err := d.Create(ctx, &Router{ID: "router-1", Name: "router-1"})
	require.NoError(t, err)
	require.NoError(t, d.SetRoutes(ctx, "router-1", []Route{
		{Destination: "198.51.100.0/24", NextHop: "172.16.0.9", External: true},
	}, "172.16.0.1"))

	require.NoError(t, d.Delete(ctx, "router-1"))

	backups := te.backups(api.EdgeTypeService, api.SizeCompact)
	require.Len(t, backups, 1)
	assert.Equal(t, edgeID, backups[0].EdgeID)

	// The pooled appliance must not resurface with the old table.
	st, ok := te.backend.Edge(edgeID)
	require.True(t, ok)
	assert.Nil(t, st.Gateway)
	assert.Empty(t, st.Routes)
}

func TestExclusiveOpsRequireEdge(t *testing.T) {
	te := newTestEnv(t, api.PoolTargets{})
	d := te.driver(t, api.RouterKindExclusive)
	ctx := context.Background()

	assert.Error(t, d.AttachNetwork(ctx, "ghost", &Interface{NetworkID: "net-1"}))
	assert.Error(t, d.DetachNetwork(ctx, "ghost", "net-1"))
	assert.Error(t, d.UpdateGateway(ctx, "ghost", nil))
	assert.Error(t, d.SetRoutes(ctx, "ghost", nil, ""))
}
