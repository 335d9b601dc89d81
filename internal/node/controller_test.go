package node_test

import (
	"context"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iggydv12/superleaf/internal/config"
	"github.com/iggydv12/superleaf/internal/node"
	"github.com/iggydv12/superleaf/internal/storage"
	"github.com/iggydv12/superleaf/internal/topology"
)

func startController(t *testing.T, topo *topology.Topology, tweak func(*config.Config)) *node.Controller {
	t.Helper()
	cfg := config.Default(*topo)
	cfg.Transport.EphemeralPorts = true
	cfg.Storage.Backend = storage.BackendMemory
	cfg.Rest.Enabled = false
	if tweak != nil {
		tweak(cfg)
	}

	ctrl, err := node.NewController(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, node.StateCreated, ctrl.State())

	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func twoLeafTopology() *topology.Topology {
	topo := topology.Linear(2, 1)
	topo.Leaves[0].Files = []string{"a.txt"}
	return topo
}

func TestControllerPushOverTCP(t *testing.T) {
	ctrl := startController(t, twoLeafTopology(), nil)
	ctx := context.Background()
	assert.Equal(t, node.StateRunning, ctrl.State())

	l1, ok := ctrl.Leaf("L1")
	require.True(t, ok)
	l2, ok := ctrl.Leaf("L2")
	require.True(t, ok)

	rec, err := l2.Fetch(ctx, "a.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "L1", rec.Origin)

	_, err = l1.Edit(ctx, "a.txt", "v2")
	require.NoError(t, err)
	_, held := l2.Record("a.txt")
	assert.False(t, held)
	assert.Equal(t, 1.0, testutil.ToFloat64(ctrl.Metrics().CopiesDiscarded.WithLabelValues("L2")))

	for _, id := range ctrl.SuperPeerIDs() {
		sp, ok := ctrl.SuperPeer(id)
		require.True(t, ok)
		assert.Empty(t, sp.LedgerIDs(), id)
	}
}

func TestControllerPullOverTCP(t *testing.T) {
	ctrl := startController(t, twoLeafTopology(), func(c *config.Config) {
		c.Mode = config.ModePull
		c.Storage.Backend = storage.BackendPebble
		c.Storage.Root = t.TempDir()
	})
	ctx := context.Background()

	l1, _ := ctrl.Leaf("L1")
	l2, _ := ctrl.Leaf("L2")

	_, err := l2.Fetch(ctx, "a.txt", 0)
	require.NoError(t, err)
	_, err = l1.Edit(ctx, "a.txt", "v2")
	require.NoError(t, err)

	_, held := l2.Record("a.txt")
	assert.True(t, held, "nothing is pushed in pull mode")
	assert.Equal(t, []string{"a.txt"}, l2.CheckCopies(ctx))
	_, held = l2.Record("a.txt")
	assert.False(t, held)
}

func TestControllerLifecycle(t *testing.T) {
	ctrl := startController(t, topology.Ring(3, 1), nil)

	assert.Error(t, ctrl.Start(context.Background()), "second start")
	require.NoError(t, ctrl.Close())
	assert.Equal(t, node.StateStopped, ctrl.State())
	require.NoError(t, ctrl.Close())
}

func TestControllerNodes(t *testing.T) {
	ctrl := startController(t, topology.Linear(2, 2), nil)

	assert.Equal(t, []string{"SP1", "SP2"}, ctrl.SuperPeerIDs())
	assert.Equal(t, []string{"L1", "L2", "L3", "L4"}, ctrl.LeafIDs())

	nodes := ctrl.Nodes()
	require.Len(t, nodes, 6)
	assert.Equal(t, "SP1", nodes[0].ID)
	assert.Equal(t, node.RoleSuperPeer, nodes[0].Role)
	assert.Equal(t, []string{"SP2"}, nodes[0].Links)
	assert.Equal(t, "L1", nodes[2].ID)
	assert.Equal(t, node.RoleLeaf, nodes[2].Role)
	assert.Equal(t, []string{"SP1"}, nodes[2].Links)
	for _, n := range nodes {
		_, port, err := net.SplitHostPort(n.Addr)
		require.NoError(t, err, n.ID)
		assert.NotEqual(t, "0", port, n.ID)
	}
}

func TestDescribeUnresolved(t *testing.T) {
	topo := topology.Linear(1, 1)
	require.NoError(t, topo.Validate())

	nodes := node.Describe(topo, topology.NewDirectory(nil))
	require.Len(t, nodes, 2)
	assert.Equal(t, "SP1", nodes[0].ID)
	assert.Empty(t, nodes[0].Addr)
	assert.Equal(t, "leaf", nodes[1].Role.String())
}

func TestNewControllerRejectsBadConfig(t *testing.T) {
	cfg := config.Default(*topology.Linear(1, 1))
	cfg.Protocol.TTL = -1
	_, err := node.NewController(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
