package topology_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/superleaf/internal/topology"
)

func TestValidateMakesLinksSymmetric(t *testing.T) {
	topo := &topology.Topology{
		SuperPeers: []topology.SuperPeerSpec{
			{ID: "SP1", Port: 5001, Neighbors: []string{"SP2", "SP3"}},
			{ID: "SP2", Port: 5002},
			{ID: "SP3", Port: 5003},
		},
		Leaves: []topology.LeafSpec{
			{ID: "L1", SuperPeer: "SP1", Files: []string{"a.txt"}},
			{ID: "L2", SuperPeer: "SP2"},
		},
	}
	require.NoError(t, topo.Validate())

	sp2, ok := topo.SuperPeer("SP2")
	require.True(t, ok)
	assert.Equal(t, []string{"SP1"}, sp2.Neighbors)
	assert.Equal(t, []string{"L2"}, sp2.Leaves)

	sp1, _ := topo.SuperPeer("SP1")
	assert.Equal(t, []string{"SP2", "SP3"}, sp1.Neighbors)
	assert.Equal(t, []string{"L1"}, sp1.Leaves)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]*topology.Topology{
		"empty": {},
		"self link": {SuperPeers: []topology.SuperPeerSpec{
			{ID: "SP1", Neighbors: []string{"SP1"}},
		}},
		"unknown neighbor": {SuperPeers: []topology.SuperPeerSpec{
			{ID: "SP1", Neighbors: []string{"SP9"}},
		}},
		"duplicate super-peer": {SuperPeers: []topology.SuperPeerSpec{
			{ID: "SP1"}, {ID: "SP1"},
		}},
		"orphan leaf": {
			SuperPeers: []topology.SuperPeerSpec{{ID: "SP1"}},
			Leaves:     []topology.LeafSpec{{ID: "L1", SuperPeer: "SP2"}},
		},
		"duplicate leaf": {
			SuperPeers: []topology.SuperPeerSpec{{ID: "SP1"}},
			Leaves: []topology.LeafSpec{
				{ID: "L1", SuperPeer: "SP1"}, {ID: "L1", SuperPeer: "SP1"},
			},
		},
	}
	for name, topo := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, topo.Validate())
		})
	}
}

func TestLeafPort(t *testing.T) {
	p, err := topology.LeafPort("L3", 6000)
	require.NoError(t, err)
	assert.Equal(t, 6003, p)

	p, err = topology.LeafPort("leaf-12", 7000)
	require.NoError(t, err)
	assert.Equal(t, 7012, p)

	_, err = topology.LeafPort("alpha", 6000)
	assert.Error(t, err)
}

func TestAddresses(t *testing.T) {
	topo := topology.Linear(2, 1)
	topo.Leaves[1].Port = 7777
	require.NoError(t, topo.Validate())

	addrs, err := topo.Addresses("127.0.0.1", 0)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5001", addrs["SP1"])
	assert.Equal(t, "127.0.0.1:5002", addrs["SP2"])
	assert.Equal(t, "127.0.0.1:6001", addrs["L1"])
	assert.Equal(t, "127.0.0.1:7777", addrs["L2"])
}

func TestGenerators(t *testing.T) {
	linear := topology.Linear(4, 1)
	require.NoError(t, linear.Validate())
	sp1, _ := linear.SuperPeer("SP1")
	sp3, _ := linear.SuperPeer("SP3")
	assert.Equal(t, []string{"SP2"}, sp1.Neighbors)
	assert.Equal(t, []string{"SP2", "SP4"}, sp3.Neighbors)
	assert.Len(t, linear.Leaves, 4)

	mesh := topology.FullMesh(4, 0)
	require.NoError(t, mesh.Validate())
	for _, sp := range mesh.SuperPeers {
		assert.Len(t, sp.Neighbors, 3, sp.ID)
	}

	ring := topology.Ring(5, 0)
	require.NoError(t, ring.Validate())
	sp1, _ = ring.SuperPeer("SP1")
	assert.Equal(t, []string{"SP2", "SP5"}, sp1.Neighbors)
}

func TestDirectory(t *testing.T) {
	d := topology.NewDirectory(map[string]string{"SP1": "127.0.0.1:5001"})

	a, err := d.Addr("SP1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5001", a)

	_, err = d.Addr("L1")
	assert.ErrorIs(t, err, topology.ErrUnknownNode)

	d.Set("L1", "127.0.0.1:40001")
	a, err = d.Addr("L1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:40001", a)
}
