package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/superleaf/internal/config"
	"github.com/iggydv12/superleaf/internal/topology"
)

const inlineConfig = `
mode: pull
protocol:
  ttl: 3
  pollInterval: 5s
transport:
  leafPortBase: 7000
storage:
  backend: memory
topology:
  super_peers:
    - peer_id: S1
      port: 5001
      neighbors: [S2]
    - peer_id: S2
      port: 5002
  leaf_nodes:
    - node_id: L1
      connected_super_peer: S1
      files: [a.txt]
    - node_id: L2
      connected_super_peer: S2
`

const topologyJSON = `{
  "super_peers": [
    {"peer_id": "SP1", "port": 5001, "neighbors": ["SP2"]},
    {"peer_id": "SP2", "port": 5002, "neighbors": ["SP1"]}
  ],
  "leaf_nodes": [
    {"node_id": "L1", "connected_super_peer": "SP1", "files": ["x.txt", "y.txt"]}
  ]
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadInline(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "config.yaml", inlineConfig))
	require.NoError(t, err)

	assert.Equal(t, config.ModePull, cfg.Mode)
	assert.Equal(t, 3, cfg.Protocol.TTL)
	assert.Equal(t, 5*time.Second, cfg.Protocol.PollInterval)
	assert.Equal(t, 7000, cfg.Transport.LeafPortBase)
	assert.Equal(t, "memory", cfg.Storage.Backend)

	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Transport.Host)
	assert.Equal(t, 2*time.Second, cfg.Transport.DialTimeout)
	assert.Equal(t, 4096, cfg.Ledger.Capacity)

	require.Len(t, cfg.Topology.SuperPeers, 2)
	s2, ok := cfg.Topology.SuperPeer("S2")
	require.True(t, ok)
	assert.Equal(t, []string{"S1"}, s2.Neighbors, "links are made symmetric")
	assert.Equal(t, []string{"L2"}, s2.Leaves)

	l1, ok := cfg.Topology.Leaf("L1")
	require.True(t, ok)
	assert.Equal(t, []string{"a.txt"}, l1.Files)
}

func TestLoadTopologyFile(t *testing.T) {
	topo := writeFile(t, "linear.json", topologyJSON)
	cfg, err := config.Load(writeFile(t, "config.yaml", "topologyFile: "+topo+"\n"))
	require.NoError(t, err)

	assert.Equal(t, config.ModePush, cfg.Mode)
	assert.Equal(t, 17, cfg.Protocol.TTL)
	assert.Equal(t, 30*time.Second, cfg.Protocol.PollInterval)

	l1, ok := cfg.Topology.Leaf("L1")
	require.True(t, ok)
	assert.Equal(t, "SP1", l1.SuperPeer)
	assert.Equal(t, []string{"x.txt", "y.txt"}, l1.Files)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SUPERLEAF_MODE", "pull")
	t.Setenv("SUPERLEAF_PROTOCOL_TTL", "5")

	cfg, err := config.Load(writeFile(t, "config.yaml", inlineConfig))
	require.NoError(t, err)
	assert.Equal(t, config.ModePull, cfg.Mode)
	assert.Equal(t, 5, cfg.Protocol.TTL)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	t.Setenv("SUPERLEAF_MODE", "gossip")
	_, err := config.Load(writeFile(t, "config.yaml", inlineConfig))
	assert.ErrorContains(t, err, "mode")
}

func TestLoadMissingTopologyFile(t *testing.T) {
	_, err := config.Load(writeFile(t, "config.yaml", "topologyFile: /does/not/exist.json\n"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := config.Default(*topology.Linear(2, 1))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.ModePush, cfg.Mode)
	assert.Equal(t, 17, cfg.Protocol.TTL)
	assert.Equal(t, topology.DefaultLeafPortBase, cfg.Transport.LeafPortBase)
	assert.Equal(t, "fs", cfg.Storage.Backend)
}
