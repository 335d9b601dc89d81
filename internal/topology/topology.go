// Package topology describes the fixed super-peer graph and the leaves
// attached to it, and resolves node identifiers to network addresses.
package topology

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"unicode"
)

// DefaultLeafPortBase is added to a leaf's numeric id suffix to derive its port.
const DefaultLeafPortBase = 6000

// ErrUnknownNode is returned when an identifier has no known address.
var ErrUnknownNode = errors.New("unknown node")

// SuperPeerSpec declares one backbone node. Keys follow the topology files
// used to bootstrap the overlay (all_to_all.json, linear.json).
type SuperPeerSpec struct {
	ID        string   `mapstructure:"peer_id" json:"peer_id"`
	Port      int      `mapstructure:"port" json:"port"`
	Neighbors []string `mapstructure:"neighbors" json:"neighbors"`
	Leaves    []string `mapstructure:"leaf_nodes" json:"leaf_nodes"`
}

// LeafSpec declares one leaf, its parent super-peer and its master files.
type LeafSpec struct {
	ID        string   `mapstructure:"node_id" json:"node_id"`
	SuperPeer string   `mapstructure:"connected_super_peer" json:"connected_super_peer"`
	Port      int      `mapstructure:"port" json:"port,omitempty"`
	Files     []string `mapstructure:"files" json:"files"`
}

// Topology is the whole overlay graph.
type Topology struct {
	SuperPeers []SuperPeerSpec `mapstructure:"super_peers" json:"super_peers"`
	Leaves     []LeafSpec      `mapstructure:"leaf_nodes" json:"leaf_nodes"`
}

// Validate checks the graph and normalizes it in place: neighbor links are
// made symmetric and every super-peer's leaf list is rebuilt from the leaves'
// declared parents.
func (t *Topology) Validate() error {
	if len(t.SuperPeers) == 0 {
		return errors.New("topology: no super-peers")
	}
	index := make(map[string]int, len(t.SuperPeers))
	for i, sp := range t.SuperPeers {
		if sp.ID == "" {
			return fmt.Errorf("topology: super-peer #%d has no id", i)
		}
		if _, dup := index[sp.ID]; dup {
			return fmt.Errorf("topology: duplicate super-peer %s", sp.ID)
		}
		index[sp.ID] = i
	}

	links := make(map[string]map[string]struct{}, len(t.SuperPeers))
	for _, sp := range t.SuperPeers {
		links[sp.ID] = make(map[string]struct{})
	}
	for _, sp := range t.SuperPeers {
		for _, n := range sp.Neighbors {
			if n == sp.ID {
				return fmt.Errorf("topology: super-peer %s lists itself as a neighbor", sp.ID)
			}
			if _, ok := index[n]; !ok {
				return fmt.Errorf("topology: super-peer %s has unknown neighbor %s", sp.ID, n)
			}
			links[sp.ID][n] = struct{}{}
			links[n][sp.ID] = struct{}{}
		}
	}

	attached := make(map[string][]string, len(t.SuperPeers))
	seen := make(map[string]struct{}, len(t.Leaves))
	for i, l := range t.Leaves {
		if l.ID == "" {
			return fmt.Errorf("topology: leaf #%d has no id", i)
		}
		if _, dup := seen[l.ID]; dup {
			return fmt.Errorf("topology: duplicate leaf %s", l.ID)
		}
		if _, clash := index[l.ID]; clash {
			return fmt.Errorf("topology: leaf %s shares its id with a super-peer", l.ID)
		}
		seen[l.ID] = struct{}{}
		if _, ok := index[l.SuperPeer]; !ok {
			return fmt.Errorf("topology: leaf %s attached to unknown super-peer %q", l.ID, l.SuperPeer)
		}
		attached[l.SuperPeer] = append(attached[l.SuperPeer], l.ID)
	}

	for i := range t.SuperPeers {
		id := t.SuperPeers[i].ID
		t.SuperPeers[i].Neighbors = sortedKeys(links[id])
		leaves := attached[id]
		sort.Strings(leaves)
		t.SuperPeers[i].Leaves = leaves
	}
	return nil
}

// SuperPeer returns the spec for id.
func (t *Topology) SuperPeer(id string) (SuperPeerSpec, bool) {
	for _, sp := range t.SuperPeers {
		if sp.ID == id {
			return sp, true
		}
	}
	return SuperPeerSpec{}, false
}

// Leaf returns the spec for id.
func (t *Topology) Leaf(id string) (LeafSpec, bool) {
	for _, l := range t.Leaves {
		if l.ID == id {
			return l, true
		}
	}
	return LeafSpec{}, false
}

// Addresses resolves every node to host:port. Super-peer ports come from the
// document; a leaf without an explicit port listens on leafPortBase plus the
// numeric suffix of its id.
func (t *Topology) Addresses(host string, leafPortBase int) (map[string]string, error) {
	if leafPortBase <= 0 {
		leafPortBase = DefaultLeafPortBase
	}
	addrs := make(map[string]string, len(t.SuperPeers)+len(t.Leaves))
	for _, sp := range t.SuperPeers {
		if sp.Port <= 0 {
			return nil, fmt.Errorf("topology: super-peer %s has no port", sp.ID)
		}
		addrs[sp.ID] = net.JoinHostPort(host, strconv.Itoa(sp.Port))
	}
	for _, l := range t.Leaves {
		port := l.Port
		if port <= 0 {
			p, err := LeafPort(l.ID, leafPortBase)
			if err != nil {
				return nil, err
			}
			port = p
		}
		addrs[l.ID] = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return addrs, nil
}

// LeafPort derives a leaf's well-known port from the digits ending its id
// ("L3" → base+3).
func LeafPort(id string, base int) (int, error) {
	end := len(id)
	start := end
	for start > 0 && unicode.IsDigit(rune(id[start-1])) {
		start--
	}
	if start == end {
		return 0, fmt.Errorf("topology: leaf id %q has no numeric suffix", id)
	}
	n, err := strconv.Atoi(id[start:end])
	if err != nil {
		return 0, fmt.Errorf("topology: leaf id %q: %w", id, err)
	}
	return base + n, nil
}

// Directory maps node identifiers to their current listening addresses.
type Directory struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewDirectory returns a Directory seeded with addrs.
func NewDirectory(addrs map[string]string) *Directory {
	d := &Directory{addrs: make(map[string]string, len(addrs))}
	for id, a := range addrs {
		d.addrs[id] = a
	}
	return d
}

// Set records the address of id, replacing any previous one.
func (d *Directory) Set(id, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[id] = addr
}

// Addr returns the address of id.
func (d *Directory) Addr(id string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.addrs[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return a, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
