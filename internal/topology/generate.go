package topology

import "fmt"

// DefaultSuperPeerPortBase numbers generated super-peer ports (SP1 → 5001).
const DefaultSuperPeerPortBase = 5000

// Linear builds a chain SP1 - SP2 - ... - SPn with leavesPer leaves under
// each super-peer. Leaves are numbered L1..L(n*leavesPer) and hold no files.
func Linear(n, leavesPer int) *Topology {
	return generate(n, leavesPer, func(i int) []string {
		var ns []string
		if i > 1 {
			ns = append(ns, spID(i-1))
		}
		if i < n {
			ns = append(ns, spID(i+1))
		}
		return ns
	})
}

// FullMesh builds n super-peers each linked to every other one.
func FullMesh(n, leavesPer int) *Topology {
	return generate(n, leavesPer, func(i int) []string {
		ns := make([]string, 0, n-1)
		for j := 1; j <= n; j++ {
			if j != i {
				ns = append(ns, spID(j))
			}
		}
		return ns
	})
}

// Ring builds a cycle of n super-peers.
func Ring(n, leavesPer int) *Topology {
	return generate(n, leavesPer, func(i int) []string {
		if n < 3 {
			return Linear(n, 0).SuperPeers[i-1].Neighbors
		}
		prev, next := i-1, i+1
		if prev < 1 {
			prev = n
		}
		if next > n {
			next = 1
		}
		return []string{spID(prev), spID(next)}
	})
}

func generate(n, leavesPer int, neighbors func(i int) []string) *Topology {
	t := &Topology{}
	leaf := 0
	for i := 1; i <= n; i++ {
		t.SuperPeers = append(t.SuperPeers, SuperPeerSpec{
			ID:        spID(i),
			Port:      DefaultSuperPeerPortBase + i,
			Neighbors: neighbors(i),
		})
		for j := 0; j < leavesPer; j++ {
			leaf++
			t.Leaves = append(t.Leaves, LeafSpec{
				ID:        fmt.Sprintf("L%d", leaf),
				SuperPeer: spID(i),
			})
		}
	}
	return t
}

func spID(i int) string { return fmt.Sprintf("SP%d", i) }
