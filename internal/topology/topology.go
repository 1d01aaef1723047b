// Package topology models the directed device graph the placement engine
// selects rings from. Vertices are NodeId; edges carry a link-kind and a
// measured bandwidth. The live Topology supports subgraph extraction and
// cycle enumeration; TopologySnapshot is its immutable, JSON-serialisable
// form used on the wire and in State.
//
// Vertices are kept in a btree.BTreeG ordered index (the arena-style lookup
// table called for by spec.md §9) rather than threading node pointers
// through edges, matching the modelling used for device/capacity pools in
// the retrieved fleet/topology examples.
package topology

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/memory"
)

// LinkKind names the physical interconnect of an edge.
type LinkKind string

const (
	Thunderbolt LinkKind = "thunderbolt"
	Ethernet    LinkKind = "ethernet"
	Wifi        LinkKind = "wifi"
)

// Edge is a directed, measured link between two devices.
type Edge struct {
	From          exoids.NodeId
	To            exoids.NodeId
	Kind          LinkKind
	BandwidthMbps uint64
}

// NodeProfile is the last known capacity/identity information for a vertex.
type NodeProfile struct {
	NodeID      exoids.NodeId
	RamAvailable memory.Memory
}

type vertexItem exoids.NodeId

func (v vertexItem) Less(other vertexItem) bool { return v < other }

// Topology is the live, mutable device graph. It is safe for concurrent
// use: the Worker updates it from NodeProfileUpdated/TopologyUpdated events
// while the Master's placement engine reads snapshots of it.
type Topology struct {
	mu       sync.RWMutex
	vertices *btree.BTreeG[vertexItem]
	out      map[exoids.NodeId][]Edge
	profiles map[exoids.NodeId]NodeProfile
}

// New returns an empty Topology.
func New() *Topology {
	return &Topology{
		vertices: btree.NewG(32, func(a, b vertexItem) bool { return a.Less(b) }),
		out:      make(map[exoids.NodeId][]Edge),
		profiles: make(map[exoids.NodeId]NodeProfile),
	}
}

// AddNode ensures node is present as a vertex, independent of any edge.
func (t *Topology) AddNode(node exoids.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addNodeLocked(node)
}

func (t *Topology) addNodeLocked(node exoids.NodeId) {
	t.vertices.ReplaceOrInsert(vertexItem(node))
	if _, ok := t.out[node]; !ok {
		t.out[node] = nil
	}
}

// AddEdge adds a directed edge, implicitly adding both endpoints as
// vertices (the invariant that every edge-referenced node is also present).
func (t *Topology) AddEdge(e Edge) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addNodeLocked(e.From)
	t.addNodeLocked(e.To)
	t.out[e.From] = append(t.out[e.From], e)
}

// SetProfile records the last known profile (e.g. RAM available) for node.
func (t *Topology) SetProfile(profile NodeProfile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addNodeLocked(profile.NodeID)
	t.profiles[profile.NodeID] = profile
}

// Profile returns the last known profile for node, if any.
func (t *Topology) Profile(node exoids.NodeId) (NodeProfile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.profiles[node]
	return p, ok
}

// Nodes returns every vertex, in ascending NodeId order.
func (t *Topology) Nodes() []exoids.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodes := make([]exoids.NodeId, 0, t.vertices.Len())
	t.vertices.Ascend(func(v vertexItem) bool {
		nodes = append(nodes, exoids.NodeId(v))
		return true
	})
	return nodes
}

// Edges returns every outgoing edge of node.
func (t *Topology) Edges(node exoids.NodeId) []Edge {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Edge, len(t.out[node]))
	copy(out, t.out[node])
	return out
}

// Subgraph returns a new Topology containing only the given nodes and the
// edges between them.
func (t *Topology) Subgraph(nodes []exoids.NodeId) *Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keep := make(map[exoids.NodeId]bool, len(nodes))
	for _, n := range nodes {
		keep[n] = true
	}
	sub := New()
	for _, n := range nodes {
		sub.addNodeLocked(n)
		if p, ok := t.profiles[n]; ok {
			sub.profiles[n] = p
		}
		for _, e := range t.out[n] {
			if keep[e.To] {
				sub.out[n] = append(sub.out[n], e)
			}
		}
	}
	return sub
}

// IsThunderboltCycle reports whether every edge along the ring formed by
// cycle (in order, wrapping from the last node back to the first) is of
// link-kind Thunderbolt.
func (t *Topology) IsThunderboltCycle(cycle []exoids.NodeId) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(cycle) == 0 {
		return false
	}
	for i, from := range cycle {
		to := cycle[(i+1)%len(cycle)]
		if !t.hasEdgeOfKind(from, to, Thunderbolt) {
			return false
		}
	}
	return true
}

func (t *Topology) hasEdgeOfKind(from, to exoids.NodeId, kind LinkKind) bool {
	for _, e := range t.out[from] {
		if e.To == to && e.Kind == kind {
			return true
		}
	}
	return false
}

// Snapshot returns the immutable, JSON-serialisable projection of t.
func (t *Topology) Snapshot() TopologySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]exoids.NodeId, 0, t.vertices.Len())
	t.vertices.Ascend(func(v vertexItem) bool {
		nodes = append(nodes, exoids.NodeId(v))
		return true
	})

	var edges []Edge
	for _, n := range nodes {
		edges = append(edges, t.out[n]...)
	}
	profiles := make(map[exoids.NodeId]NodeProfile, len(t.profiles))
	for k, v := range t.profiles {
		profiles[k] = v
	}
	return TopologySnapshot{Nodes: nodes, Edges: edges, Profiles: profiles}
}

// FromSnapshot reconstructs a live Topology from a snapshot.
func FromSnapshot(s TopologySnapshot) *Topology {
	t := New()
	for _, n := range s.Nodes {
		t.AddNode(n)
	}
	for _, e := range s.Edges {
		t.AddEdge(e)
	}
	for _, p := range s.Profiles {
		t.SetProfile(p)
	}
	return t
}

// TopologySnapshot is the immutable, JSON-serialisable form of Topology
// carried in TopologyUpdated events.
type TopologySnapshot struct {
	Nodes    []exoids.NodeId               `json:"nodes"`
	Edges    []Edge                        `json:"edges"`
	Profiles map[exoids.NodeId]NodeProfile `json:"profiles"`
}

// Equal reports structural equality between two snapshots, ignoring edge
// and node ordering.
func (s TopologySnapshot) Equal(other TopologySnapshot) bool {
	if len(s.Nodes) != len(other.Nodes) || len(s.Edges) != len(other.Edges) {
		return false
	}
	a, b := append([]exoids.NodeId(nil), s.Nodes...), append([]exoids.NodeId(nil), other.Nodes...)
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	edgeKey := func(e Edge) string {
		return fmt.Sprintf("%s|%s|%s|%d", e.From, e.To, e.Kind, e.BandwidthMbps)
	}
	ea, eb := make(map[string]int), make(map[string]int)
	for _, e := range s.Edges {
		ea[edgeKey(e)]++
	}
	for _, e := range other.Edges {
		eb[edgeKey(e)]++
	}
	if len(ea) != len(eb) {
		return false
	}
	for k, v := range ea {
		if eb[k] != v {
			return false
		}
	}
	return true
}
