package placement

import (
	"math/rand"
	"testing"

	"github.com/exo-explore/exo/internal/exoerr"
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/memory"
	"github.com/exo-explore/exo/internal/shard"
	"github.com/exo-explore/exo/internal/topology"
)

func ringTopology(t *testing.T, ramPerNode memory.Memory, kind topology.LinkKind, nodes ...exoids.NodeId) *topology.Topology {
	t.Helper()
	topo := topology.New()
	for _, n := range nodes {
		topo.SetProfile(topology.NodeProfile{NodeID: n, RamAvailable: ramPerNode})
	}
	for i, from := range nodes {
		to := nodes[(i+1)%len(nodes)]
		topo.AddEdge(topology.Edge{From: from, To: to, Kind: kind, BandwidthMbps: 10000})
	}
	return topo
}

func TestPlaceTilesAcrossWinningRing(t *testing.T) {
	// Each node alone is too small for the model; only the ring together
	// has enough aggregate RAM, forcing the algorithm off the singleton
	// candidates and onto the 2-node ring.
	topo := ringTopology(t, memory.FromBytes(6), topology.Thunderbolt, "a", "b")
	meta := shard.ModelMeta{ModelID: "m", StorageSize: memory.FromBytes(10), NLayers: 8}

	assignments, hosts, err := Place(topo, meta, Options{}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("got %d hosts, want 2", len(hosts))
	}
	if err := assignments.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPlaceInfeasibleWhenRAMInsufficient(t *testing.T) {
	topo := ringTopology(t, memory.FromBytes(1), topology.Thunderbolt, "a", "b")
	meta := shard.ModelMeta{ModelID: "m", StorageSize: memory.FromBytes(1000), NLayers: 8}

	_, _, err := Place(topo, meta, Options{}, rand.New(rand.NewSource(1)))
	if err != exoerr.ErrNoFeasiblePlacement {
		t.Fatalf("Place err = %v, want ErrNoFeasiblePlacement", err)
	}
}

func TestPlacePrefersThunderboltRing(t *testing.T) {
	topo := topology.New()
	// Each node alone is too small; only a 2-node ring has enough RAM, so
	// placement is forced off the length-1 singleton candidates.
	for _, n := range []exoids.NodeId{"a", "b", "c"} {
		topo.SetProfile(topology.NodeProfile{NodeID: n, RamAvailable: memory.FromBytes(6)})
	}
	// a<->b is thunderbolt; b<->c is ethernet; both are otherwise-equal
	// 2-node rings with enough aggregate RAM.
	topo.AddEdge(topology.Edge{From: "a", To: "b", Kind: topology.Thunderbolt})
	topo.AddEdge(topology.Edge{From: "b", To: "a", Kind: topology.Thunderbolt})
	topo.AddEdge(topology.Edge{From: "b", To: "c", Kind: topology.Ethernet})
	topo.AddEdge(topology.Edge{From: "c", To: "b", Kind: topology.Ethernet})

	meta := shard.ModelMeta{ModelID: "m", StorageSize: memory.FromBytes(10), NLayers: 4}
	assignments, _, err := Place(topo, meta, Options{}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(assignments.NodeToRunner) != 2 {
		t.Fatalf("placement picked a %d-node ring, want the 2-node thunderbolt ring", len(assignments.NodeToRunner))
	}
	if _, ok := assignments.NodeToRunner["c"]; ok {
		t.Fatalf("placement picked the ethernet ring instead of the thunderbolt one: %v", assignments.NodeToRunner)
	}
}

func TestPlaceThunderboltOnlyFailsWithoutOne(t *testing.T) {
	topo := ringTopology(t, memory.FromBytes(100), topology.Ethernet, "a", "b")
	meta := shard.ModelMeta{ModelID: "m", StorageSize: memory.FromBytes(10), NLayers: 4}

	_, _, err := Place(topo, meta, Options{ThunderboltOnly: true}, rand.New(rand.NewSource(1)))
	if err != exoerr.ErrNoFeasiblePlacement {
		t.Fatalf("Place err = %v, want ErrNoFeasiblePlacement", err)
	}
}

func TestPlaceDeterministicGivenSameSeed(t *testing.T) {
	topo := ringTopology(t, memory.FromBytes(100), topology.Thunderbolt, "a", "b", "c")
	meta := shard.ModelMeta{ModelID: "m", StorageSize: memory.FromBytes(10), NLayers: 12}

	assignmentsA, hostsA, err := Place(topo, meta, Options{}, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Place (a): %v", err)
	}
	assignmentsB, hostsB, err := Place(topo, meta, Options{}, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Place (b): %v", err)
	}
	for i := range hostsA {
		if hostsA[i].Port != hostsB[i].Port {
			t.Fatalf("same seed produced different ports: %v vs %v", hostsA, hostsB)
		}
	}
	for runnerID := range assignmentsA.RunnerToShard {
		if _, ok := assignmentsB.RunnerToShard[runnerID]; !ok {
			t.Fatalf("same seed minted different runner ids: %v vs %v", assignmentsA.RunnerToShard, assignmentsB.RunnerToShard)
		}
	}
}
