// Package placement implements the 8-step ring-placement algorithm of
// spec.md §4.3: pick a feasible ring of runners for a new instance, tile
// its model's layers across them, and mint the ring's authoritative ports.
package placement

import (
	"math/rand"
	"sort"

	"github.com/exo-explore/exo/internal/exoerr"
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/memory"
	"github.com/exo-explore/exo/internal/shard"
	"github.com/exo-explore/exo/internal/topology"
	"github.com/exo-explore/exo/internal/wire"
)

const (
	ephemeralPortLow  = 49152
	ephemeralPortHigh = 65535
)

// Options tunes step 5 of the algorithm.
type Options struct {
	// ThunderboltOnly requires the chosen ring to be an all-thunderbolt
	// cycle; if none exists, placement fails instead of falling back to
	// a mixed-link ring.
	ThunderboltOnly bool
}

// Place runs the full algorithm against topo for a model described by
// meta, returning the resulting shard Assignments and the ring's Host
// list (positionally aligned with the winning cycle's order).
func Place(topo *topology.Topology, meta shard.ModelMeta, opts Options, rng *rand.Rand) (shard.Assignments, []wire.Host, error) {
	candidates := candidateRings(topo)

	feasible := filterByRAM(topo, candidates, meta.StorageSize)
	if len(feasible) == 0 {
		return shard.Assignments{}, nil, exoerr.ErrNoFeasiblePlacement
	}

	feasible = narrowToShortest(feasible)

	feasible, err := preferThunderbolt(topo, feasible, opts.ThunderboltOnly)
	if err != nil {
		return shard.Assignments{}, nil, err
	}

	winner := tieBreak(topo, feasible)

	assignments := tileAssignments(meta, winner, rng)
	hosts := mintHosts(winner, rng)

	return assignments, hosts, nil
}

// candidateRings collects every simple directed cycle plus every node as a
// singleton ring (spec.md §4.3 step 1).
func candidateRings(topo *topology.Topology) [][]exoids.NodeId {
	rings := topo.Cycles()
	for _, n := range topo.Nodes() {
		rings = append(rings, []exoids.NodeId{n})
	}
	return rings
}

// filterByRAM keeps rings whose aggregate available RAM covers the
// model's storage footprint (step 2).
func filterByRAM(topo *topology.Topology, rings [][]exoids.NodeId, need memory.Memory) [][]exoids.NodeId {
	var kept [][]exoids.NodeId
	for _, ring := range rings {
		total := memory.Zero()
		for _, n := range ring {
			if p, ok := topo.Profile(n); ok {
				total = total.Add(p.RamAvailable)
			}
		}
		if total.GreaterOrEqual(need) {
			kept = append(kept, ring)
		}
	}
	return kept
}

// narrowToShortest keeps only the rings of minimum length (step 4).
func narrowToShortest(rings [][]exoids.NodeId) [][]exoids.NodeId {
	if len(rings) == 0 {
		return rings
	}
	min := len(rings[0])
	for _, r := range rings {
		if len(r) < min {
			min = len(r)
		}
	}
	var kept [][]exoids.NodeId
	for _, r := range rings {
		if len(r) == min {
			kept = append(kept, r)
		}
	}
	return kept
}

// preferThunderbolt narrows to all-thunderbolt rings when any exist; if
// tbOnly is set and none exist, it fails (step 5).
func preferThunderbolt(topo *topology.Topology, rings [][]exoids.NodeId, tbOnly bool) ([][]exoids.NodeId, error) {
	var tb [][]exoids.NodeId
	for _, r := range rings {
		if topo.IsThunderboltCycle(r) {
			tb = append(tb, r)
		}
	}
	if len(tb) > 0 {
		return tb, nil
	}
	if tbOnly {
		return nil, exoerr.ErrNoFeasiblePlacement
	}
	return rings, nil
}

// tieBreak picks the ring maximising aggregate RAM, breaking remaining
// ties by the lexicographically smallest node-id ordering of the ring
// (step 6).
func tieBreak(topo *topology.Topology, rings [][]exoids.NodeId) []exoids.NodeId {
	best := rings[0]
	bestRAM := ramOf(topo, best)
	for _, r := range rings[1:] {
		ram := ramOf(topo, r)
		switch {
		case ram.Cmp(bestRAM) > 0:
			best, bestRAM = r, ram
		case ram.Cmp(bestRAM) == 0 && lessRingOrder(r, best):
			best = r
		}
	}
	return best
}

func ramOf(topo *topology.Topology, ring []exoids.NodeId) memory.Memory {
	total := memory.Zero()
	for _, n := range ring {
		if p, ok := topo.Profile(n); ok {
			total = total.Add(p.RamAvailable)
		}
	}
	return total
}

func lessRingOrder(a, b []exoids.NodeId) bool {
	sa, sb := sortedCopy(a), sortedCopy(b)
	for i := 0; i < len(sa) && i < len(sb); i++ {
		if sa[i] != sb[i] {
			return sa[i] < sb[i]
		}
	}
	return len(sa) < len(sb)
}

func sortedCopy(ring []exoids.NodeId) []exoids.NodeId {
	out := append([]exoids.NodeId(nil), ring...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// tileAssignments splits [0, n_layers) across winner's positions and
// builds the resulting Assignments (step 7). RunnerIds are minted from rng
// rather than the global random source so a replaying master reconstructs
// the identical assignment (spec.md §4.3).
func tileAssignments(meta shard.ModelMeta, winner []exoids.NodeId, rng *rand.Rand) shard.Assignments {
	worldSize := len(winner)
	ranges := shard.TileLayers(meta.NLayers, worldSize)

	runnerToShard := make(map[exoids.RunnerId]shard.Metadata, worldSize)
	nodeToRunner := make(map[exoids.NodeId]exoids.RunnerId, worldSize)

	for rank, node := range winner {
		runnerID := exoids.NewRunnerIdFromRand(rng)
		nodeToRunner[node] = runnerID
		runnerToShard[runnerID] = shard.Metadata{
			ModelMeta:         meta,
			PartitionStrategy: shard.Pipeline,
			DeviceRank:        rank,
			WorldSize:         worldSize,
			StartLayer:        ranges[rank].Start,
			EndLayer:          ranges[rank].End,
			NLayers:           meta.NLayers,
		}
	}

	return shard.Assignments{
		ModelID:       meta.ModelID,
		RunnerToShard: runnerToShard,
		NodeToRunner:  nodeToRunner,
	}
}

// mintHosts picks one random ephemeral port per ring position (step 8).
// The IP is left for the caller (Master) to fill in from its knowledge of
// each node's network address; placement only owns port selection.
func mintHosts(winner []exoids.NodeId, rng *rand.Rand) []wire.Host {
	hosts := make([]wire.Host, len(winner))
	for i := range winner {
		hosts[i] = wire.Host{Port: ephemeralPortLow + rng.Intn(ephemeralPortHigh-ephemeralPortLow+1)}
	}
	return hosts
}
