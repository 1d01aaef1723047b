// Package shard defines the immutable shard-metadata record and the
// per-instance shard-assignment maps described in spec.md §3.
package shard

import (
	"fmt"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/memory"
)

// PartitionStrategy names how a model is split across runners. Pipeline is
// the only strategy the cluster implements today.
type PartitionStrategy string

const Pipeline PartitionStrategy = "pipeline"

// ModelMeta is the registry-resolved metadata for a model: its storage
// footprint and layer count (internal/modelmeta resolves this from the
// registry's config.json / safetensors index).
type ModelMeta struct {
	ModelID     exoids.ModelId
	PrettyName  string
	StorageSize memory.Memory
	NLayers     int
}

// Metadata is the immutable per-runner shard record. Invariants:
// 0 <= StartLayer < EndLayer <= NLayers; for a given instance the per-rank
// shards tile [0, NLayers) exactly once.
type Metadata struct {
	ModelMeta         ModelMeta
	PartitionStrategy PartitionStrategy
	DeviceRank        int
	WorldSize         int
	StartLayer        int
	EndLayer          int
	NLayers           int
}

// Validate checks the layer-range invariant for a single shard.
func (m Metadata) Validate() error {
	if m.StartLayer < 0 || m.StartLayer >= m.EndLayer || m.EndLayer > m.NLayers {
		return fmt.Errorf("shard: invalid layer range [%d,%d) of %d layers", m.StartLayer, m.EndLayer, m.NLayers)
	}
	return nil
}

// Assignments binds a model's runners to shards and to the nodes hosting
// them. Invariant: the two maps agree on the set of runners, and
// len(RunnerToShard) == WorldSize.
type Assignments struct {
	ModelID       exoids.ModelId
	RunnerToShard map[exoids.RunnerId]Metadata
	NodeToRunner  map[exoids.NodeId]exoids.RunnerId
}

// Validate checks the Assignments invariants, plus that the per-rank
// shards tile [0, n_layers) exactly once across all runners.
func (a Assignments) Validate() error {
	worldSize := len(a.RunnerToShard)
	runnerSeen := make(map[exoids.RunnerId]bool, worldSize)
	for _, runner := range a.NodeToRunner {
		runnerSeen[runner] = true
	}
	if len(runnerSeen) != worldSize {
		return fmt.Errorf("shard: node_to_runner and runner_to_shard disagree on runner set")
	}
	for runner := range runnerSeen {
		if _, ok := a.RunnerToShard[runner]; !ok {
			return fmt.Errorf("shard: runner %s has a node but no shard", runner)
		}
	}

	if worldSize == 0 {
		return nil
	}
	var nLayers int
	covered := make([]bool, 0)
	for _, meta := range a.RunnerToShard {
		if err := meta.Validate(); err != nil {
			return err
		}
		if meta.WorldSize != worldSize {
			return fmt.Errorf("shard: world_size mismatch: shard says %d, have %d runners", meta.WorldSize, worldSize)
		}
		nLayers = meta.NLayers
		if len(covered) == 0 {
			covered = make([]bool, nLayers)
		}
		for l := meta.StartLayer; l < meta.EndLayer; l++ {
			if covered[l] {
				return fmt.Errorf("shard: layer %d assigned to more than one runner", l)
			}
			covered[l] = true
		}
	}
	for l, ok := range covered {
		if !ok {
			return fmt.Errorf("shard: layer %d not assigned to any runner", l)
		}
	}
	return nil
}

// TileLayers splits [0, nLayers) into worldSize contiguous, near-equal
// pipeline shards; the final shard absorbs the remainder, as required by
// spec.md §4.3 step 7.
func TileLayers(nLayers, worldSize int) []struct{ Start, End int } {
	if worldSize <= 0 {
		return nil
	}
	base := nLayers / worldSize
	ranges := make([]struct{ Start, End int }, worldSize)
	cursor := 0
	for rank := 0; rank < worldSize; rank++ {
		size := base
		if rank == worldSize-1 {
			size = nLayers - cursor // final shard absorbs the remainder
		}
		ranges[rank] = struct{ Start, End int }{cursor, cursor + size}
		cursor += size
	}
	return ranges
}
