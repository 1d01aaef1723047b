// Package master implements spec.md §4.3: the authoritative decision-maker
// that applies commands to a State, computes placements, and emits events.
package master

import (
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/router"
	"github.com/exo-explore/exo/internal/topology"
	"github.com/exo-explore/exo/internal/wire"
)

// State is the master's full authoritative view of the cluster (spec.md
// §3 "Global state"). Workers never hold a State directly; they derive
// local projections of it from the event stream.
type State struct {
	NodeStatus          map[exoids.NodeId]bool // true once a node's hello/profile has been observed
	Instances           map[exoids.InstanceId]wire.Instance
	Runners             map[exoids.RunnerId]wire.RunnerStatus
	Tasks               map[exoids.TaskId]wire.Task
	NodeProfiles        map[exoids.NodeId]topology.NodeProfile
	Topology            *topology.Topology
	History             []router.Envelope
	LastEventAppliedIdx uint64
}

// NewState returns an empty State ready to accept commands.
func NewState() *State {
	return &State{
		NodeStatus:   make(map[exoids.NodeId]bool),
		Instances:    make(map[exoids.InstanceId]wire.Instance),
		Runners:      make(map[exoids.RunnerId]wire.RunnerStatus),
		Tasks:        make(map[exoids.TaskId]wire.Task),
		NodeProfiles: make(map[exoids.NodeId]topology.NodeProfile),
		Topology:     topology.New(),
	}
}

// apply folds a freshly-produced event into State in place, updating the
// derived maps. This is the only code path allowed to mutate State's
// collections outside of direct field assignment in tests.
func (s *State) apply(evt wire.Event) {
	switch e := evt.(type) {
	case wire.InstanceCreatedEvt:
		s.Instances[e.Instance.InstanceID] = e.Instance
		for _, runnerID := range e.Instance.ShardAssignments.NodeToRunner {
			s.Runners[runnerID] = wire.Spawning()
		}
	case wire.InstanceDeletedEvt:
		if inst, ok := s.Instances[e.InstanceID]; ok {
			for runnerID := range inst.ShardAssignments.RunnerToShard {
				delete(s.Runners, runnerID)
			}
		}
		delete(s.Instances, e.InstanceID)
	case wire.RunnerStatusUpdatedEvt:
		s.Runners[e.RunnerID] = e.Status
	case wire.TaskCreatedEvt:
		s.Tasks[e.Task.TaskID] = e.Task
	case wire.ChunkGeneratedEvt:
		// Chunks are not retained in State; only the event log carries them.
	case wire.TaskFinishedEvt:
		if t, ok := s.Tasks[e.TaskID]; ok {
			if e.FinishReason == wire.FinishError || e.FinishReason == wire.FinishCancelled {
				t.Status = wire.TaskFailed
				t.Error = e.Error
			} else {
				t.Status = wire.TaskComplete
			}
			s.Tasks[e.TaskID] = t
		}
	case wire.NodeProfileUpdatedEvt:
		s.NodeStatus[e.Profile.NodeID] = true
		s.NodeProfiles[e.Profile.NodeID] = e.Profile
		s.Topology.SetProfile(e.Profile)
	case wire.TopologyUpdatedEvt:
		s.Topology = topology.FromSnapshot(e.Snapshot)
		for node, profile := range s.NodeProfiles {
			s.Topology.SetProfile(topology.NodeProfile{NodeID: node, RamAvailable: profile.RamAvailable})
		}
	}
}
