package master

import (
	"math/rand"

	"github.com/exo-explore/exo/internal/exoerr"
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/master/placement"
	"github.com/exo-explore/exo/internal/wire"
)

// decide is the pure (State, Command) -> (State', []Event) function
// spec.md §4.3 calls the correctness anchor of the system: given the same
// state and command, it always produces the same events, so a replaying
// master reconstructs an identical log. Anywhere the algorithm would
// otherwise reach for a process-global random source - ephemeral port
// minting, InstanceId/RunnerId/TaskId generation - it instead draws from a
// *rand.Rand seeded from the triggering command's own id, so replay
// reproduces an identical log byte-for-byte.
func decide(s *State, cmd wire.Command, opts placement.Options) ([]wire.Event, error) {
	switch c := cmd.(type) {
	case wire.CreateInstanceCmd:
		return decideCreateInstance(s, c, opts)
	case wire.SpinUpInstanceCmd:
		return decideSpinUpInstance(s, c)
	case wire.DeleteInstanceCmd:
		return decideDeleteInstance(s, c)
	case wire.ChatCompletionCmd:
		return decideChatCompletion(s, c)
	case wire.TaskFinishedCmd:
		return decideTaskFinishedCmd(s, c)
	case wire.RequestEventLogCmd:
		// Handled by the Master's reconciliation loop directly (it needs
		// access to the raw envelope log, not just State); decide never
		// sees it reach here in practice, but returns no events rather
		// than erroring if it does.
		return nil, nil
	default:
		return nil, exoerr.ErrBadMessage
	}
}

func decideCreateInstance(s *State, c wire.CreateInstanceCmd, opts placement.Options) ([]wire.Event, error) {
	rng := rand.New(rand.NewSource(seedFromCommandID(c.ID())))
	assignments, hosts, err := placement.Place(s.Topology, c.ModelMeta, opts, rng)
	if err != nil {
		return nil, err
	}
	instance := wire.Instance{
		InstanceID:       exoids.NewInstanceIdFromRand(rng),
		Status:           wire.InstanceActive,
		ShardAssignments: assignments,
		Hosts:            hosts,
	}
	evt := wire.NewInstanceCreatedEvt(instance)
	s.apply(evt)
	return []wire.Event{evt}, nil
}

func decideSpinUpInstance(s *State, c wire.SpinUpInstanceCmd) ([]wire.Event, error) {
	if _, ok := s.Instances[c.InstanceID]; !ok {
		return nil, exoerr.ErrInstanceNotFound
	}
	// The instance already exists (created via InstanceCreated); spinning
	// it up a second time is a no-op today. Reserved per spec.md §4.3 for
	// future decoupling of creation from reconciliation.
	return nil, nil
}

func decideDeleteInstance(s *State, c wire.DeleteInstanceCmd) ([]wire.Event, error) {
	if _, ok := s.Instances[c.InstanceID]; !ok {
		return nil, exoerr.ErrInstanceNotFound
	}
	evt := wire.NewInstanceDeletedEvt(c.InstanceID)
	s.apply(evt)
	return []wire.Event{evt}, nil
}

func decideChatCompletion(s *State, c wire.ChatCompletionCmd) ([]wire.Event, error) {
	if _, ok := s.Instances[c.InstanceID]; !ok {
		return nil, exoerr.ErrNoInstance
	}
	rng := rand.New(rand.NewSource(seedFromCommandID(c.ID())))
	task := wire.Task{
		TaskID:     exoids.NewTaskIdFromRand(rng),
		CommandID:  c.ID(),
		InstanceID: c.InstanceID,
		Type:       wire.TaskChatCompletion,
		Status:     wire.TaskPending,
		Params:     c.Params,
	}
	evt := wire.NewTaskCreatedEvt(task)
	s.apply(evt)
	return []wire.Event{evt}, nil
}

func decideTaskFinishedCmd(s *State, c wire.TaskFinishedCmd) ([]wire.Event, error) {
	// Bookkeeping only: the task's terminal TaskFinished event was already
	// emitted by the Worker that ran it. The master just needs the fact on
	// record; no additional event is produced.
	return nil, nil
}

// seedFromCommandID derives a deterministic RNG seed from a CommandId, an
// FNV-1a style fold so that replaying the same command always mints the
// same ports.
func seedFromCommandID(id exoids.CommandId) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return int64(h)
}
