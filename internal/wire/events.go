package wire

import (
	"encoding/json"
	"fmt"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/topology"
)

// EventKind is the closed discriminator tag for Event.
type EventKind string

const (
	KindInstanceCreated     EventKind = "InstanceCreated"
	KindInstanceDeleted     EventKind = "InstanceDeleted"
	KindRunnerStatusUpdated EventKind = "RunnerStatusUpdated"
	KindTaskCreated         EventKind = "TaskCreated"
	KindChunkGenerated      EventKind = "ChunkGenerated"
	KindTaskFinishedEvt     EventKind = "TaskFinished"
	KindNodeProfileUpdated  EventKind = "NodeProfileUpdated"
	KindTopologyUpdated     EventKind = "TopologyUpdated"
)

// FinishReason is the closed set of reasons a task stream can end with.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// Event is the closed union the master emits onto GLOBAL_EVENTS, and
// workers emit onto LOCAL_EVENTS.
type Event interface {
	Kind() EventKind
	eventMarker()
}

type baseEvent struct {
	EventID exoids.EventId `json:"event_id"`
}

func (baseEvent) eventMarker() {}

// InstanceCreatedEvt is born when the master places a new instance.
type InstanceCreatedEvt struct {
	baseEvent
	Instance Instance `json:"instance"`
}

func (InstanceCreatedEvt) Kind() EventKind { return KindInstanceCreated }

// InstanceDeletedEvt is emitted when the master tears an instance down.
type InstanceDeletedEvt struct {
	baseEvent
	InstanceID exoids.InstanceId `json:"instance_id"`
}

func (InstanceDeletedEvt) Kind() EventKind { return KindInstanceDeleted }

// RunnerStatusUpdatedEvt reports a runner's lifecycle transition.
type RunnerStatusUpdatedEvt struct {
	baseEvent
	RunnerID   exoids.RunnerId   `json:"runner_id"`
	InstanceID exoids.InstanceId `json:"instance_id"`
	Status     RunnerStatus      `json:"status"`
}

func (RunnerStatusUpdatedEvt) Kind() EventKind { return KindRunnerStatusUpdated }

// TaskCreatedEvt is emitted when the master accepts a ChatCompletion
// command against an existing instance.
type TaskCreatedEvt struct {
	baseEvent
	Task Task `json:"task"`
}

func (TaskCreatedEvt) Kind() EventKind { return KindTaskCreated }

// ChunkGeneratedEvt carries one streamed token chunk for a task.
type ChunkGeneratedEvt struct {
	baseEvent
	TaskID       exoids.TaskId `json:"task_id"`
	Text         string        `json:"text"`
	FinishReason *FinishReason `json:"finish_reason,omitempty"`
}

func (ChunkGeneratedEvt) Kind() EventKind { return KindChunkGenerated }

// TaskFinishedEvt marks a task's terminal state.
type TaskFinishedEvt struct {
	baseEvent
	TaskID       exoids.TaskId `json:"task_id"`
	FinishReason FinishReason  `json:"finish_reason"`
	Error        string        `json:"error,omitempty"`
}

func (TaskFinishedEvt) Kind() EventKind { return KindTaskFinishedEvt }

// NodeProfileUpdatedEvt carries a worker's resampled capacity profile.
type NodeProfileUpdatedEvt struct {
	baseEvent
	Profile topology.NodeProfile `json:"profile"`
}

func (NodeProfileUpdatedEvt) Kind() EventKind { return KindNodeProfileUpdated }

// TopologyUpdatedEvt carries a worker's updated view of the device graph.
type TopologyUpdatedEvt struct {
	baseEvent
	Snapshot topology.TopologySnapshot `json:"snapshot"`
}

func (TopologyUpdatedEvt) Kind() EventKind { return KindTopologyUpdated }

// NewEventID mints a fresh EventId, used by callers constructing a
// concrete Event.
func NewEventID() exoids.EventId { return exoids.NewEventId() }

// NewInstanceCreatedEvt builds an InstanceCreatedEvt with a freshly-minted id.
func NewInstanceCreatedEvt(instance Instance) InstanceCreatedEvt {
	return InstanceCreatedEvt{baseEvent{NewEventID()}, instance}
}

// NewInstanceDeletedEvt builds an InstanceDeletedEvt with a freshly-minted id.
func NewInstanceDeletedEvt(instanceID exoids.InstanceId) InstanceDeletedEvt {
	return InstanceDeletedEvt{baseEvent{NewEventID()}, instanceID}
}

// NewRunnerStatusUpdatedEvt builds a RunnerStatusUpdatedEvt with a
// freshly-minted id.
func NewRunnerStatusUpdatedEvt(runnerID exoids.RunnerId, instanceID exoids.InstanceId, status RunnerStatus) RunnerStatusUpdatedEvt {
	return RunnerStatusUpdatedEvt{baseEvent{NewEventID()}, runnerID, instanceID, status}
}

// NewTaskCreatedEvt builds a TaskCreatedEvt with a freshly-minted id.
func NewTaskCreatedEvt(task Task) TaskCreatedEvt {
	return TaskCreatedEvt{baseEvent{NewEventID()}, task}
}

// NewChunkGeneratedEvt builds a ChunkGeneratedEvt with a freshly-minted id.
func NewChunkGeneratedEvt(taskID exoids.TaskId, text string, finishReason *FinishReason) ChunkGeneratedEvt {
	return ChunkGeneratedEvt{baseEvent{NewEventID()}, taskID, text, finishReason}
}

// NewTaskFinishedEvt builds a TaskFinishedEvt with a freshly-minted id.
func NewTaskFinishedEvt(taskID exoids.TaskId, reason FinishReason, errMsg string) TaskFinishedEvt {
	return TaskFinishedEvt{baseEvent{NewEventID()}, taskID, reason, errMsg}
}

// NewNodeProfileUpdatedEvt builds a NodeProfileUpdatedEvt with a
// freshly-minted id.
func NewNodeProfileUpdatedEvt(profile topology.NodeProfile) NodeProfileUpdatedEvt {
	return NodeProfileUpdatedEvt{baseEvent{NewEventID()}, profile}
}

// NewTopologyUpdatedEvt builds a TopologyUpdatedEvt with a freshly-minted id.
func NewTopologyUpdatedEvt(snapshot topology.TopologySnapshot) TopologyUpdatedEvt {
	return TopologyUpdatedEvt{baseEvent{NewEventID()}, snapshot}
}

type eventEnvelope struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvent encodes evt with its kind tag, for transport over
// GLOBAL_EVENTS / LOCAL_EVENTS.
func MarshalEvent(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Kind: evt.Kind(), Data: data})
}

// UnmarshalEvent decodes an event previously encoded with MarshalEvent.
func UnmarshalEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("wire: decoding event envelope: %w", err)
	}
	switch env.Kind {
	case KindInstanceCreated:
		var e InstanceCreatedEvt
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindInstanceDeleted:
		var e InstanceDeletedEvt
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindRunnerStatusUpdated:
		var e RunnerStatusUpdatedEvt
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindTaskCreated:
		var e TaskCreatedEvt
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindChunkGenerated:
		var e ChunkGeneratedEvt
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindTaskFinishedEvt:
		var e TaskFinishedEvt
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindNodeProfileUpdated:
		var e NodeProfileUpdatedEvt
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindTopologyUpdated:
		var e TopologyUpdatedEvt
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("wire: unknown event kind %q", env.Kind)
	}
}
