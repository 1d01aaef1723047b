package wire

import (
	"encoding/json"
	"fmt"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/shard"
)

// CommandKind is the closed discriminator tag for Command.
type CommandKind string

const (
	KindChatCompletion  CommandKind = "ChatCompletion"
	KindCreateInstance  CommandKind = "CreateInstance"
	KindSpinUpInstance  CommandKind = "SpinUpInstance"
	KindDeleteInstance  CommandKind = "DeleteInstance"
	KindTaskFinishedCmd CommandKind = "TaskFinished"
	KindRequestEventLog CommandKind = "RequestEventLog"
)

// Command is the closed union of requests the master's decision function
// consumes. Concrete types implement it with an unexported marker method,
// following the closed-discriminated-union guidance of spec.md §9 rather
// than an open class hierarchy.
type Command interface {
	Kind() CommandKind
	ID() exoids.CommandId
	commandMarker()
}

type baseCommand struct {
	CommandID exoids.CommandId `json:"command_id"`
}

func (b baseCommand) ID() exoids.CommandId { return b.CommandID }
func (baseCommand) commandMarker()         {}

// ChatCompletionCmd requests a chat completion on an existing instance.
type ChatCompletionCmd struct {
	baseCommand
	InstanceID exoids.InstanceId    `json:"instance_id"`
	Params     ChatCompletionParams `json:"params"`
}

func (ChatCompletionCmd) Kind() CommandKind { return KindChatCompletion }

// CreateInstanceCmd asks the master to place a new instance of a model.
type CreateInstanceCmd struct {
	baseCommand
	ModelMeta shard.ModelMeta `json:"model_meta"`
}

func (CreateInstanceCmd) Kind() CommandKind { return KindCreateInstance }

// SpinUpInstanceCmd materialises an instance that was created but not yet
// reconciled. Reserved for future decoupling (spec.md §4.3); today it is
// only ever produced internally, never by a client.
type SpinUpInstanceCmd struct {
	baseCommand
	InstanceID exoids.InstanceId `json:"instance_id"`
}

func (SpinUpInstanceCmd) Kind() CommandKind { return KindSpinUpInstance }

// DeleteInstanceCmd tears down an instance.
type DeleteInstanceCmd struct {
	baseCommand
	InstanceID exoids.InstanceId `json:"instance_id"`
}

func (DeleteInstanceCmd) Kind() CommandKind { return KindDeleteInstance }

// TaskFinishedCmd notifies the master a task completed, for bookkeeping.
type TaskFinishedCmd struct {
	baseCommand
	FinishedCommandID exoids.CommandId `json:"finished_command_id"`
	TaskID            exoids.TaskId    `json:"task_id"`
}

func (TaskFinishedCmd) Kind() CommandKind { return KindTaskFinishedCmd }

// RequestEventLogCmd asks the master to replay GLOBAL_EVENTS from SinceIdx
// onward (spec.md §4.1, §9).
type RequestEventLogCmd struct {
	baseCommand
	SinceIdx uint64 `json:"since_idx"`
}

func (RequestEventLogCmd) Kind() CommandKind { return KindRequestEventLog }

// NewCommandID mints a fresh CommandId, used by callers constructing a
// concrete Command.
func NewCommandID() exoids.CommandId { return exoids.NewCommandId() }

// NewChatCompletionCmd builds a ChatCompletionCmd with a freshly-minted id.
func NewChatCompletionCmd(instanceID exoids.InstanceId, params ChatCompletionParams) ChatCompletionCmd {
	return ChatCompletionCmd{baseCommand{NewCommandID()}, instanceID, params}
}

// NewCreateInstanceCmd builds a CreateInstanceCmd with a freshly-minted id.
func NewCreateInstanceCmd(modelMeta shard.ModelMeta) CreateInstanceCmd {
	return CreateInstanceCmd{baseCommand{NewCommandID()}, modelMeta}
}

// NewSpinUpInstanceCmd builds a SpinUpInstanceCmd with a freshly-minted id.
func NewSpinUpInstanceCmd(instanceID exoids.InstanceId) SpinUpInstanceCmd {
	return SpinUpInstanceCmd{baseCommand{NewCommandID()}, instanceID}
}

// NewDeleteInstanceCmd builds a DeleteInstanceCmd with a freshly-minted id.
func NewDeleteInstanceCmd(instanceID exoids.InstanceId) DeleteInstanceCmd {
	return DeleteInstanceCmd{baseCommand{NewCommandID()}, instanceID}
}

// NewTaskFinishedCmd builds a TaskFinishedCmd with a freshly-minted id.
func NewTaskFinishedCmd(finishedCommandID exoids.CommandId, taskID exoids.TaskId) TaskFinishedCmd {
	return TaskFinishedCmd{baseCommand{NewCommandID()}, finishedCommandID, taskID}
}

// NewRequestEventLogCmd builds a RequestEventLogCmd with a freshly-minted id.
func NewRequestEventLogCmd(sinceIdx uint64) RequestEventLogCmd {
	return RequestEventLogCmd{baseCommand{NewCommandID()}, sinceIdx}
}

type commandEnvelope struct {
	Kind CommandKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalCommand encodes cmd with its kind tag, for transport over the
// Commands topic.
func MarshalCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(commandEnvelope{Kind: cmd.Kind(), Data: data})
}

// UnmarshalCommand decodes a command previously encoded with MarshalCommand.
func UnmarshalCommand(raw []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("wire: decoding command envelope: %w", err)
	}
	switch env.Kind {
	case KindChatCompletion:
		var c ChatCompletionCmd
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindCreateInstance:
		var c CreateInstanceCmd
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindSpinUpInstance:
		var c SpinUpInstanceCmd
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindDeleteInstance:
		var c DeleteInstanceCmd
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindTaskFinishedCmd:
		var c TaskFinishedCmd
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindRequestEventLog:
		var c RequestEventLogCmd
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("wire: unknown command kind %q", env.Kind)
	}
}
