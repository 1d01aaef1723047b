package wire

import "github.com/exo-explore/exo/internal/exoids"

// TaskType is a closed tag; ChatCompletion is the only task type the
// cluster implements today.
type TaskType string

const TaskChatCompletion TaskType = "ChatCompletion"

// TaskStatus is the closed set of task lifecycle states.
type TaskStatus string

const (
	TaskPending  TaskStatus = "Pending"
	TaskRunning  TaskStatus = "Running"
	TaskComplete TaskStatus = "Complete"
	TaskFailed   TaskStatus = "Failed"
)

// ChatCompletionParams is the user-supplied request body for a chat
// completion. Message/model shape mirrors a typical OpenAI-style request;
// the HTTP surface that decodes it is out of scope (spec.md §1).
type ChatCompletionParams struct {
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Task is a unit of work submitted against an instance.
type Task struct {
	TaskID     exoids.TaskId
	CommandID  exoids.CommandId
	InstanceID exoids.InstanceId
	Type       TaskType
	Status     TaskStatus
	Params     ChatCompletionParams
	Error      string // empty unless Status == TaskFailed
}
