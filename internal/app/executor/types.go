// Package executor implements the Agent Executor: the background worker
// that prepares a task's worktree, runs an external agent through the
// QueryAgent capability, streams and persists progressive state, drives the
// validation-retry loop, and maps the agent's outcome back through the
// Pipeline Engine.
package executor

import "context"

// MessageType classifies a streamed agent message. The agent capability is
// polymorphic over text-producing, tool-using, and structured-output
// variants — modeled as a tagged union, not an inheritance hierarchy.
type MessageType string

const (
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageResult     MessageType = "result"
	MessageSystem     MessageType = "system"
)

// ContentBlock is one piece of an assistant message's content array.
type ContentBlock struct {
	Kind      string         // "text" | "tool_use"
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolID    string         `json:"toolId,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
}

// Usage is cumulative token accounting reported by a result message.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Message is one item of the agent's output stream.
type Message struct {
	Type MessageType

	// assistant
	Content []ContentBlock

	// result
	Subtype          string
	Errors           []string
	StructuredOutput map[string]any
	Usage            *Usage
	Outcome          string

	// tool (result of a tool call coming back to the agent)
	ToolResult string
	ToolUseID  string

	// system / misc
	Raw map[string]any
}

// QueryRequest is the input to one QueryAgent invocation.
type QueryRequest struct {
	Prompt             string
	WorkDir            string
	MaxTurns           int
	TimeoutMs          int
	OutputFormatSchema map[string]any

	// RunDir, when set, asks the QueryAgent to persist its raw message
	// stream to <RunDir>/output.jsonl, its PID to <RunDir>/status.json, and
	// a <RunDir>/.done sentinel on exit — so a crash of this process can be
	// distinguished from the agent subprocess itself dying, and in-flight
	// output recovered either way.
	RunDir string
}

// QueryAgent is the opaque external agent capability: it produces an async
// stream of typed messages. The Executor is the sole interpreter of that
// stream; the concrete wire format of any given agent SDK never leaks past
// this interface.
type QueryAgent interface {
	Query(ctx context.Context, req QueryRequest) (<-chan Message, error)
}

// Callbacks streams progressive state to an external caller (UI/CLI/ws).
type Callbacks struct {
	OnOutput       func(taskID, chunk string)
	OnMessage      func(taskID string, msg Message)
	OnStatusChange func(taskID, status string)
}
