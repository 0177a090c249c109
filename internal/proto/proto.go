// Package proto holds the provider-neutral message types shared by the
// execution engines.
package proto

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single turn sent to or received from a model.
type Message struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
}

// Function is the target of a tool call.
type Function struct {
	Name      string
	Arguments []byte
}

// ToolCall is a tool invocation requested by the model. On RoleTool messages
// it identifies which call the content answers.
type ToolCall struct {
	ID       string
	Function Function
	IsError  bool
}

// Usage is the token accounting of one or more model calls.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}
