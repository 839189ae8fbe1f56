package models

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a single conversation turn. A message is immutable once
// appended to a log: pipeline steps may only append new messages, never edit
// or reorder prior ones.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name identifies the pipeline step that produced a tool message.
	Name string `json:"name,omitempty"`
	// Payload carries the step's structured output (SQL draft, validation
	// verdict, result preview).
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant turn with an optional structured payload.
func AssistantMessage(content string, payload map[string]interface{}) Message {
	return Message{Role: RoleAssistant, Content: content, Payload: payload}
}

// ToolMessage builds a tool turn attributed to a named pipeline step.
func ToolMessage(name, content string, payload map[string]interface{}) Message {
	return Message{Role: RoleTool, Content: content, Name: name, Payload: payload}
}
