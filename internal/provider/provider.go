// Package provider abstracts the chat completion backends the gateway can
// route turns to. The orchestration loop only sees the ChatProvider
// interface; concrete adapters live behind it.
package provider

import (
	"context"
	"fmt"
)

// Role labels a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult carries one tool outcome back to the model.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one entry in the conversation history.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is one round trip to a model.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopEnd     StopReason = "end"
	StopToolUse StopReason = "tool_use"
	StopLength  StopReason = "length"
	StopUnknown StopReason = "unknown"
)

// Usage is the token accounting for one round trip.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Units is the combined token count charged against budgets.
func (u Usage) Units() int64 {
	return u.InputTokens + u.OutputTokens
}

// ChatResponse is one model reply: assistant text, requested tool calls,
// or both.
type ChatResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
	Model      string
}

// ChatProvider completes one conversation round trip.
type ChatProvider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Error wraps a provider failure with its origin and whether a retry within
// the same turn is worthwhile.
type Error struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
