// Package llms provides the model adapter: a unified chat, streaming, and
// tool-calling interface over multiple provider backends with ordered
// failover.
package llms

import (
	"context"
	"errors"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a provider-neutral chat transcript. Tool messages
// carry the ToolCallID they respond to; assistant messages may carry the
// tool calls they proposed.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a model-proposed invocation. Arguments is the raw JSON text
// exactly as the provider returned it; callers parse it defensively.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is the provider-neutral tool schema shape.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options tune a single model call.
type Options struct {
	MaxOutputTokens int
	Temperature     float64
	Timeout         time.Duration
	Stop            []string
}

// StreamChunk is one unit of a streaming response. Exactly one of Text or
// Err is set; a chunk with Err terminates the stream.
type StreamChunk struct {
	Text string
	Err  error
}

// ToolResponse is the atomic result of a tool-enabled call: either pure
// text (no tool calls) or text plus complete tool calls. Providers that
// stream tool-call deltas buffer them internally; partial calls never
// escape this package.
type ToolResponse struct {
	Text      string
	ToolCalls []ToolCall
}

// Provider is one model backend.
type Provider interface {
	Name() string

	Chat(ctx context.Context, messages []Message, opts Options) (string, error)

	// ChatStream returns chunks in provider byte order. The channel is
	// closed when the stream ends; a terminal error is delivered as the
	// final chunk.
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)

	ChatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*ToolResponse, error)
}

// ErrProviderUnavailable reports that every configured provider failed.
var ErrProviderUnavailable = errors.New("all model providers unavailable")

// ErrStreamInterrupted reports a stream that failed after delivery began.
// Failover never re-runs a stream mid-flight: doing so would reorder bytes
// already handed to the consumer.
var ErrStreamInterrupted = errors.New("model stream interrupted")
