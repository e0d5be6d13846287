// Package llmgateway implements spec.md §6's LLM gateway contract: a single
// blocking Call that normalizes a streaming provider response into text or
// tool calls plus usage stats. Grounded on tarsy's pkg/agent/llm_grpc.go
// GRPCLLMClient, which calls out to the same kind of sidecar over gRPC; this
// gateway collapses the stream tarsy forwards to its own caller into one
// blocking response instead, per spec.md's described call_llm shape.
package llmgateway

import "context"

// Message is one turn of a reconstructed conversation, mirroring
// pkg/models' span input/output shape closely enough to round-trip through
// a replay without lossy conversion.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolCall is a single function-call request or record thereof.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes one callable tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one LLM call: either a single input_text (wrapped as a user
// message by the caller) or a full reconstructed message list, per spec.md
// §6's `call_llm(input_text | messages, ...)` union.
type Request struct {
	Messages       []Message
	SystemPrompt   string
	Model          string
	ResponseSchema map[string]any // when set, the model is asked to return JSON matching this schema
	Tools          []ToolDefinition
}

// Stats mirrors spec.md §6's call_llm return tuple's stats object.
type Stats struct {
	PromptTokens     int
	CompletionTokens int
	ResponseMillis   int64
	ResponseCost     float64
}

// Response is the gateway's return value: content is either plain text or,
// for tool-call-bearing responses, the JSON-serialized
// `{"tool_calls": [...]}` form spec.md §6 requires when no plain content is
// returned.
type Response struct {
	Content string
	Stats   Stats
}

// Gateway is the interface workers depend on; grpcGateway is the only
// production implementation.
type Gateway interface {
	Call(ctx context.Context, req Request) (Response, error)
}
