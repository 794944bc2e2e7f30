// Package provider speaks to upstream inference APIs and translates their
// streaming formats into a single chunk shape. Both OpenAI-style
// chat/completions SSE and Anthropic-style messages SSE come out as the
// same stream of typed chunks, so everything downstream (task runner,
// fan-out, persistence) is provider-agnostic.
package provider

import "encoding/json"

// ChunkType identifies the payload kind of a unified stream chunk.
type ChunkType string

const (
	// ChunkTypeText carries visible assistant output.
	ChunkTypeText ChunkType = "text"

	// ChunkTypeThinking carries reasoning output from thinking models.
	ChunkTypeThinking ChunkType = "thinking"

	// ChunkTypeThinkingSignature carries the signature that must be echoed
	// back verbatim when a thinking block is included in a continuation
	// request.
	ChunkTypeThinkingSignature ChunkType = "thinking_signature"

	// ChunkTypeThinkingRedacted carries encrypted reasoning the provider
	// withheld. The payload is opaque and is only ever passed back upstream.
	ChunkTypeThinkingRedacted ChunkType = "thinking_redacted"

	// ChunkTypeToolCall carries an incremental tool call delta.
	ChunkTypeToolCall ChunkType = "tool_call"

	// ChunkTypeUsage carries final token usage, emitted once near the end
	// of a stream.
	ChunkTypeUsage ChunkType = "usage"
)

// StreamChunk is one unit of a unified response stream.
//
// Exactly one of the payload fields is set, matching Type. Done marks the
// end of the stream; Err reports a mid-stream failure and is always the
// last chunk when set.
type StreamChunk struct {
	Type ChunkType

	Text     string
	ToolCall *ToolCallDelta
	Usage    *Usage

	FinishReason string
	Done         bool
	Err          error
}

// ToolCallDelta is an incremental piece of a tool call. The first delta for
// an index carries the ID and name; subsequent deltas append to the JSON
// arguments. ThoughtSignature, when a provider emits one, must be echoed
// back on the next turn or multi-turn tool use is rejected.
type ToolCallDelta struct {
	Index            int    `json:"index"`
	ID               string `json:"id,omitempty"`
	Name             string `json:"name,omitempty"`
	ArgumentsDelta   string `json:"arguments_delta,omitempty"`
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// Usage is the token accounting for one request. Estimated is set when the
// upstream omitted usage and the counts come from the character heuristic.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// TotalTokens returns the combined token count.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// Message roles in a normalized transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one normalized transcript entry. Assistant messages carry the
// thinking fields so continuation requests can replay thinking blocks with
// their signatures; tool messages carry the ID of the call they answer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinking_signature,omitempty"`
	RedactedThinking  string `json:"redacted_thinking,omitempty"`

	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a completed tool invocation in an assistant message.
// ThoughtSignature is kept base64-encoded exactly as received and replayed
// on the wire when the transcript is reconstructed for the next turn.
type ToolCall struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Arguments        string `json:"arguments"`
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is a normalized inference request. The client renders it into the
// wire format the resolved endpoint speaks.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDefinition

	MaxTokens   int
	Temperature *float64

	// Thinking requests extended reasoning output from models that
	// support it. ThinkingBudgetTokens caps the reasoning budget; zero
	// uses the provider default.
	Thinking             bool
	ThinkingBudgetTokens int
}
