package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// defaultMaxTokens is used when a request does not cap output; the
// messages API requires max_tokens.
const defaultMaxTokens = 4096

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`

	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block. Which fields are set depends on Type.
type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// buildMessagesBody renders a normalized request into the Anthropic messages
// wire format. Assistant thinking blocks are replayed with their signatures;
// the API rejects continuations that omit or alter them.
func buildMessagesBody(req *Request) ([]byte, error) {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultMaxTokens
	}

	if req.Thinking {
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: req.ThinkingBudgetTokens}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    RoleUser,
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})

		case RoleAssistant:
			var blocks []anthropicBlock
			if m.RedactedThinking != "" {
				blocks = append(blocks, anthropicBlock{Type: "redacted_thinking", Data: m.RedactedThinking})
			}
			if m.Thinking != "" {
				blocks = append(blocks, anthropicBlock{
					Type:      "thinking",
					Thinking:  m.Thinking,
					Signature: m.ThinkingSignature,
				})
			}
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: RoleAssistant, Content: blocks})

		case RoleTool:
			// Tool results ride on the user role in the messages API, and
			// all results of one parallel tool-call turn must share a single
			// user message; the API rejects continuations that split them.
			block := anthropicBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}
			if n := len(out.Messages); n > 0 && isToolResultMessage(out.Messages[n-1]) {
				out.Messages[n-1].Content = append(out.Messages[n-1].Content, block)
			} else {
				out.Messages = append(out.Messages, anthropicMessage{
					Role:    RoleUser,
					Content: []anthropicBlock{block},
				})
			}
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages request: %w", err)
	}
	return body, nil
}

// isToolResultMessage reports whether a rendered message is a tool-result
// carrier that later results may join.
func isToolResultMessage(m anthropicMessage) bool {
	return m.Role == RoleUser && len(m.Content) > 0 && m.Content[len(m.Content)-1].Type == "tool_result"
}

// messagesStreamState tracks block bookkeeping across Anthropic SSE events.
type messagesStreamState struct {
	inputTokens  int
	outputTokens int
	stopReason   string

	// toolOrdinals maps a content block index to the ordinal of the tool
	// call it carries, so unified deltas index tool calls 0..n regardless
	// of how many text or thinking blocks preceded them.
	toolOrdinals map[int]int
}

// readMessagesStream reads Anthropic-style SSE events and emits unified
// chunks. The channel is closed after a Done or error chunk.
func readMessagesStream(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer close(ch)
	defer body.Close()

	state := messagesStreamState{toolOrdinals: make(map[int]int)}

	var currentEvent string
	scanner := newSSEScanner(body)
	for scanner.Scan() {
		event, data, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		chunks, done := state.handleEvent(currentEvent, data)
		for _, chunk := range chunks {
			if !send(ctx, ch, chunk) {
				return
			}
		}
		if done {
			return
		}
		currentEvent = ""
	}

	if err := scanner.Err(); err != nil {
		send(ctx, ch, StreamChunk{Err: fmt.Errorf("failed to read upstream stream: %w", err)})
		return
	}

	send(ctx, ch, StreamChunk{Done: true, FinishReason: mapStopReason(state.stopReason)})
}

// handleEvent processes one SSE event and returns the chunks to emit plus
// whether the stream is finished.
func (s *messagesStreamState) handleEvent(event, data string) ([]StreamChunk, bool) {
	switch event {
	case "message_start":
		r := gjson.Parse(data)
		s.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		return nil, false

	case "content_block_start":
		return s.onBlockStart(data), false

	case "content_block_delta":
		return s.onBlockDelta(data), false

	case "message_delta":
		r := gjson.Parse(data)
		if v := r.Get("usage.output_tokens"); v.Exists() {
			s.outputTokens = int(v.Int())
		}
		if v := r.Get("delta.stop_reason"); v.Exists() {
			s.stopReason = v.String()
		}
		return nil, false

	case "message_stop":
		return []StreamChunk{
			{Type: ChunkTypeUsage, Usage: &Usage{
				InputTokens:  s.inputTokens,
				OutputTokens: s.outputTokens,
			}},
			{Done: true, FinishReason: mapStopReason(s.stopReason)},
		}, true

	case "error":
		r := gjson.Parse(data)
		msg := r.Get("error.message").String()
		if msg == "" {
			msg = data
		}
		return []StreamChunk{{Err: fmt.Errorf("upstream error: %s", msg)}}, true
	}

	return nil, false
}

func (s *messagesStreamState) onBlockStart(data string) []StreamChunk {
	r := gjson.Parse(data)
	index := int(r.Get("index").Int())
	block := r.Get("content_block")

	switch block.Get("type").String() {
	case "tool_use":
		ordinal := len(s.toolOrdinals)
		s.toolOrdinals[index] = ordinal
		return []StreamChunk{{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{
			Index: ordinal,
			ID:    block.Get("id").String(),
			Name:  block.Get("name").String(),
		}}}

	case "redacted_thinking":
		return []StreamChunk{{Type: ChunkTypeThinkingRedacted, Text: block.Get("data").String()}}
	}

	return nil
}

func (s *messagesStreamState) onBlockDelta(data string) []StreamChunk {
	r := gjson.Parse(data)
	delta := r.Get("delta")

	switch delta.Get("type").String() {
	case "text_delta":
		return []StreamChunk{{Type: ChunkTypeText, Text: delta.Get("text").String()}}

	case "thinking_delta":
		return []StreamChunk{{Type: ChunkTypeThinking, Text: delta.Get("thinking").String()}}

	case "signature_delta":
		return []StreamChunk{{Type: ChunkTypeThinkingSignature, Text: delta.Get("signature").String()}}

	case "input_json_delta":
		index := int(r.Get("index").Int())
		ordinal, ok := s.toolOrdinals[index]
		if !ok {
			return nil
		}
		return []StreamChunk{{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{
			Index:          ordinal,
			ArgumentsDelta: delta.Get("partial_json").String(),
		}}}
	}

	return nil
}

// mapStopReason converts messages API stop reasons to the unified finish
// reason vocabulary (the chat/completions one).
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
