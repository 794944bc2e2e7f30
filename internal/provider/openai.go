package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// openaiMessage is one entry of the chat/completions messages array.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`

	// ThoughtSignature replays a reasoning continuation token for
	// providers that require it on multi-turn tool use.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string        `json:"type"`
	Function openaiToolDef `json:"function"`
}

type openaiToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

// buildChatCompletionsBody renders a normalized request into the OpenAI
// chat/completions wire format. Thinking fields on assistant messages are
// dropped: chat/completions providers do not accept reasoning replay.
func buildChatCompletionsBody(req *Request) ([]byte, error) {
	out := openaiRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &openaiStreamOptions{IncludeUsage: true},
	}

	if req.System != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: RoleSystem, Content: req.System})
	}

	for _, m := range req.Messages {
		msg := openaiMessage{Role: m.Role, Content: m.Content}

		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
					ThoughtSignature: tc.ThoughtSignature,
				})
			}
		case RoleTool:
			msg.ToolCallID = m.ToolCallID
		}

		out.Messages = append(out.Messages, msg)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat completions request: %w", err)
	}
	return body, nil
}

// readChatCompletionsStream reads OpenAI-style SSE lines and emits unified
// chunks. The channel is closed after a Done or error chunk.
func readChatCompletionsStream(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer close(ch)
	defer body.Close()

	var finishReason string

	scanner := newSSEScanner(body)
	for scanner.Scan() {
		_, data, ok := parseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}

		if strings.TrimSpace(data) == "[DONE]" {
			send(ctx, ch, StreamChunk{Done: true, FinishReason: finishReason})
			return
		}

		r := gjson.Parse(data)

		if errMsg := r.Get("error.message"); errMsg.Exists() {
			send(ctx, ch, StreamChunk{Err: fmt.Errorf("upstream error: %s", errMsg.String())})
			return
		}

		if usage := r.Get("usage"); usage.Exists() && usage.Get("completion_tokens").Exists() {
			if !send(ctx, ch, StreamChunk{Type: ChunkTypeUsage, Usage: &Usage{
				InputTokens:  int(usage.Get("prompt_tokens").Int()),
				OutputTokens: int(usage.Get("completion_tokens").Int()),
			}}) {
				return
			}
		}

		choice := r.Get("choices.0")
		if !choice.Exists() {
			continue
		}

		if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
			finishReason = fr.String()
		}

		delta := choice.Get("delta")

		if text := delta.Get("content"); text.Exists() && text.String() != "" {
			if !send(ctx, ch, StreamChunk{Type: ChunkTypeText, Text: text.String()}) {
				return
			}
		}

		// Reasoning models disagree on the field name.
		thinking := delta.Get("reasoning")
		if !thinking.Exists() {
			thinking = delta.Get("reasoning_content")
		}
		if thinking.Exists() && thinking.String() != "" {
			if !send(ctx, ch, StreamChunk{Type: ChunkTypeThinking, Text: thinking.String()}) {
				return
			}
		}

		for _, tc := range delta.Get("tool_calls").Array() {
			chunk := StreamChunk{Type: ChunkTypeToolCall, ToolCall: &ToolCallDelta{
				Index:            int(tc.Get("index").Int()),
				ID:               tc.Get("id").String(),
				Name:             tc.Get("function.name").String(),
				ArgumentsDelta:   tc.Get("function.arguments").String(),
				ThoughtSignature: tc.Get("thought_signature").String(),
			}}
			if !send(ctx, ch, chunk) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, ch, StreamChunk{Err: fmt.Errorf("failed to read upstream stream: %w", err)})
		return
	}

	// Stream ended without a [DONE] sentinel. Treat as complete so a
	// truncated but usable response is not discarded.
	send(ctx, ch, StreamChunk{Done: true, FinishReason: finishReason})
}

// send delivers a chunk unless the context is cancelled first. Returns false
// when the reader should stop.
func send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
