package provider

import (
	"encoding/json"
	"testing"
)

func TestEstimateUsage(t *testing.T) {
	tests := []struct {
		name         string
		req          *Request
		output       string
		inputTokens  int
		outputTokens int
	}{
		{
			name:        "empty request carries only the overhead",
			req:         &Request{},
			inputTokens: promptOverheadTokens,
		},
		{
			name: "system and message characters",
			req: &Request{
				System:   "abcdef",
				Messages: []Message{{Role: RoleUser, Content: "hi"}},
			},
			// 8 chars at 3 chars per token, rounded up.
			inputTokens: promptOverheadTokens + 3,
		},
		{
			name: "partial tokens round up",
			req: &Request{
				Messages: []Message{{Role: RoleUser, Content: "x"}},
			},
			inputTokens: promptOverheadTokens + 1,
		},
		{
			name: "assistant thinking counted",
			req: &Request{
				Messages: []Message{{Role: RoleAssistant, Content: "ok", Thinking: "pondering"}},
			},
			// 11 chars.
			inputTokens: promptOverheadTokens + 4,
		},
		{
			name: "tool calls counted",
			req: &Request{
				Messages: []Message{{
					Role:      RoleAssistant,
					ToolCalls: []ToolCall{{ID: "call_1", Name: "calc", Arguments: `{"expr":"2+2"}`}},
				}},
			},
			// 4 + 14 chars; the ID is provider bookkeeping and free.
			inputTokens: promptOverheadTokens + 6,
		},
		{
			name: "tool definitions counted",
			req: &Request{
				Tools: []ToolDefinition{{
					Name:        "web_search",
					Description: "Search the web",
					InputSchema: json.RawMessage(`{"type":"object"}`),
				}},
			},
			// 10 + 14 + 17 chars.
			inputTokens: promptOverheadTokens + 14,
		},
		{
			name:         "output tokens from produced text",
			req:          &Request{},
			output:       "abcd",
			inputTokens:  promptOverheadTokens,
			outputTokens: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usage := EstimateUsage(tt.req, tt.output)
			if usage.InputTokens != tt.inputTokens {
				t.Errorf("expected %d input tokens, got %d", tt.inputTokens, usage.InputTokens)
			}
			if usage.OutputTokens != tt.outputTokens {
				t.Errorf("expected %d output tokens, got %d", tt.outputTokens, usage.OutputTokens)
			}
			if !usage.Estimated {
				t.Error("heuristic usage must be marked estimated")
			}
			if got := usage.TotalTokens(); got != tt.inputTokens+tt.outputTokens {
				t.Errorf("expected total %d, got %d", tt.inputTokens+tt.outputTokens, got)
			}
		})
	}
}
