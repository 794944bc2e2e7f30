package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openmates/core/internal/provider"
)

func TestPreprocessorParse(t *testing.T) {
	p := NewPreprocessor(nil, nil, "pre-model", testLogger())
	skillKeys := []string{"ai-search", "web-fetch"}
	mateIDs := []string{"sage", "scout"}

	tests := []struct {
		name string
		raw  string
		want PreprocessResult
	}{
		{
			name: "full signal set",
			raw:  `{"task_area":"travel","complexity":"complex","china_related":true,"user_unhappy":false,"preselected_skills":["ai-search"],"mate_id":"scout"}`,
			want: PreprocessResult{
				TaskArea:     "travel",
				Complexity:   "complex",
				ChinaRelated: true,
				Preselected:  []string{"ai-search"},
				MateID:       "scout",
			},
		},
		{
			name: "fenced reply",
			raw:  "```json\n{\"task_area\":\"code\",\"complexity\":\"simple\",\"preselected_skills\":[]}\n```",
			want: PreprocessResult{TaskArea: "code", Complexity: "simple", Preselected: []string{}},
		},
		{
			name: "unknown skills are dropped",
			raw:  `{"preselected_skills":["ai-search","ai-hack","WEB-FETCH"]}`,
			want: PreprocessResult{Preselected: []string{"ai-search", "web-fetch"}},
		},
		{
			name: "invalid complexity is ignored",
			raw:  `{"complexity":"medium"}`,
			want: PreprocessResult{Preselected: []string{}},
		},
		{
			name: "unknown mate is ignored",
			raw:  `{"mate_id":"nobody"}`,
			want: PreprocessResult{Preselected: []string{}},
		},
		{
			name: "mate matches case-insensitively",
			raw:  `{"mate_id":"SAGE"}`,
			want: PreprocessResult{Preselected: []string{}, MateID: "sage"},
		},
		{
			name: "not JSON",
			raw:  "I think this is about travel.",
			want: PreprocessResult{Preselected: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.parse(tt.raw, skillKeys, mateIDs)
			if got.TaskArea != tt.want.TaskArea ||
				got.Complexity != tt.want.Complexity ||
				got.ChinaRelated != tt.want.ChinaRelated ||
				got.UserUnhappy != tt.want.UserUnhappy ||
				got.MateID != tt.want.MateID {
				t.Fatalf("parse = %+v, want %+v", got, tt.want)
			}
			if got.Preselected == nil {
				t.Fatal("Preselected must never be nil")
			}
			if len(got.Preselected) != len(tt.want.Preselected) {
				t.Fatalf("preselected = %v, want %v", got.Preselected, tt.want.Preselected)
			}
			for i := range got.Preselected {
				if got.Preselected[i] != tt.want.Preselected[i] {
					t.Fatalf("preselected = %v, want %v", got.Preselected, tt.want.Preselected)
				}
			}
		})
	}
}

func TestPreprocessorAnalyze(t *testing.T) {
	streamer := &fakeStreamer{script: []streamScript{{chunks: []provider.StreamChunk{
		{Type: provider.ChunkTypeText, Text: `{"task_area":"news","complexity":"simple",`},
		{Type: provider.ChunkTypeText, Text: `"preselected_skills":["ai-search"],"mate_id":"sage"}`},
	}}}}
	resolver := &fakeResolver{}
	p := NewPreprocessor(streamer, resolver, "pre-model", testLogger())

	got := p.Analyze(context.Background(), "what happened today?", []string{"ai-search"}, []string{"sage"})

	if got.TaskArea != "news" || got.Complexity != "simple" || got.MateID != "sage" {
		t.Errorf("Analyze = %+v", got)
	}
	if len(got.Preselected) != 1 || got.Preselected[0] != "ai-search" {
		t.Errorf("preselected = %v", got.Preselected)
	}

	req := streamer.call(t, 0)
	if req.Model != "pre-model" {
		t.Errorf("model = %q", req.Model)
	}
	if req.MaxTokens != 400 {
		t.Errorf("max tokens = %d, want 400", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", req.Temperature)
	}
	if !strings.Contains(req.System, "ai-search") {
		t.Error("system prompt does not list the available skills")
	}
}

func TestPreprocessorAnalyzeDegradesOnErrors(t *testing.T) {
	tests := []struct {
		name     string
		streamer *fakeStreamer
		resolver *fakeResolver
	}{
		{
			name:     "model unavailable",
			streamer: &fakeStreamer{},
			resolver: &fakeResolver{failFor: map[string]bool{"pre-model": true}},
		},
		{
			name:     "stream start fails",
			streamer: &fakeStreamer{script: []streamScript{{err: errors.New("connect refused")}}},
			resolver: &fakeResolver{},
		},
		{
			name: "stream errors midway",
			streamer: &fakeStreamer{script: []streamScript{{chunks: []provider.StreamChunk{
				{Type: provider.ChunkTypeText, Text: `{"task_area":`},
				{Err: errors.New("connection reset"), Done: true},
			}}}},
			resolver: &fakeResolver{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPreprocessor(tt.streamer, tt.resolver, "pre-model", testLogger())
			got := p.Analyze(context.Background(), "hello", []string{"ai-search"}, nil)

			if got.TaskArea != "" || got.Complexity != "" || got.MateID != "" {
				t.Errorf("degraded result = %+v, want zero signals", got)
			}
			if got.Preselected == nil || len(got.Preselected) != 0 {
				t.Errorf("preselected = %v, want empty non-nil", got.Preselected)
			}
		})
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `{"a":1}`, want: `{"a":1}`},
		{in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{in: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{in: "  {\"a\":1}  ", want: `{"a":1}`},
	}

	for _, tt := range tests {
		if got := stripCodeFences(tt.in); got != tt.want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
