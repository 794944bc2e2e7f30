package routing

import (
	"reflect"
	"testing"
)

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		expected     UserOverrides
		expectedText string
	}{
		{
			name:         "no directives",
			text:         "What is the weather like today?",
			expected:     UserOverrides{},
			expectedText: "What is the weather like today?",
		},
		{
			name:         "model directive",
			text:         "@ai-model:claude-sonnet-4 summarize this article",
			expected:     UserOverrides{ModelID: "claude-sonnet-4"},
			expectedText: "summarize this article",
		},
		{
			name:         "model directive with provider pin",
			text:         "@ai-model:gpt-4o:openai summarize this article",
			expected:     UserOverrides{ModelID: "gpt-4o", ModelProvider: "openai"},
			expectedText: "summarize this article",
		},
		{
			name:         "best model category",
			text:         "@best-model:coding refactor this function",
			expected:     UserOverrides{BestModelCategory: "coding"},
			expectedText: "refactor this function",
		},
		{
			name:         "mate directive",
			text:         "@mate:sky how are you?",
			expected:     UserOverrides{MateID: "sky"},
			expectedText: "how are you?",
		},
		{
			name: "skill and focus directives",
			text: "@skill:web:search @focus:health:nutrition-coach plan my meals",
			expected: UserOverrides{
				Skills:  []SkillRef{{AppID: "web", SkillID: "search"}},
				Focuses: []FocusRef{{AppID: "health", FocusID: "nutrition-coach"}},
			},
			expectedText: "plan my meals",
		},
		{
			name: "directive in the middle of the message",
			text: "please @skill:web:search find the latest release notes",
			expected: UserOverrides{
				Skills: []SkillRef{{AppID: "web", SkillID: "search"}},
			},
			expectedText: "please find the latest release notes",
		},
		{
			name:         "directive at the end keeps punctuation spacing",
			text:         "use @ai-model:gpt-4o",
			expected:     UserOverrides{ModelID: "gpt-4o"},
			expectedText: "use",
		},
		{
			name:         "punctuation after a directive stays in the message",
			text:         "answer with @ai-model:gpt-4o, please",
			expected:     UserOverrides{ModelID: "gpt-4o"},
			expectedText: "answer with, please",
		},
		{
			name:         "directives are case-insensitive but text case is preserved",
			text:         "@AI-Model:GPT-4o Hello World",
			expected:     UserOverrides{ModelID: "gpt-4o"},
			expectedText: "Hello World",
		},
		{
			name:         "first model directive wins",
			text:         "@ai-model:sonnet @ai-model:gpt-4o compare them",
			expected:     UserOverrides{ModelID: "sonnet"},
			expectedText: "compare them",
		},
		{
			name:         "first mate directive wins",
			text:         "@mate:sky @mate:finn hello",
			expected:     UserOverrides{MateID: "sky"},
			expectedText: "hello",
		},
		{
			name: "repeated skill directives are deduplicated",
			text: "@skill:web:search @skill:web:search @skill:code:lint go",
			expected: UserOverrides{
				Skills: []SkillRef{
					{AppID: "web", SkillID: "search"},
					{AppID: "code", SkillID: "lint"},
				},
			},
			expectedText: "go",
		},
		{
			name:         "malformed skill directive stays in the text",
			text:         "remember @skill:only one segment",
			expected:     UserOverrides{},
			expectedText: "remember @skill:only one segment",
		},
		{
			name:         "model directive with too many segments stays in the text",
			text:         "@ai-model:a:b:c hello",
			expected:     UserOverrides{},
			expectedText: "@ai-model:a:b:c hello",
		},
		{
			name:         "email addresses are not directives",
			text:         "contact us at support@example.com thanks",
			expected:     UserOverrides{},
			expectedText: "contact us at support@example.com thanks",
		},
		{
			name:         "message that is only a directive",
			text:         "@mate:sky",
			expected:     UserOverrides{MateID: "sky"},
			expectedText: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overrides, cleaned := ParseOverrides(tt.text)
			if !reflect.DeepEqual(overrides, tt.expected) {
				t.Errorf("expected overrides %+v, got %+v", tt.expected, overrides)
			}
			if cleaned != tt.expectedText {
				t.Errorf("expected text %q, got %q", tt.expectedText, cleaned)
			}
		})
	}
}

func TestUserOverridesPredicates(t *testing.T) {
	if !(UserOverrides{}).IsZero() {
		t.Error("empty overrides should be zero")
	}
	if (UserOverrides{MateID: "sky"}).IsZero() {
		t.Error("overrides with a mate should not be zero")
	}

	if (UserOverrides{MateID: "sky"}).HasModelOverride() {
		t.Error("mate directive alone is not a model override")
	}
	if !(UserOverrides{ModelID: "gpt-4o"}).HasModelOverride() {
		t.Error("model directive should bypass the selector")
	}
	if !(UserOverrides{BestModelCategory: "coding"}).HasModelOverride() {
		t.Error("best-model directive should bypass the selector")
	}
}

// Composing directives back into a message and parsing them again must
// return the original overrides and text unchanged.
func TestComposeParseRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		overrides UserOverrides
		text      string
	}{
		{
			name:      "no overrides",
			overrides: UserOverrides{},
			text:      "Plain message without any directives.",
		},
		{
			name:      "model only",
			overrides: UserOverrides{ModelID: "claude-sonnet-4"},
			text:      "Summarize the attached document.",
		},
		{
			name:      "model with provider",
			overrides: UserOverrides{ModelID: "deepseek-chat", ModelProvider: "openai"},
			text:      "Translate this to French.",
		},
		{
			name: "everything at once",
			overrides: UserOverrides{
				ModelID:           "gpt-4o",
				ModelProvider:     "openai",
				BestModelCategory: "coding",
				MateID:            "sky",
				Skills: []SkillRef{
					{AppID: "web", SkillID: "search"},
					{AppID: "code", SkillID: "lint"},
				},
				Focuses: []FocusRef{
					{AppID: "writing", FocusID: "prose"},
				},
			},
			text: "Please review this pull request.",
		},
		{
			name:      "empty text",
			overrides: UserOverrides{MateID: "sky"},
			text:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			composed := ComposeMessageWithDirectives(tt.overrides, tt.text)

			overrides, text := ParseOverrides(composed)
			if !reflect.DeepEqual(overrides, tt.overrides) {
				t.Errorf("round trip changed overrides: expected %+v, got %+v", tt.overrides, overrides)
			}
			if text != tt.text {
				t.Errorf("round trip changed text: expected %q, got %q", tt.text, text)
			}
		})
	}
}
