package routing

import (
	"regexp"
	"strings"
)

// directivePattern matches @-directives in message text. Values start and
// end on an alphanumeric so sentence punctuation after a directive stays in
// the message.
var directivePattern = regexp.MustCompile(`(?i)@(ai-model|best-model|mate|skill|focus):([A-Za-z0-9](?:[A-Za-z0-9._/:-]*[A-Za-z0-9])?)`)

// SkillRef addresses one skill of one app.
type SkillRef struct {
	AppID   string
	SkillID string
}

// FocusRef addresses one focus mode of one app.
type FocusRef struct {
	AppID   string
	FocusID string
}

// UserOverrides are the explicit choices a user embedded in their message.
// A model override bypasses the selector entirely once it validates against
// the catalog.
type UserOverrides struct {
	ModelID           string
	ModelProvider     string
	BestModelCategory string
	MateID            string
	Skills            []SkillRef
	Focuses           []FocusRef
}

// IsZero reports whether no directive was present.
func (o UserOverrides) IsZero() bool {
	return o.ModelID == "" && o.ModelProvider == "" && o.BestModelCategory == "" &&
		o.MateID == "" && len(o.Skills) == 0 && len(o.Focuses) == 0
}

// HasModelOverride reports whether the selector should be bypassed.
func (o UserOverrides) HasModelOverride() bool {
	return o.ModelID != "" || o.BestModelCategory != ""
}

// ParseOverrides extracts @-directives from a message and returns them with
// the cleaned message body. Directives are case-insensitive; values are
// normalized to lowercase. @ai-model, @best-model, and @mate take the first
// occurrence; @skill and @focus may occur multiple times. Malformed
// directives are left in the text untouched.
func ParseOverrides(text string) (UserOverrides, string) {
	matches := directivePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return UserOverrides{}, text
	}

	var overrides UserOverrides
	var out []byte
	last := 0

	for _, m := range matches {
		start, end := m[0], m[1]
		kind := strings.ToLower(text[m[2]:m[3]])
		value := strings.ToLower(text[m[4]:m[5]])

		if !applyDirective(&overrides, kind, value) {
			continue
		}

		out = append(out, text[last:start]...)
		last = end

		// Consume the separator space after the directive; if the directive
		// ends the text, drop the space before it instead.
		if last < len(text) && text[last] == ' ' {
			last++
		} else if len(out) > 0 && out[len(out)-1] == ' ' {
			out = out[:len(out)-1]
		}
	}
	out = append(out, text[last:]...)

	return overrides, strings.TrimSpace(string(out))
}

// applyDirective folds one directive into the overrides. Returns false for
// malformed values, which stay in the message text.
func applyDirective(o *UserOverrides, kind, value string) bool {
	parts := strings.Split(value, ":")
	for _, part := range parts {
		if part == "" {
			return false
		}
	}

	switch kind {
	case "ai-model":
		switch len(parts) {
		case 1:
			if o.ModelID == "" {
				o.ModelID = parts[0]
			}
		case 2:
			if o.ModelID == "" {
				o.ModelID = parts[0]
				o.ModelProvider = parts[1]
			}
		default:
			return false
		}
		return true

	case "best-model":
		if len(parts) != 1 {
			return false
		}
		if o.BestModelCategory == "" {
			o.BestModelCategory = parts[0]
		}
		return true

	case "mate":
		if len(parts) != 1 {
			return false
		}
		if o.MateID == "" {
			o.MateID = parts[0]
		}
		return true

	case "skill":
		if len(parts) != 2 {
			return false
		}
		ref := SkillRef{AppID: parts[0], SkillID: parts[1]}
		for _, existing := range o.Skills {
			if existing == ref {
				return true
			}
		}
		o.Skills = append(o.Skills, ref)
		return true

	case "focus":
		if len(parts) != 2 {
			return false
		}
		ref := FocusRef{AppID: parts[0], FocusID: parts[1]}
		for _, existing := range o.Focuses {
			if existing == ref {
				return true
			}
		}
		o.Focuses = append(o.Focuses, ref)
		return true
	}

	return false
}

// ComposeMessageWithDirectives renders overrides back into directive tokens
// prepended to the message text. ParseOverrides inverts it.
func ComposeMessageWithDirectives(o UserOverrides, text string) string {
	var tokens []string

	if o.ModelID != "" {
		token := "@ai-model:" + o.ModelID
		if o.ModelProvider != "" {
			token += ":" + o.ModelProvider
		}
		tokens = append(tokens, token)
	}
	if o.BestModelCategory != "" {
		tokens = append(tokens, "@best-model:"+o.BestModelCategory)
	}
	if o.MateID != "" {
		tokens = append(tokens, "@mate:"+o.MateID)
	}
	for _, skill := range o.Skills {
		tokens = append(tokens, "@skill:"+skill.AppID+":"+skill.SkillID)
	}
	for _, focus := range o.Focuses {
		tokens = append(tokens, "@focus:"+focus.AppID+":"+focus.FocusID)
	}

	if len(tokens) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(tokens, " ")
	}
	return strings.Join(tokens, " ") + " " + text
}
