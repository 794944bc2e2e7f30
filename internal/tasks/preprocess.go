package tasks

import (
	"context"
	"strings"

	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/provider"
	"github.com/openmates/core/internal/routing"
	"github.com/tidwall/gjson"
)

// PreprocessResult is the routing signal set for one turn. Preselected is
// never nil: a failed preprocessing pass yields an empty set, which exposes
// zero tools rather than everything.
type PreprocessResult struct {
	TaskArea     string
	Complexity   string
	ChinaRelated bool
	UserUnhappy  bool
	Preselected  []string
	MateID       string
}

// Preprocessor classifies the user message with a small model before the
// main turn: task area, complexity, china relation, dissatisfaction, the
// skill preselection, and a mate suggestion. Selection inputs come from
// this pass, not from keyword matching.
type Preprocessor struct {
	streamer Streamer
	resolver EndpointResolver
	model    string
	logger   *logger.Logger
}

func NewPreprocessor(streamer Streamer, resolver EndpointResolver, model string, log *logger.Logger) *Preprocessor {
	return &Preprocessor{
		streamer: streamer,
		resolver: resolver,
		model:    model,
		logger:   log.WithComponent("preprocessor"),
	}
}

const preprocessPrompt = `You route one user message inside a chat assistant. Reply with a single JSON object and nothing else, using exactly these keys:
{"task_area": "<short topic label>", "complexity": "simple" or "complex", "china_related": true or false, "user_unhappy": true or false, "preselected_skills": ["app-skill", ...], "mate_id": "<id or empty>"}

preselected_skills must only contain identifiers from the available list and should name every skill plausibly useful for answering; use [] when none apply. china_related is true when the message concerns Chinese politics, government, or territorial questions. user_unhappy is true when the user expresses dissatisfaction with a previous answer.`

// Analyze never fails the task: any error degrades to the zero signal set
// (empty preselection, selector defaults) and is logged.
func (p *Preprocessor) Analyze(ctx context.Context, message string, skillKeys, mateIDs []string) PreprocessResult {
	result := PreprocessResult{Preselected: []string{}}

	endpoint, _, err := p.resolver.Resolve(p.model)
	if err != nil {
		p.logger.Warn("preprocess model unavailable", "model", p.model, "error", err.Error())
		return result
	}

	var system strings.Builder
	system.WriteString(preprocessPrompt)
	system.WriteString("\n\nAvailable skills: ")
	if len(skillKeys) == 0 {
		system.WriteString("(none)")
	} else {
		system.WriteString(strings.Join(skillKeys, ", "))
	}
	system.WriteString("\nAvailable mates: ")
	if len(mateIDs) == 0 {
		system.WriteString("(none)")
	} else {
		system.WriteString(strings.Join(mateIDs, ", "))
	}

	temperature := 0.0
	req := &provider.Request{
		Model:       endpoint.Model,
		System:      system.String(),
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: message}},
		MaxTokens:   400,
		Temperature: &temperature,
	}

	ch, err := p.streamer.Stream(ctx, endpoint, req)
	if err != nil {
		p.logger.Warn("preprocess call failed", "model", p.model, "error", err.Error())
		return result
	}

	var text strings.Builder
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			p.logger.Warn("preprocess stream failed", "error", chunk.Err.Error())
			return result
		case chunk.Type == provider.ChunkTypeText:
			text.WriteString(chunk.Text)
		}
	}

	return p.parse(text.String(), skillKeys, mateIDs)
}

// parse extracts the signal set from the model's reply, dropping anything
// that does not validate against the known skills and mates.
func (p *Preprocessor) parse(raw string, skillKeys, mateIDs []string) PreprocessResult {
	result := PreprocessResult{Preselected: []string{}}

	body := stripCodeFences(raw)
	if !gjson.Valid(body) {
		p.logger.Warn("preprocess reply is not valid JSON", "reply_len", len(raw))
		return result
	}

	result.TaskArea = gjson.Get(body, "task_area").String()
	result.ChinaRelated = gjson.Get(body, "china_related").Bool()
	result.UserUnhappy = gjson.Get(body, "user_unhappy").Bool()

	switch complexity := strings.ToLower(gjson.Get(body, "complexity").String()); complexity {
	case routing.ComplexitySimple, routing.ComplexityComplex:
		result.Complexity = complexity
	}

	known := make(map[string]struct{}, len(skillKeys))
	for _, key := range skillKeys {
		known[strings.ToLower(key)] = struct{}{}
	}
	for _, entry := range gjson.Get(body, "preselected_skills").Array() {
		key := strings.ToLower(strings.TrimSpace(entry.String()))
		if _, ok := known[key]; ok {
			result.Preselected = append(result.Preselected, key)
		} else if key != "" {
			p.logger.Warn("preprocess selected unknown skill", "skill", key)
		}
	}

	if mate := strings.ToLower(gjson.Get(body, "mate_id").String()); mate != "" {
		for _, id := range mateIDs {
			if strings.EqualFold(id, mate) {
				result.MateID = id
				break
			}
		}
	}

	return result
}

// stripCodeFences unwraps a ```json … ``` block when the model added one.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}

	return strings.TrimSpace(s)
}
