package skills

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/provider"
)

// Skill is one registered skill: its manifest declaration, compiled schemas,
// and the bound implementation (in-process handler or remote MCP transport).
type Skill struct {
	AppID  string
	Config config.SkillConfig

	// Key is the canonical "app_id-skill_id" identifier used in
	// preselection sets, cancellation flags, and tool names.
	Key string

	rawSchema  json.RawMessage
	itemSchema *jsonschema.Schema
	handler    Handler
	remote     *mcpTransport
}

// Callable reports whether an implementation is bound.
func (s *Skill) Callable() bool {
	return s.handler != nil || s.remote != nil
}

// Schema returns the skill's JSON Schema (after id injection) as served to
// models and metadata callers.
func (s *Skill) Schema() json.RawMessage {
	return s.rawSchema
}

// Registry holds the skills and focuses declared by the app manifests,
// filtered by deployment stage.
type Registry struct {
	mu      sync.RWMutex
	skills  map[string]*Skill
	focuses map[string]*config.FocusConfig
	logger  *logger.Logger
}

// NewRegistry builds a registry from the app manifests. Skills whose stage
// is not callable in the given environment are dropped. Declared YAML
// schemas get the id field injected and are compiled for validation; schema
// errors fail startup since they always mean a broken manifest.
func NewRegistry(manifests []config.AppManifest, environment string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		skills:  make(map[string]*Skill),
		focuses: make(map[string]*config.FocusConfig),
		logger:  log.WithComponent("skills"),
	}

	for _, manifest := range manifests {
		for _, cfg := range manifest.Skills {
			if !cfg.Stage.CallableIn(environment) {
				r.logger.Debug("skipping skill outside deployment stage",
					"app", manifest.ID, "skill", cfg.ID, "stage", string(cfg.Stage))
				continue
			}

			skill := &Skill{
				AppID:  manifest.ID,
				Config: cfg,
				Key:    config.SkillKey(manifest.ID, cfg.ID),
			}

			if cfg.ToolSchema != nil {
				if err := skill.setSchema(injectRequestID(cfg.ToolSchema)); err != nil {
					return nil, fmt.Errorf("skill %s: %w", skill.Key, err)
				}
			}

			if cfg.Transport == config.SkillTransportMCP {
				skill.remote = newMCPTransport(cfg.Endpoint, cfg.ID, r.logger)
			}

			if _, exists := r.skills[skill.Key]; exists {
				return nil, fmt.Errorf("duplicate skill key %s", skill.Key)
			}
			r.skills[skill.Key] = skill
		}

		for i := range manifest.Focuses {
			focus := manifest.Focuses[i]
			key := config.SkillKey(manifest.ID, focus.ID)
			if _, exists := r.focuses[key]; exists {
				return nil, fmt.Errorf("duplicate focus key %s", key)
			}
			r.focuses[key] = &focus
		}
	}

	r.logger.Info("skill registry built",
		"skills", len(r.skills), "focuses", len(r.focuses), "environment", environment)

	return r, nil
}

func (s *Skill) setSchema(envelope map[string]interface{}) error {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	s.rawSchema = raw

	if item := itemSchema(envelope); item != nil {
		compiled, err := compileSchema(item)
		if err != nil {
			return err
		}
		s.itemSchema = compiled
	}

	return nil
}

// Bind attaches an in-process handler to a declared skill. When the manifest
// declared no schema and the handler can describe its request type, the
// schema is reflected from the Go struct tags.
func (r *Registry) Bind(appID, skillID string, h Handler) error {
	key := config.SkillKey(appID, skillID)

	r.mu.Lock()
	defer r.mu.Unlock()

	skill, ok := r.skills[key]
	if !ok {
		return fmt.Errorf("skill %s is not declared by any app manifest", key)
	}
	if skill.remote != nil {
		return fmt.Errorf("skill %s uses the mcp transport and cannot bind a handler", key)
	}

	skill.handler = h

	if skill.rawSchema == nil {
		if sp, ok := h.(RequestSchemaProvider); ok {
			envelope, err := reflectElementSchema(sp.RequestSchema())
			if err != nil {
				return fmt.Errorf("skill %s: %w", key, err)
			}
			if err := skill.setSchema(envelope); err != nil {
				return fmt.Errorf("skill %s: %w", key, err)
			}
		}
	}

	return nil
}

// Skill returns the skill registered under the canonical key.
func (r *Registry) Skill(key string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skill, ok := r.skills[strings.ToLower(strings.TrimSpace(key))]
	return skill, ok
}

// Focus returns a declared focus mode by app and focus id.
func (r *Registry) Focus(appID, focusID string) (*config.FocusConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	focus, ok := r.focuses[config.SkillKey(appID, focusID)]
	return focus, ok
}

// AppFocuses returns all focus modes declared by one app, sorted by focus id.
func (r *Registry) AppFocuses(appID string) []config.FocusConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := strings.ToLower(appID) + "-"
	var focuses []config.FocusConfig
	for key, focus := range r.focuses {
		if strings.HasPrefix(key, prefix) {
			focuses = append(focuses, *focus)
		}
	}
	sort.Slice(focuses, func(i, j int) bool { return focuses[i].ID < focuses[j].ID })
	return focuses
}

// Keys returns all registered skill keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.skills))
	for key := range r.skills {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Definitions returns the tool definitions for the preselected skill keys,
// in the preselection's order. A nil preselection is an upstream contract
// violation (the preprocessor must always supply one); it is logged and
// yields zero tools rather than exposing everything.
func (r *Registry) Definitions(preselected []string) []provider.ToolDefinition {
	if preselected == nil {
		r.logger.Error("nil skill preselection, exposing no tools")
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]provider.ToolDefinition, 0, len(preselected))
	for _, key := range preselected {
		skill, ok := r.skills[strings.ToLower(strings.TrimSpace(key))]
		if !ok || !skill.Callable() {
			r.logger.Warn("preselected skill is not callable", "skill", key)
			continue
		}

		schema := skill.rawSchema
		if schema == nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}

		defs = append(defs, provider.ToolDefinition{
			Name:        skill.Key,
			Description: skill.Config.Description,
			InputSchema: schema,
		})
	}

	return defs
}
