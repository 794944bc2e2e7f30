package skills

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
)

// Handlers exposes the fabric over HTTP. The routes are mounted behind the
// internal service token: the underscore-prefixed context fields in inbound
// bodies are injected by trusted callers (the task runner, the API gateway)
// and are stripped before the body reaches a skill.
type Handlers struct {
	executor *Executor
	registry *Registry
	logger   *logger.Logger
}

// NewHandlers creates the HTTP handlers for skill invocation and metadata.
func NewHandlers(executor *Executor, registry *Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		executor: executor,
		registry: registry,
		logger:   log.WithComponent("skills-http"),
	}
}

// RegisterRoutes mounts one POST and one GET route per the dynamic skill
// surface. skill_id is the canonical "app_id-skill_id" key.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/skills/:skill_id", h.handleInvoke)
	rg.GET("/skills/:skill_id/metadata", h.handleMetadata)
}

// handleInvoke runs one skill invocation. Envelope-level problems (unknown
// skill, malformed body, empty requests array) map to HTTP errors; element
// failures are reported inside the 200 response so one bad element never
// hides its siblings' results.
func (h *Handlers) handleInvoke(c *gin.Context) {
	skillKey := c.Param("skill_id")
	start := time.Now()

	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		apperrors.AbortWithBadRequest(c, "Request body must be a JSON object", nil)
		return
	}

	inv := invocationFromFields(fields)

	// Strip every underscore-prefixed key, whitelisted or not, so internal
	// context never reaches a skill or its schema validation.
	for key := range fields {
		if strings.HasPrefix(key, "_") {
			delete(fields, key)
		}
	}

	body, err := json.Marshal(fields)
	if err != nil {
		apperrors.AbortWithBadRequest(c, "Request body must be a JSON object", nil)
		return
	}

	outcome, err := h.executor.Execute(c.Request.Context(), inv, skillKey, body)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindNotFound:
			apperrors.AbortWithNotFound(c, apperrors.UserMessage(err), nil)
		case apperrors.KindInvalidRequest:
			apperrors.AbortWithBadRequest(c, apperrors.UserMessage(err), nil)
		case apperrors.KindInsufficientCredits:
			apperrors.AbortWithPaymentRequired(c, apperrors.UserMessage(err), nil)
		default:
			h.logger.Error("skill invocation failed",
				"skill", skillKey, "error", err.Error())
			apperrors.AbortWithInternal(c, "Failed to execute skill", nil)
		}
		return
	}

	h.logger.Info("skill invoked",
		"skill", outcome.SkillKey,
		"requests", len(outcome.Results),
		"succeeded", outcome.Succeeded(),
		"duration_ms", time.Since(start).Milliseconds())

	c.JSON(http.StatusOK, outcome)
}

// invocationFromFields extracts the whitelisted underscore-prefixed context
// fields. Unknown types are ignored rather than rejected; the caller contract
// is enforced by the internal token, not by field validation.
func invocationFromFields(fields map[string]interface{}) *Invocation {
	inv := &Invocation{}

	if v, ok := fields["_task_id"].(string); ok {
		inv.TaskID = v
	}
	if v, ok := fields["_tool_call_id"].(string); ok {
		inv.ToolCallID = v
	}
	if v, ok := fields["_user_id"].(string); ok {
		inv.UserHash = v
	}
	if v, ok := fields["_api_key_name"].(string); ok {
		inv.APIKeyName = v
	}
	if v, ok := fields["_external_request"].(bool); ok {
		inv.External = v
	}

	return inv
}

type skillMetadata struct {
	AppID       string          `json:"app_id"`
	SkillID     string          `json:"skill_id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Stage       string          `json:"stage"`
	Pricing     pricingMetadata `json:"pricing"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type pricingMetadata struct {
	Credits    int64 `json:"credits"`
	PerRequest bool  `json:"per_request,omitempty"`
}

// handleMetadata returns a skill's declaration: identity, stage, pricing, and
// the request schema after id injection.
func (h *Handlers) handleMetadata(c *gin.Context) {
	skillKey := c.Param("skill_id")

	skill, ok := h.registry.Skill(skillKey)
	if !ok {
		apperrors.AbortWithNotFound(c, "Skill not found", nil)
		return
	}

	c.JSON(http.StatusOK, skillMetadata{
		AppID:       skill.AppID,
		SkillID:     skill.Config.ID,
		Name:        skill.Config.Name,
		Description: skill.Config.Description,
		Stage:       string(skill.Config.Stage),
		Pricing: pricingMetadata{
			Credits:    skill.Config.Pricing.Credits,
			PerRequest: skill.Config.Pricing.PerRequest,
		},
		Schema: skill.Schema(),
	})
}
