package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/telemetry"
)

// Executor runs skill invocations: it validates the requests[] envelope,
// fans the elements out concurrently, isolates per-element failures, honours
// cancellation flags, and charges credits on success.
type Executor struct {
	registry *Registry
	flags    CancelFlags
	charger  CreditCharger
	metrics  *telemetry.Metrics
	logger   *logger.Logger
}

// NewExecutor wires the fabric. flags, charger, and metrics may be nil in
// tests; a nil charger disables billing entirely (the self-hosted mode).
func NewExecutor(registry *Registry, flags CancelFlags, charger CreditCharger, metrics *telemetry.Metrics, log *logger.Logger) *Executor {
	return &Executor{
		registry: registry,
		flags:    flags,
		charger:  charger,
		metrics:  metrics,
		logger:   log.WithComponent("skills"),
	}
}

// Execute runs one skill invocation against a raw requests[] body.
//
// Elements run concurrently; a failing element never fails its siblings. The
// per-skill cancellation flag is checked once on entry for the whole
// invocation and again before each element dispatch. A charge is applied
// only when at least one element succeeded.
func (e *Executor) Execute(ctx context.Context, inv *Invocation, skillKey string, body []byte) (*Outcome, error) {
	skill, ok := e.registry.Skill(skillKey)
	if !ok {
		return nil, apperrors.E(apperrors.KindNotFound, "Skill not found", fmt.Errorf("unknown skill %q", skillKey))
	}
	if !skill.Callable() {
		return nil, apperrors.E(apperrors.KindNotFound, "Skill not available",
			fmt.Errorf("skill %s has no bound implementation", skill.Key))
	}

	var envelope struct {
		Requests []json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "Request body must be JSON with a requests array", err)
	}
	if len(envelope.Requests) == 0 {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "Requests array must not be empty", nil)
	}

	if inv.cancelled == nil && e.flags != nil {
		inv.cancelled = func(ctx context.Context) bool {
			cancelled, err := e.flags.SkillCancelled(ctx, inv.TaskID, inv.ToolCallID)
			if err != nil {
				e.logger.Warn("skill cancel flag read failed", "task_id", inv.TaskID, "error", err.Error())
				return false
			}
			return cancelled
		}
	}

	elements := e.prepare(skill, envelope.Requests)

	outcome := &Outcome{
		SkillKey: skill.Key,
		Results:  make([]RequestResult, len(elements)),
	}

	var wg sync.WaitGroup
	for i := range elements {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome.Results[i] = e.runElement(ctx, skill, inv, elements[i])
		}(i)
	}
	wg.Wait()

	var failures []string
	for _, result := range outcome.Results {
		if e.metrics != nil {
			e.metrics.SkillExecutions.WithLabelValues(skill.AppID, skill.Config.ID, result.Status).Inc()
		}
		if result.Error != "" {
			failures = append(failures, result.Error)
		}
	}
	outcome.Error = strings.Join(failures, "; ")

	e.chargeForSuccess(ctx, skill, inv, outcome)

	return outcome, nil
}

// element is one prepared entry of the requests array.
type element struct {
	id      interface{}
	payload json.RawMessage
	// invalid carries a pre-computed validation failure; the element is
	// reported without dispatching.
	invalid error
}

// prepare assigns ids and validates each element against the skill's item
// schema. Validation failures are recorded per element, never returned.
func (e *Executor) prepare(skill *Skill, raw []json.RawMessage) []element {
	elements := make([]element, len(raw))
	seen := make(map[string]bool, len(raw))

	for i, payload := range raw {
		elem := element{payload: payload}

		var fields map[string]interface{}
		if err := json.Unmarshal(payload, &fields); err != nil {
			elem.id = i + 1
			elem.invalid = fmt.Errorf("request element must be a JSON object: %w", err)
			elements[i] = elem
			continue
		}

		id, hasID := fields["id"]
		if !hasID || id == nil {
			// Single-request calls default to id 1; multi-request
			// elements get their ordinal position.
			id = i + 1
			fields["id"] = id
			if annotated, err := json.Marshal(fields); err == nil {
				elem.payload = annotated
			}
		}
		elem.id = id

		idKey := fmt.Sprint(id)
		if seen[idKey] {
			elem.invalid = fmt.Errorf("duplicate request id %v", id)
			elements[i] = elem
			continue
		}
		seen[idKey] = true

		if err := validateElement(skill.itemSchema, elem.payload); err != nil {
			elem.invalid = err
		}

		elements[i] = elem
	}

	return elements
}

// runElement executes one element, mapping every failure mode onto a
// terminal status.
func (e *Executor) runElement(ctx context.Context, skill *Skill, inv *Invocation, elem element) RequestResult {
	result := RequestResult{ID: elem.id}

	if elem.invalid != nil {
		result.Status = StatusInvalid
		result.Error = elem.invalid.Error()
		return result
	}

	if inv.Cancelled(ctx) {
		result.Status = StatusCancelled
		return result
	}

	results, err := e.dispatch(ctx, skill, inv, elem.payload)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindIntegrityBlocked:
			result.Status = StatusBlocked
		case apperrors.KindCancelled:
			result.Status = StatusCancelled
		case apperrors.KindInvalidRequest:
			result.Status = StatusInvalid
		default:
			result.Status = StatusFailed
		}
		result.Error = apperrors.UserMessage(err)

		e.logger.Warn("skill element failed",
			"skill", skill.Key,
			"task_id", inv.TaskID,
			"request_id", fmt.Sprint(elem.id),
			"status", result.Status,
			"error", err.Error())
		return result
	}

	// The flag may have fired while the element's I/O was in flight; the
	// produced result is discarded rather than delivered late.
	if inv.Cancelled(ctx) {
		result.Status = StatusCancelled
		return result
	}

	result.Status = StatusOK
	result.Results = results
	return result
}

func (e *Executor) dispatch(ctx context.Context, skill *Skill, inv *Invocation, payload json.RawMessage) ([]interface{}, error) {
	if skill.remote != nil {
		return skill.remote.call(ctx, payload)
	}
	return skill.handler.Execute(ctx, inv, payload)
}

// chargeForSuccess applies the skill's pricing once per invocation. The
// idempotency key combines the hashed user, the skill identity, and a random
// suffix so retried invocations charge independently while transport-level
// retries of the same charge do not double-bill.
func (e *Executor) chargeForSuccess(ctx context.Context, skill *Skill, inv *Invocation, outcome *Outcome) {
	succeeded := outcome.Succeeded()
	if succeeded == 0 || skill.Config.Pricing.Credits <= 0 || e.charger == nil {
		return
	}

	credits := skill.Config.Pricing.Credits
	if skill.Config.Pricing.PerRequest {
		credits *= int64(succeeded)
	}

	req := ChargeRequest{
		UserHash:       inv.UserHash,
		Credits:        credits,
		AppID:          skill.AppID,
		SkillID:        skill.Config.ID,
		IdempotencyKey: chargeIdempotencyKey(inv.UserHash, skill.AppID, skill.Config.ID),
		Description:    fmt.Sprintf("skill %s (%d requests)", skill.Key, succeeded),
	}

	if err := e.charger.Charge(ctx, req); err != nil {
		// Results were produced and will be delivered; a lost charge is
		// recovered by reconciliation, not by failing the invocation.
		e.logger.Error("skill charge failed",
			"skill", skill.Key, "task_id", inv.TaskID, "credits", credits, "error", err.Error())
		return
	}

	outcome.CreditsCharged = credits
	if e.metrics != nil {
		e.metrics.CreditsCharged.Add(float64(credits))
	}
}

func chargeIdempotencyKey(userHash, appID, skillID string) string {
	return fmt.Sprintf("%s-%s-%s-%s", userHash, appID, skillID, ulid.Make().String())
}
