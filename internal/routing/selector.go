package routing

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/logger"
)

// Task complexity classes produced by the preprocessing model.
const (
	ComplexitySimple  = "simple"
	ComplexityComplex = "complex"
)

// SelectionRequest carries the signals the selector picks models from.
// china_related and complexity come from a preprocessing LLM pass, not from
// keyword matching.
type SelectionRequest struct {
	TaskArea          string
	Complexity        string
	ChinaRelated      bool
	UserUnhappy       bool
	RequiredInputType string

	// AvailableModelIDs restricts selection to the given models. Nil means
	// use the router's live availability set.
	AvailableModelIDs []string
}

// Selection is the selector's decision: the model to try first, the model
// to retry transient failures against, and the hard fallback.
type Selection struct {
	Primary   string
	Secondary string
	Fallback  string
	Reason    string

	// FilteredCNModels lists models excluded because the task was flagged
	// china-related. Logged for auditability.
	FilteredCNModels []string
}

// Selector ranks catalog models by leaderboard score and picks primary,
// secondary, and fallback models for a task. The ranking is computed once
// at startup; only availability changes at runtime.
type Selector struct {
	catalog *config.ModelCatalogConfig
	router  *ModelRouter
	ranked  []*config.ModelConfig
	logger  *logger.Logger
}

func NewSelector(catalog *config.ModelCatalogConfig, router *ModelRouter, log *logger.Logger) *Selector {
	ranked := make([]*config.ModelConfig, 0, len(catalog.Models))
	for i := range catalog.Models {
		ranked = append(ranked, &catalog.Models[i])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	return &Selector{
		catalog: catalog,
		router:  router,
		ranked:  ranked,
		logger:  log.WithComponent("model_selector"),
	}
}

// Select picks models for a task:
//
//  1. Walk models ranked by composite leaderboard score.
//  2. Keep only models that opted into automatic selection.
//  3. For china-related tasks, drop models with country_origin "CN".
//  4. Keep only currently available models.
//  5. Prefer the economical set for simple tasks unless the user is
//     unhappy; prefer the premium set for complex tasks or unhappy users;
//     otherwise take the top-ranked candidate.
//  6. Secondary is the next ranked candidate with a different ID.
//  7. Fallback is the configured reliable model, distinct from the primary
//     whenever possible.
func (s *Selector) Select(req SelectionRequest) Selection {
	available := req.AvailableModelIDs
	if available == nil && s.router != nil {
		available = s.router.AvailableModelIDs()
	}

	// A nil list means unrestricted; an explicitly empty list means no model
	// is currently usable and selection falls through to the fallback.
	var availableSet map[string]struct{}
	if available != nil {
		availableSet = make(map[string]struct{}, len(available))
		for _, id := range available {
			availableSet[strings.ToLower(id)] = struct{}{}
		}
	}

	var (
		candidates []*config.ModelConfig
		filteredCN []string
	)
	for _, model := range s.ranked {
		if !model.AllowAutoSelect {
			continue
		}
		if req.ChinaRelated && strings.EqualFold(model.CountryOrigin, "CN") {
			filteredCN = append(filteredCN, model.ID)
			continue
		}
		if req.RequiredInputType != "" && !model.AcceptsInputType(req.RequiredInputType) {
			continue
		}
		if availableSet != nil {
			if _, ok := availableSet[strings.ToLower(model.ID)]; !ok {
				continue
			}
		}
		candidates = append(candidates, model)
	}

	selection := Selection{
		Fallback:         s.catalog.FallbackModel,
		FilteredCNModels: filteredCN,
	}

	if len(candidates) == 0 {
		selection.Primary = s.catalog.FallbackModel
		selection.Reason = "no ranked candidates; using fallback model"
		s.logSelection(req, selection)
		return selection
	}

	switch {
	case req.Complexity == ComplexitySimple && !req.UserUnhappy:
		if pick := firstInSet(candidates, s.catalog.EconomicalModels); pick != "" {
			selection.Primary = pick
			selection.Reason = "economical set preferred for simple task"
		}
	case req.Complexity == ComplexityComplex || req.UserUnhappy:
		if pick := firstInSet(candidates, s.catalog.PremiumModels); pick != "" {
			selection.Primary = pick
			if req.UserUnhappy {
				selection.Reason = "premium set preferred after user feedback"
			} else {
				selection.Reason = "premium set preferred for complex task"
			}
		}
	}

	if selection.Primary == "" {
		selection.Primary = candidates[0].ID
		selection.Reason = "top ranked model"
	}

	for _, model := range candidates {
		if model.ID != selection.Primary {
			selection.Secondary = model.ID
			break
		}
	}

	// The fallback must differ from the primary whenever the catalog allows.
	if selection.Fallback == selection.Primary && selection.Secondary != "" {
		selection.Fallback = selection.Secondary
	}

	s.logSelection(req, selection)
	return selection
}

// firstInSet returns the highest-ranked candidate that belongs to the
// preference set. Candidates arrive in leaderboard rank order, so rank
// breaks ties, not the set's declaration order.
func firstInSet(candidates []*config.ModelConfig, set []string) string {
	setIDs := make(map[string]struct{}, len(set))
	for _, id := range set {
		setIDs[strings.ToLower(id)] = struct{}{}
	}

	for _, model := range candidates {
		if _, ok := setIDs[strings.ToLower(model.ID)]; ok {
			return model.ID
		}
	}
	return ""
}

func (s *Selector) logSelection(req SelectionRequest, selection Selection) {
	s.logger.Debug("models selected",
		slog.String("task_area", req.TaskArea),
		slog.String("complexity", req.Complexity),
		slog.Bool("china_related", req.ChinaRelated),
		slog.Bool("user_unhappy", req.UserUnhappy),
		slog.String("primary", selection.Primary),
		slog.String("secondary", selection.Secondary),
		slog.String("fallback", selection.Fallback),
		slog.String("reason", selection.Reason),
		slog.Int("filtered_cn_models", len(selection.FilteredCNModels)))
}
