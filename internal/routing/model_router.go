package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/logger"
)

// ModelRouter resolves catalog model IDs to concrete provider endpoints.
//
// Benefits over clients naming provider URLs directly:
//   - Clients only ever reference catalog model IDs
//   - Prevents misrouting (e.g., sending an Anthropic model to OpenAI)
//   - Centralized configuration (update routing without client changes)
//   - Better error messages when a model is unsupported
//
// Resolution strategy:
//  1. Exact ID match (case-insensitive)
//  2. Alias match from the catalog entry's alias list
//  3. Error if no match found
//
// The router also owns the per-model availability set. The health watcher
// flips availability off provider error metrics; the selector reads the set
// to keep failing models out of automatic selection. Explicit @ai-model
// directives bypass availability on purpose.
type ModelRouter struct {
	aliases      map[string]string
	routes       atomic.Pointer[map[string]ModelRoute]
	availability atomic.Pointer[map[string]bool]
	logger       *logger.Logger
}

// GetRoutes retrieves the current routing map from the atomic pointer store.
func (mr *ModelRouter) GetRoutes() map[string]ModelRoute {
	return *(mr.routes.Load())
}

// SetRoutes updates the atomic pointer store of the current routing map.
func (mr *ModelRouter) SetRoutes(routes map[string]ModelRoute) {
	mr.routes.Store(&routes)
}

// ModelRoute holds the catalog entry and the provider endpoints that can
// serve requests for one model.
type ModelRoute struct {
	// Model is the catalog entry, including scores and credit pricing.
	Model *config.ModelConfig

	// Endpoints is the list of resolved provider endpoints for this model.
	Endpoints []ResolvedEndpoint

	// RoundRobinCounter implements simple round-robin balancing when
	// choosing from multiple endpoints.
	RoundRobinCounter *atomic.Uint64
}

// ResolvedEndpoint contains everything necessary to send a request for a
// specific model to a specific inference provider, aggregated from the
// provider-level and model-level configuration.
type ResolvedEndpoint struct {
	// ProviderName is the configured provider name (e.g., "Anthropic").
	ProviderName string

	// BaseURL is the effective base URL after model-level overrides.
	BaseURL string

	// APIKey authenticates requests against this provider.
	APIKey string

	// Model is the model name this provider expects on the wire.
	Model string

	// APIType determines which streaming format the provider speaks.
	APIType config.APIType

	// RequestsPerMinute caps the request rate against this provider.
	// Zero means uncapped.
	RequestsPerMinute int
}

// NewModelRouter creates a router with a routing table populated from the
// model catalog. Every model starts available.
func NewModelRouter(catalog *config.ModelCatalogConfig, log *logger.Logger) *ModelRouter {
	router := &ModelRouter{
		logger: log.WithComponent("model_router"),
	}

	router.RebuildRoutes(catalog)

	routes := router.GetRoutes()
	if len(routes) == 0 {
		router.logger.Error("model router has no model routes")
		return nil
	}

	router.logger.Info("model router initialized",
		slog.Int("route_count", len(routes)))

	return router
}

// RebuildRoutes rebuilds the routing table and alias mapping from the
// catalog. Availability is reset: every routed model starts available.
func (mr *ModelRouter) RebuildRoutes(catalog *config.ModelCatalogConfig) {
	if catalog == nil {
		return
	}

	// Normally each model has at least one alias, so pre-allocate twice the
	// number of entries.
	aliases := make(map[string]string, len(catalog.Models)*2)
	routes := make(map[string]ModelRoute, len(catalog.Models))
	availability := make(map[string]bool, len(catalog.Models))

	providers := make(map[string]*config.ModelProviderConfig, len(catalog.Providers))
	for i := range catalog.Providers {
		provider := &catalog.Providers[i]
		if _, exists := providers[provider.Name]; exists {
			mr.logger.Warn("skipping duplicate provider config entry",
				slog.String("provider", provider.Name))
			continue
		}
		providers[provider.Name] = provider
	}

	// For every model, aggregate provider-level and model-level routing
	// configuration (base URL and model name overrides) into endpoints.
	for i := range catalog.Models {
		model := &catalog.Models[i]

		if _, exists := routes[model.ID]; exists {
			mr.logger.Warn("skipping duplicate model config entry",
				slog.String("model", model.ID))
			continue
		}

		var endpoints []ResolvedEndpoint
		for _, endpointProvider := range model.Providers {
			provider, exists := providers[endpointProvider.Name]
			if !exists {
				mr.logger.Warn("skipping unknown model endpoint provider",
					slog.String("model", model.ID),
					slog.String("provider", endpointProvider.Name))
				continue
			}

			// Skip providers without a configured API key.
			if provider.APIKey == "" {
				mr.logger.Warn("skipping provider with no API key",
					slog.String("model", model.ID),
					slog.String("provider", provider.Name))
				continue
			}

			endpoint := ResolvedEndpoint{
				ProviderName:      provider.Name,
				BaseURL:           provider.BaseURL,
				APIKey:            provider.APIKey,
				Model:             model.ID,
				APIType:           provider.APIType,
				RequestsPerMinute: provider.RequestsPerMinute,
			}

			// Override the model name with the one expected by this provider.
			if endpointProvider.Model != "" {
				endpoint.Model = endpointProvider.Model
			}

			// Override the base URL with the one used for this model.
			if endpointProvider.BaseURL != "" {
				endpoint.BaseURL = endpointProvider.BaseURL
			}

			endpoints = append(endpoints, endpoint)
		}

		if len(endpoints) == 0 {
			mr.logger.Warn("skipping model with no usable provider endpoints",
				slog.String("model", model.ID))
			continue
		}

		routes[model.ID] = ModelRoute{
			Model:             model,
			Endpoints:         endpoints,
			RoundRobinCounter: &atomic.Uint64{},
		}
		availability[model.ID] = true

		// Alias mapping entries are normalized for reliable matching.
		aliases[strings.ToLower(strings.TrimSpace(model.ID))] = model.ID
		for _, alias := range model.Aliases {
			aliases[strings.ToLower(strings.TrimSpace(alias))] = model.ID
		}
	}

	mr.aliases = aliases
	mr.SetRoutes(routes)
	mr.availability.Store(&availability)
}

// Canonical resolves a model name or alias to its canonical catalog ID.
func (mr *ModelRouter) Canonical(modelID string) (string, bool) {
	canonical, exists := mr.aliases[strings.ToLower(strings.TrimSpace(modelID))]
	return canonical, exists
}

// Resolve determines the provider endpoint for a given model ID or alias.
// When multiple endpoints serve the model, they are picked round-robin.
func (mr *ModelRouter) Resolve(modelID string) (*ResolvedEndpoint, *config.ModelConfig, error) {
	return mr.resolve(modelID, "")
}

// ResolveWithProvider resolves a model pinned to a specific provider, as
// requested by an @ai-model:id:provider directive.
func (mr *ModelRouter) ResolveWithProvider(modelID, providerName string) (*ResolvedEndpoint, *config.ModelConfig, error) {
	return mr.resolve(modelID, providerName)
}

func (mr *ModelRouter) resolve(modelID, providerName string) (*ResolvedEndpoint, *config.ModelConfig, error) {
	if modelID == "" {
		return nil, nil, errors.New("model ID is required")
	}

	canonical, exists := mr.Canonical(modelID)
	if !exists {
		return nil, nil, fmt.Errorf("unsupported model: %s", modelID)
	}

	routes := mr.GetRoutes()
	route, exists := routes[canonical]
	if !exists {
		return nil, nil, fmt.Errorf("no endpoints configured for model: %s", modelID)
	}

	if providerName != "" {
		for i := range route.Endpoints {
			if strings.EqualFold(route.Endpoints[i].ProviderName, providerName) {
				endpoint := route.Endpoints[i]
				return &endpoint, route.Model, nil
			}
		}
		return nil, nil, fmt.Errorf("model %s is not served by provider %s", modelID, providerName)
	}

	idx := (route.RoundRobinCounter.Add(1) - 1) % uint64(len(route.Endpoints))
	endpoint := route.Endpoints[idx]

	mr.logger.Debug("model resolved",
		slog.String("model", modelID),
		slog.String("provider", endpoint.ProviderName))

	return &endpoint, route.Model, nil
}

// MarkUnavailable removes a model from automatic selection. Explicit
// directives can still reach it.
func (mr *ModelRouter) MarkUnavailable(modelID string) {
	mr.setAvailability(modelID, false)
}

// MarkAvailable returns a model to automatic selection.
func (mr *ModelRouter) MarkAvailable(modelID string) {
	mr.setAvailability(modelID, true)
}

func (mr *ModelRouter) setAvailability(modelID string, available bool) {
	canonical, exists := mr.Canonical(modelID)
	if !exists {
		return
	}

	current := *(mr.availability.Load())
	if current[canonical] == available {
		return
	}

	next := make(map[string]bool, len(current))
	for id, v := range current {
		next[id] = v
	}
	next[canonical] = available
	mr.availability.Store(&next)

	mr.logger.Info("model availability changed",
		slog.String("model", canonical),
		slog.Bool("available", available))
}

// IsAvailable reports whether a model is currently in automatic selection.
func (mr *ModelRouter) IsAvailable(modelID string) bool {
	canonical, exists := mr.Canonical(modelID)
	if !exists {
		return false
	}
	return (*(mr.availability.Load()))[canonical]
}

// AvailableModelIDs returns the currently available models, sorted for
// stability of the results.
func (mr *ModelRouter) AvailableModelIDs() []string {
	availability := *(mr.availability.Load())

	ids := make([]string, 0, len(availability))
	for id, available := range availability {
		if available {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)
	return ids
}

// SupportedModels returns the list of routed models, sorted for stability
// of the results. Used for client model selection UI and health checks.
func (mr *ModelRouter) SupportedModels() []string {
	routes := mr.GetRoutes()

	models := make([]string, 0, len(routes))
	for model := range routes {
		models = append(models, model)
	}

	sort.Strings(models)
	return models
}

// Providers returns the names of all providers serving at least one routed
// model, sorted for stability of the results.
func (mr *ModelRouter) Providers() []string {
	routes := mr.GetRoutes()

	providerMap := make(map[string]struct{})
	for _, route := range routes {
		for _, endpoint := range route.Endpoints {
			providerMap[endpoint.ProviderName] = struct{}{}
		}
	}

	providers := make([]string, 0, len(providerMap))
	for provider := range providerMap {
		providers = append(providers, provider)
	}

	sort.Strings(providers)
	return providers
}
