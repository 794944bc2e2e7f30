package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// APIType identifies which streaming API format a provider speaks.
type APIType string

const (
	// APITypeChatCompletions uses the OpenAI-style /chat/completions SSE format.
	APITypeChatCompletions APIType = "chat_completions"

	// APITypeMessages uses the Anthropic-style /messages SSE format
	// (content_block events, separate thinking/signature deltas).
	APITypeMessages APIType = "messages"
)

// Validate performs basic validation of an APIType value:
// - Checks whether the value is a known APIType
// - Replaces an empty value with the default one (APITypeChatCompletions)
func (t *APIType) Validate() error {
	switch *t {
	case "":
		*t = APITypeChatCompletions
		return nil
	case APITypeChatCompletions, APITypeMessages:
		return nil
	default:
		return fmt.Errorf(
			"bad APIType value: must be empty or one of %q, %q",
			string(APITypeChatCompletions),
			string(APITypeMessages),
		)
	}
}

// unmarshalAPITypeYAML implements a custom YAML unmarshaler for APIType.
// Validates the value after unmarshaling.
func unmarshalAPITypeYAML(value *APIType, data []byte) error {
	var apiType string

	if err := yaml.Unmarshal(data, &apiType); err != nil {
		return err
	}

	*value = APIType(apiType)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// ModelCatalogConfig is the full model catalog: inference providers, the
// models served through them, and the selection sets the model selector
// draws from. The loaded catalog is immutable after startup; the health
// watcher only flips per-model availability, never the catalog itself.
type ModelCatalogConfig struct {
	// Providers contain configuration for inference API providers.
	Providers []ModelProviderConfig `yaml:"providers"`

	// Models contain the catalog entries, including the leaderboard scores
	// the selector ranks by.
	Models []ModelConfig `yaml:"models"`

	// EconomicalModels lists model IDs preferred for simple tasks, in
	// preference order.
	EconomicalModels []string `yaml:"economical_models,omitempty"`

	// PremiumModels lists model IDs preferred for complex tasks or after a
	// user expressed dissatisfaction, in preference order.
	PremiumModels []string `yaml:"premium_models,omitempty"`

	// FallbackModel is the hard-coded reliable model used when selection
	// yields nothing or every ranked candidate failed. Required.
	FallbackModel string `yaml:"fallback_model"`

	// PreprocessModel is the small model the runner uses for the
	// preprocessing pass (task area, complexity, skill preselection).
	// Defaults to FallbackModel.
	PreprocessModel string `yaml:"preprocess_model,omitempty"`
}

// Validate performs validation of a ModelCatalogConfig value:
// - Checks that provider and model lists are not empty
// - Checks that models reference known providers
// - Checks for duplicates in the lists of providers and models
// - Checks that the selection sets and the fallback reference known models
func (cfg *ModelCatalogConfig) Validate() error {
	if len(cfg.Providers) == 0 {
		return errors.New("no providers specified in model catalog configuration")
	}

	providers := make(map[string]struct{}, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		if _, exists := providers[provider.Name]; exists {
			return fmt.Errorf("duplicate configuration entry for provider %v", provider.Name)
		}

		providers[provider.Name] = struct{}{}
	}

	if len(cfg.Models) == 0 {
		return errors.New("no models specified in model catalog configuration")
	}

	models := make(map[string]struct{}, len(cfg.Models))
	for _, model := range cfg.Models {
		for _, provider := range model.Providers {
			if _, providerExists := providers[provider.Name]; !providerExists {
				return fmt.Errorf("unknown provider %v specified for model %v", provider.Name, model.ID)
			}
		}

		if _, modelExists := models[model.ID]; modelExists {
			return fmt.Errorf("duplicate configuration entry for model %v", model.ID)
		}

		models[model.ID] = struct{}{}
	}

	for _, id := range cfg.EconomicalModels {
		if _, exists := models[id]; !exists {
			return fmt.Errorf("unknown model %v in economical_models", id)
		}
	}

	for _, id := range cfg.PremiumModels {
		if _, exists := models[id]; !exists {
			return fmt.Errorf("unknown model %v in premium_models", id)
		}
	}

	if cfg.FallbackModel == "" {
		return errors.New("fallback_model must be specified in model catalog configuration")
	}

	if _, exists := models[cfg.FallbackModel]; !exists {
		return fmt.Errorf("unknown model %v in fallback_model", cfg.FallbackModel)
	}

	if cfg.PreprocessModel == "" {
		cfg.PreprocessModel = cfg.FallbackModel
	} else if _, exists := models[cfg.PreprocessModel]; !exists {
		return fmt.Errorf("unknown model %v in preprocess_model", cfg.PreprocessModel)
	}

	return nil
}

// unmarshalModelCatalogConfig implements a custom YAML unmarshaler for ModelCatalogConfig.
// Validates the value after unmarshaling.
func unmarshalModelCatalogConfig(value *ModelCatalogConfig, data []byte) error {
	type Aux ModelCatalogConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ModelCatalogConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// Provider returns the provider configuration with the given name, or nil.
func (cfg *ModelCatalogConfig) Provider(name string) *ModelProviderConfig {
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == name {
			return &cfg.Providers[i]
		}
	}

	return nil
}

// Model returns the catalog entry whose ID or alias matches the given name
// (case-insensitive), or nil.
func (cfg *ModelCatalogConfig) Model(name string) *ModelConfig {
	needle := strings.ToLower(name)

	for i := range cfg.Models {
		model := &cfg.Models[i]
		if strings.ToLower(model.ID) == needle {
			return model
		}

		for _, alias := range model.Aliases {
			if strings.ToLower(alias) == needle {
				return model
			}
		}
	}

	return nil
}

// ModelProviderConfig contains basic configuration of an inference API provider.
type ModelProviderConfig struct {
	// Name is the human-readable name of the API provider.
	Name string `yaml:"name"`

	// BaseURL is the base URL for the provider's API (e.g., "https://api.openai.com/v1").
	// Must be a valid URL.
	BaseURL string `yaml:"base_url"`

	// APIType determines which streaming format the provider speaks
	// (chat_completions or messages). Defaults to chat_completions.
	APIType APIType `yaml:"api_type,omitempty"`

	// APIKeyEnvVar is the name of the environment variable that contains the API key.
	APIKeyEnvVar string `yaml:"api_key_env_var,omitempty"`

	// APIKey is the actual API key used for authentication, extracted from the environment
	// using the APIKeyEnvVar value. Explicit config values are ignored.
	APIKey string `yaml:"-"`

	// RequestsPerMinute caps the request rate against this provider.
	// Zero means uncapped.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
}

// Validate performs validation of a ModelProviderConfig value:
// - Checks that the name is not empty
// - Verifies BaseURL is a valid URL
// - Fetches APIKey value from the environment using APIKeyEnvVar
func (cfg *ModelProviderConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("provider name must be specified in model provider configuration")
	}

	if err := validateURLString(cfg.BaseURL); err != nil {
		return err
	}

	if err := cfg.APIType.Validate(); err != nil {
		return err
	}

	if cfg.RequestsPerMinute < 0 {
		return errors.New("requests_per_minute must not be negative")
	}

	if cfg.APIKeyEnvVar != "" {
		cfg.APIKey = getEnvOrDefault(cfg.APIKeyEnvVar, "")
	}

	return nil
}

// unmarshalModelProviderConfig implements a custom YAML unmarshaler for ModelProviderConfig.
// Validates the value after unmarshaling.
func unmarshalModelProviderConfig(value *ModelProviderConfig, data []byte) error {
	type Aux ModelProviderConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ModelProviderConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// ModelConfig contains the catalog entry for a specific model.
type ModelConfig struct {
	// ID is the canonical model identifier used on the wire and in
	// @ai-model directives.
	ID string `yaml:"id"`

	// DisplayName is the human-readable model name surfaced to clients.
	DisplayName string `yaml:"display_name,omitempty"`

	// Aliases is the list of alternative names accepted in directives.
	Aliases []string `yaml:"aliases,omitempty"`

	// CountryOrigin is the ISO country code of the model's developer.
	// Entries with "CN" are excluded from selection for china-related tasks.
	CountryOrigin string `yaml:"country_origin,omitempty"`

	// AllowAutoSelect opts the model into automatic selection. Models with
	// false (the default) are reachable only through explicit directives.
	AllowAutoSelect bool `yaml:"allow_auto_select,omitempty"`

	// InputTypes lists the input modalities the model accepts.
	// Defaults to ["text"].
	InputTypes []string `yaml:"input_types,omitempty"`

	// Score is the composite leaderboard score the selector ranks by.
	Score float64 `yaml:"score,omitempty"`

	// SupportsThinking marks models that emit thinking blocks with
	// continuation signatures.
	SupportsThinking bool `yaml:"supports_thinking,omitempty"`

	// MaxOutputTokens caps the per-request output budget sent upstream.
	// Zero leaves the provider default in place.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`

	// TokenMultiplier is the credit cost multiplier for this model (normally 0.5× to 50×).
	// Defaults to 1.0
	TokenMultiplier float64 `yaml:"token_multiplier,omitempty"`

	// InputCreditsPerMTok and OutputCreditsPerMTok convert token usage into
	// credits, before TokenMultiplier is applied.
	InputCreditsPerMTok  int64 `yaml:"input_credits_per_mtok,omitempty"`
	OutputCreditsPerMTok int64 `yaml:"output_credits_per_mtok,omitempty"`

	// Providers is the list of provider endpoint configurations that specify what providers
	// should be used to serve requests for this model and define necessary overrides.
	Providers []ModelEndpointProvider `yaml:"providers"`

	// Health contains optional trigger/recover policies that flip this
	// model's availability off provider error metrics.
	Health *HealthPolicyConfig `yaml:"health,omitempty"`
}

// Validate performs validation of a ModelConfig value:
// - Checks that the ID and the list of providers are not empty
// - Sets the default values for TokenMultiplier (1.0) and InputTypes (text)
func (cfg *ModelConfig) Validate() error {
	if cfg.ID == "" {
		return errors.New("model id must be specified in model configuration")
	}

	if len(cfg.Providers) == 0 {
		return errors.New("no providers specified in model configuration")
	}

	if cfg.TokenMultiplier <= 0.0 {
		cfg.TokenMultiplier = 1.0
	}

	if len(cfg.InputTypes) == 0 {
		cfg.InputTypes = []string{"text"}
	}

	return nil
}

// AcceptsInputType reports whether the model accepts the given input modality.
func (cfg *ModelConfig) AcceptsInputType(inputType string) bool {
	for _, t := range cfg.InputTypes {
		if strings.EqualFold(t, inputType) {
			return true
		}
	}

	return false
}

// unmarshalModelConfig implements a custom YAML unmarshaler for ModelConfig.
// Validates the value after unmarshaling.
func unmarshalModelConfig(value *ModelConfig, data []byte) error {
	type Aux ModelConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ModelConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// ModelEndpointProvider contains settings of a specific model endpoint for a provider.
type ModelEndpointProvider struct {
	// Name is the name of the provider previously defined in Providers.
	// Used to select the specific provider that will serve requests for this model.
	Name string `yaml:"name"`

	// Model is the name of the model that is expected by this provider.
	// Allows overriding the effective model name from the catalog ID.
	Model string `yaml:"model,omitempty"`

	// BaseURL allows overriding the base URL specified in the provider configuration.
	// Should be a valid URL if present.
	BaseURL string `yaml:"base_url,omitempty"`
}

// Validate performs validation of a ModelEndpointProvider value:
// - Checks that the name is not empty
// - Verifies BaseURL is a valid URL
func (p *ModelEndpointProvider) Validate() error {
	if p.Name == "" {
		return errors.New("provider name must be specified in model endpoint configuration")
	}

	if err := validateURLString(p.BaseURL); err != nil {
		return err
	}

	return nil
}

// unmarshalModelEndpointProvider implements a custom YAML unmarshaler for ModelEndpointProvider.
// Validates the value after unmarshaling.
func unmarshalModelEndpointProvider(value *ModelEndpointProvider, data []byte) error {
	type Aux ModelEndpointProvider
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = ModelEndpointProvider(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// HealthPolicyConfig contains availability policy settings for a model.
type HealthPolicyConfig struct {
	// Trigger contains policy settings for detecting a failure state that
	// should remove this model from automatic selection.
	Trigger HealthStateConfig `yaml:"trigger"`

	// Recover contains policy settings for detecting a recovery state that
	// should return this model to automatic selection.
	Recover HealthStateConfig `yaml:"recover"`
}

// Validate performs validation of a HealthPolicyConfig value:
// - Checks that PromQL queries for trigger and recover events are specified
func (cfg *HealthPolicyConfig) Validate() error {
	if cfg.Trigger.Query == "" {
		return errors.New("health trigger query must be specified")
	}

	if cfg.Recover.Query == "" {
		return errors.New("health recover query must be specified")
	}

	return nil
}

// unmarshalHealthPolicyConfig implements a custom YAML unmarshaler for HealthPolicyConfig.
// Validates the value after unmarshaling.
func unmarshalHealthPolicyConfig(value *HealthPolicyConfig, data []byte) error {
	type Aux HealthPolicyConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = HealthPolicyConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// HealthStateConfig contains availability policy configuration for a specific
// state of a model (failing/trigger or healthy/recover).
type HealthStateConfig struct {
	// DwellTime is the duration of hysteresis period after entering the state which prevents
	// changing the state again for this duration.
	DwellTime time.Duration `yaml:"dwell_time"`

	// Query is a PromQL query that should return an empty vector or a vector of 0 while the
	// state is not entered and a vector of 1 after the state is entered
	Query string `yaml:"query"`
}

func init() {
	// Register unmarshalers of custom types with the YAML library
	yaml.RegisterCustomUnmarshaler[APIType](unmarshalAPITypeYAML)
	yaml.RegisterCustomUnmarshaler[ModelCatalogConfig](unmarshalModelCatalogConfig)
	yaml.RegisterCustomUnmarshaler[ModelProviderConfig](unmarshalModelProviderConfig)
	yaml.RegisterCustomUnmarshaler[ModelConfig](unmarshalModelConfig)
	yaml.RegisterCustomUnmarshaler[ModelEndpointProvider](unmarshalModelEndpointProvider)
	yaml.RegisterCustomUnmarshaler[HealthPolicyConfig](unmarshalHealthPolicyConfig)
}

// validateURLString performs basic sanity checks of a string that should contain a valid URL.
// Empty strings are ignored.
func validateURLString(str string) error {
	if str == "" {
		return nil
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}

	return nil
}
