package routing

import (
	"flag"
	"log/slog"
	"os"
	"sort"
	"testing"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/logger"
)

var (
	AnthropicAPIKeyEnvVar = "ANTHROPIC_API_KEY"
	OpenAIAPIKeyEnvVar    = "OPENAI_API_KEY"
	DeepSeekAPIKeyEnvVar  = "DEEPSEEK_API_KEY"
	MistralAPIKeyEnvVar   = "MISTRAL_API_KEY"

	AnthropicAPIKey = "test-anthropic-key"
	OpenAIAPIKey    = "test-openai-key"
	DeepSeekAPIKey  = "test-deepseek-key"
	MistralAPIKey   = "test-mistral-key"

	AnthropicBaseURL = "https://api.anthropic.com/v1"
	OpenAIBaseURL    = "https://api.openai.com/v1"
	DeepSeekBaseURL  = "https://api.deepseek.com/v1"
	MistralBaseURL   = "https://api.mistral.ai/v1"
	GatewayBaseURL   = "https://gateway.example.com/v1"
)

var log *logger.Logger

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Verbose() {
		log = logger.New(logger.Config{Level: slog.LevelDebug})
	} else {
		log = logger.New(logger.Config{Level: slog.LevelError})
	}

	os.Exit(m.Run())
}

func newEnv(overrides map[string]string) map[string]string {
	env := map[string]string{
		AnthropicAPIKeyEnvVar: AnthropicAPIKey,
		OpenAIAPIKeyEnvVar:    OpenAIAPIKey,
		DeepSeekAPIKeyEnvVar:  DeepSeekAPIKey,
		MistralAPIKeyEnvVar:   MistralAPIKey,
	}

	for key, value := range overrides {
		env[key] = value
	}

	return env
}

func loadCatalog(t *testing.T, env map[string]string) *config.ModelCatalogConfig {
	t.Helper()

	for key, value := range env {
		t.Setenv(key, value)
	}

	configFile, err := os.Open("testdata/config.yaml")
	if err != nil {
		t.Fatalf("Failed to open config file: %v", err)
	}
	defer configFile.Close()

	appConfig := new(config.Config)
	if err := config.LoadConfigFile(configFile, appConfig); err != nil {
		t.Fatalf("Failed to load config file: %v", err)
	}

	if appConfig.ModelCatalog == nil {
		t.Fatal("model catalog missing from test config")
	}

	return appConfig.ModelCatalog
}

func newTestRouter(t *testing.T, env map[string]string) *ModelRouter {
	t.Helper()
	return NewModelRouter(loadCatalog(t, env), log)
}

func TestNewModelRouter(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	if router == nil {
		t.Fatal("NewModelRouter returned nil")
	}

	routes := router.GetRoutes()
	if len(routes) == 0 {
		t.Fatal("routes map is empty")
	}
}

func TestResolveExactMatch(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	tests := []struct {
		model            string
		expectedBaseURL  string
		expectedKey      string
		expectedAPIType  config.APIType
		expectedProvider string
	}{
		{"claude-sonnet-4", AnthropicBaseURL, AnthropicAPIKey, config.APITypeMessages, "Anthropic"},
		{"gpt-4o", OpenAIBaseURL, OpenAIAPIKey, config.APITypeChatCompletions, "OpenAI"},
		{"mistral-small", MistralBaseURL, MistralAPIKey, config.APITypeChatCompletions, "Mistral"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			endpoint, model, err := router.Resolve(tt.model)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if endpoint.Model != tt.model {
				t.Errorf("expected model %s, got %s", tt.model, endpoint.Model)
			}
			if endpoint.BaseURL != tt.expectedBaseURL {
				t.Errorf("expected baseURL %s, got %s", tt.expectedBaseURL, endpoint.BaseURL)
			}
			if endpoint.APIKey != tt.expectedKey {
				t.Errorf("expected API key %s, got %s", tt.expectedKey, endpoint.APIKey)
			}
			if endpoint.ProviderName != tt.expectedProvider {
				t.Errorf("expected provider name %s, got %s", tt.expectedProvider, endpoint.ProviderName)
			}
			if endpoint.APIType != tt.expectedAPIType {
				t.Errorf("expected APIType %s, got %s", tt.expectedAPIType, endpoint.APIType)
			}
			if model == nil || model.ID != tt.model {
				t.Errorf("expected catalog entry for %s", tt.model)
			}
		})
	}
}

func TestResolveAliasMatch(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	// Map from supported aliases to canonical catalog IDs.
	tests := map[string]string{
		"sonnet":                    "claude-sonnet-4",
		"anthropic/claude-sonnet-4": "claude-sonnet-4",
		"openai/gpt-4o":             "gpt-4o",
		"mistral/small":             "mistral-small",
	}

	for alias, canonical := range tests {
		t.Run(alias, func(t *testing.T) {
			got, exists := router.Canonical(alias)
			if !exists {
				t.Fatalf("Canonical failed for alias %s", alias)
			}
			if got != canonical {
				t.Errorf("expected alias %s to resolve to %s, got %s", alias, canonical, got)
			}
		})
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	tests := []string{
		"GPT-4o",
		"Gpt-4O",
		"SONNET",
		"  claude-sonnet-4  ",
	}

	for _, model := range tests {
		t.Run(model, func(t *testing.T) {
			if _, _, err := router.Resolve(model); err != nil {
				t.Errorf("Resolve failed for %s: %v", model, err)
			}
		})
	}
}

func TestResolveModelNameOverride(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	endpoint, _, err := router.Resolve("internal-experimental")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	expectedModel := "experimental-preview"
	if endpoint.Model != expectedModel {
		t.Errorf("expected model name %s, got %s", expectedModel, endpoint.Model)
	}
}

func TestResolveWithProviderPin(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	endpoint, _, err := router.ResolveWithProvider("deepseek-chat", "openai")
	if err != nil {
		t.Fatalf("ResolveWithProvider failed: %v", err)
	}
	if endpoint.ProviderName != "OpenAI" {
		t.Errorf("expected provider OpenAI, got %s", endpoint.ProviderName)
	}
	if endpoint.BaseURL != GatewayBaseURL {
		t.Errorf("expected overridden baseURL %s, got %s", GatewayBaseURL, endpoint.BaseURL)
	}
	if endpoint.Model != "deepseek-chat-gateway" {
		t.Errorf("expected overridden model name, got %s", endpoint.Model)
	}

	if _, _, err := router.ResolveWithProvider("mistral-small", "Anthropic"); err == nil {
		t.Error("expected error when pinning a provider that does not serve the model")
	}
}

func TestRoundRobinAcrossEndpoints(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	tests := []string{"DeepSeek", "OpenAI", "DeepSeek", "OpenAI", "DeepSeek"}
	for n, expectedProvider := range tests {
		endpoint, _, err := router.Resolve("deepseek-chat")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if endpoint.ProviderName != expectedProvider {
			t.Errorf("expected provider %s on attempt #%d, got %s", expectedProvider, n+1, endpoint.ProviderName)
		}
	}
}

func TestResolveUnknownModel(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	if _, _, err := router.Resolve(""); err == nil {
		t.Error("expected error for empty model ID")
	}

	if _, _, err := router.Resolve("unknown-model"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestProviderWithoutKeySkipped(t *testing.T) {
	router := newTestRouter(t, newEnv(map[string]string{
		MistralAPIKeyEnvVar: "",
	}))

	if _, _, err := router.Resolve("mistral-small"); err == nil {
		t.Error("expected error for model served only by a provider without an API key")
	}

	for _, model := range router.SupportedModels() {
		if model == "mistral-small" {
			t.Error("model without usable endpoints should not be routed")
		}
	}
}

func TestAvailability(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	if !router.IsAvailable("gpt-4o") {
		t.Fatal("models should start available")
	}

	router.MarkUnavailable("gpt-4o")
	if router.IsAvailable("gpt-4o") {
		t.Error("model still available after MarkUnavailable")
	}

	for _, id := range router.AvailableModelIDs() {
		if id == "gpt-4o" {
			t.Error("AvailableModelIDs includes an unavailable model")
		}
	}

	// Resolution keeps working; explicit directives bypass availability.
	if _, _, err := router.Resolve("gpt-4o"); err != nil {
		t.Errorf("Resolve failed for unavailable model: %v", err)
	}

	router.MarkAvailable("gpt-4o")
	if !router.IsAvailable("gpt-4o") {
		t.Error("model not available after MarkAvailable")
	}

	// Unknown models are ignored.
	router.MarkUnavailable("no-such-model")
	if router.IsAvailable("no-such-model") {
		t.Error("unknown model reported as available")
	}
}

func TestAvailabilityByAlias(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	router.MarkUnavailable("sonnet")
	if router.IsAvailable("claude-sonnet-4") {
		t.Error("alias MarkUnavailable did not reach the canonical model")
	}
}

func TestSupportedModels(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	expectedModels := []string{
		"claude-sonnet-4",
		"deepseek-chat",
		"gpt-4o",
		"internal-experimental",
		"mistral-small",
	}
	sort.Strings(expectedModels)

	models := router.SupportedModels()
	if len(models) != len(expectedModels) {
		t.Fatalf("expected %d models, got %d", len(expectedModels), len(models))
	}

	for i, expected := range expectedModels {
		if models[i] != expected {
			t.Errorf("expected model %s, got %s", expected, models[i])
		}
	}
}

func TestProviders(t *testing.T) {
	router := newTestRouter(t, newEnv(nil))

	expectedProviders := []string{
		"Anthropic",
		"DeepSeek",
		"Mistral",
		"OpenAI",
	}
	sort.Strings(expectedProviders)

	providers := router.Providers()
	if len(providers) != len(expectedProviders) {
		t.Fatalf("expected %d providers, got %d", len(expectedProviders), len(providers))
	}

	for i, expected := range expectedProviders {
		if providers[i] != expected {
			t.Errorf("expected provider %s, got %s", expected, providers[i])
		}
	}
}
