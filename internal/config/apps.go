package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// SkillStage gates where a skill is callable.
type SkillStage string

const (
	SkillStagePlanning    SkillStage = "planning"
	SkillStageDevelopment SkillStage = "development"
	SkillStageProduction  SkillStage = "production"
)

// Validate performs basic validation of a SkillStage value:
// - Checks whether the value is a known SkillStage
// - Replaces an empty value with the default one (SkillStageDevelopment)
func (s *SkillStage) Validate() error {
	switch *s {
	case "":
		*s = SkillStageDevelopment
		return nil
	case SkillStagePlanning, SkillStageDevelopment, SkillStageProduction:
		return nil
	default:
		return fmt.Errorf(
			"bad SkillStage value: must be empty or one of %q, %q, %q",
			string(SkillStagePlanning),
			string(SkillStageDevelopment),
			string(SkillStageProduction),
		)
	}
}

// CallableIn reports whether a skill at this stage is callable in the given
// server environment. Production serves only production skills; every other
// environment serves everything.
func (s SkillStage) CallableIn(environment string) bool {
	if environment == "production" {
		return s == SkillStageProduction
	}

	return true
}

// unmarshalSkillStageYAML implements a custom YAML unmarshaler for SkillStage.
// Validates the value after unmarshaling.
func unmarshalSkillStageYAML(value *SkillStage, data []byte) error {
	var stage string

	if err := yaml.Unmarshal(data, &stage); err != nil {
		return err
	}

	*value = SkillStage(stage)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// SkillTransport identifies how the fabric reaches a skill implementation.
type SkillTransport string

const (
	// SkillTransportInternal dispatches to a handler registered in-process.
	SkillTransportInternal SkillTransport = "internal"

	// SkillTransportMCP dispatches to a remote MCP tool server.
	SkillTransportMCP SkillTransport = "mcp"
)

// Validate performs basic validation of a SkillTransport value:
// - Checks whether the value is a known SkillTransport
// - Replaces an empty value with the default one (SkillTransportInternal)
func (t *SkillTransport) Validate() error {
	switch *t {
	case "":
		*t = SkillTransportInternal
		return nil
	case SkillTransportInternal, SkillTransportMCP:
		return nil
	default:
		return fmt.Errorf(
			"bad SkillTransport value: must be empty or one of %q, %q",
			string(SkillTransportInternal),
			string(SkillTransportMCP),
		)
	}
}

// unmarshalSkillTransportYAML implements a custom YAML unmarshaler for SkillTransport.
// Validates the value after unmarshaling.
func unmarshalSkillTransportYAML(value *SkillTransport, data []byte) error {
	var transport string

	if err := yaml.Unmarshal(data, &transport); err != nil {
		return err
	}

	*value = SkillTransport(transport)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// AppManifest is one app.yml: an app with its skills and focuses.
type AppManifest struct {
	// ID is the app identifier used in "app_id-skill_id" keys and directives.
	ID string `yaml:"id"`

	// Name is the human-readable app name.
	Name string `yaml:"name,omitempty"`

	// Skills declared by this app.
	Skills []SkillConfig `yaml:"skills,omitempty"`

	// Focuses declared by this app.
	Focuses []FocusConfig `yaml:"focuses,omitempty"`
}

// Validate performs validation of an AppManifest value:
// - Checks that the app ID is not empty
// - Checks for duplicate skill and focus IDs within the app
func (m *AppManifest) Validate() error {
	if m.ID == "" {
		return errors.New("app id must be specified in app manifest")
	}

	skills := make(map[string]struct{}, len(m.Skills))
	for _, skill := range m.Skills {
		if _, exists := skills[skill.ID]; exists {
			return fmt.Errorf("duplicate skill %v in app %v", skill.ID, m.ID)
		}

		skills[skill.ID] = struct{}{}
	}

	focuses := make(map[string]struct{}, len(m.Focuses))
	for _, focus := range m.Focuses {
		if _, exists := focuses[focus.ID]; exists {
			return fmt.Errorf("duplicate focus %v in app %v", focus.ID, m.ID)
		}

		focuses[focus.ID] = struct{}{}
	}

	return nil
}

// unmarshalAppManifest implements a custom YAML unmarshaler for AppManifest.
// Validates the value after unmarshaling.
func unmarshalAppManifest(value *AppManifest, data []byte) error {
	type Aux AppManifest
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = AppManifest(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// SkillConfig declares one callable skill.
type SkillConfig struct {
	// ID is the skill identifier, unique within its app.
	ID string `yaml:"id"`

	// Name is the human-readable skill name.
	Name string `yaml:"name,omitempty"`

	// Description is surfaced to the model as the tool description.
	Description string `yaml:"description,omitempty"`

	// Stage gates callability by server environment.
	Stage SkillStage `yaml:"stage,omitempty"`

	// Transport selects in-process dispatch or a remote MCP server.
	Transport SkillTransport `yaml:"transport,omitempty"`

	// Endpoint is the remote server URL. Required for the mcp transport.
	Endpoint string `yaml:"endpoint,omitempty"`

	// ToolSchema is the JSON Schema (expressed in YAML) describing the
	// skill's request body. The fabric injects a per-request id field into
	// requests[] items when the schema omits one.
	ToolSchema map[string]interface{} `yaml:"tool_schema,omitempty"`

	// Pricing controls the credit charge applied on success.
	Pricing SkillPricingConfig `yaml:"pricing,omitempty"`

	// PreprocessorHint is extra guidance shown to the preprocessing model
	// when it builds the preselection set.
	PreprocessorHint string `yaml:"preprocessor_hint,omitempty"`

	// APIConfig carries free-form settings for the skill's outbound API
	// (base URL, timeout overrides). Keys are skill-defined.
	APIConfig map[string]string `yaml:"api_config,omitempty"`

	// RequiresSettings lists user-setting keys the skill needs before it can
	// run (e.g. an email address for the notification skill).
	RequiresSettings []string `yaml:"requires_settings,omitempty"`
}

// Validate performs validation of a SkillConfig value:
// - Checks that the skill ID is not empty
// - Checks that mcp-transport skills carry an endpoint URL
// - Checks the pricing is not negative
func (cfg *SkillConfig) Validate() error {
	if cfg.ID == "" {
		return errors.New("skill id must be specified in skill configuration")
	}

	if err := cfg.Stage.Validate(); err != nil {
		return err
	}

	if err := cfg.Transport.Validate(); err != nil {
		return err
	}

	if cfg.Transport == SkillTransportMCP {
		if cfg.Endpoint == "" {
			return fmt.Errorf("endpoint must be specified for mcp skill %v", cfg.ID)
		}

		if err := validateURLString(cfg.Endpoint); err != nil {
			return err
		}
	}

	if cfg.Pricing.Credits < 0 {
		return fmt.Errorf("pricing credits must not be negative for skill %v", cfg.ID)
	}

	return nil
}

// unmarshalSkillConfig implements a custom YAML unmarshaler for SkillConfig.
// Validates the value after unmarshaling.
func unmarshalSkillConfig(value *SkillConfig, data []byte) error {
	type Aux SkillConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = SkillConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// SkillPricingConfig declares the credit charge for a successful skill call.
type SkillPricingConfig struct {
	// Credits charged once per invocation. Zero skips charging.
	Credits int64 `yaml:"credits,omitempty"`

	// PerRequest additionally multiplies Credits by the number of elements
	// in the requests array.
	PerRequest bool `yaml:"per_request,omitempty"`
}

// FocusConfig declares one focus mode: a named system-prompt overlay a chat
// can activate.
type FocusConfig struct {
	// ID is the focus identifier, unique within its app.
	ID string `yaml:"id"`

	// Name is the human-readable focus name.
	Name string `yaml:"name,omitempty"`

	// Description is surfaced to clients in the focus picker.
	Description string `yaml:"description,omitempty"`

	// Prompt is appended to the system instruction while the focus is active.
	Prompt string `yaml:"prompt"`
}

// Validate performs validation of a FocusConfig value:
// - Checks that the focus ID and prompt are not empty
func (cfg *FocusConfig) Validate() error {
	if cfg.ID == "" {
		return errors.New("focus id must be specified in focus configuration")
	}

	if cfg.Prompt == "" {
		return fmt.Errorf("prompt must be specified for focus %v", cfg.ID)
	}

	return nil
}

// unmarshalFocusConfig implements a custom YAML unmarshaler for FocusConfig.
// Validates the value after unmarshaling.
func unmarshalFocusConfig(value *FocusConfig, data []byte) error {
	type Aux FocusConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = FocusConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

// LoadAppManifests reads every app.yml under dir (one subdirectory per app)
// and returns the parsed manifests. A missing directory is not an error; the
// server just runs without skills.
func LoadAppManifests(dir string) ([]AppManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read apps directory: %w", err)
	}

	var manifests []AppManifest
	seen := make(map[string]struct{})

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name(), "app.yml")

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		var manifest AppManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}

		if _, exists := seen[manifest.ID]; exists {
			return nil, fmt.Errorf("duplicate app id %v (from %s)", manifest.ID, path)
		}

		seen[manifest.ID] = struct{}{}
		manifests = append(manifests, manifest)
	}

	return manifests, nil
}

// SkillKey builds the canonical "app_id-skill_id" identifier used in
// preselection sets and cancellation flags.
func SkillKey(appID, skillID string) string {
	return strings.ToLower(appID) + "-" + strings.ToLower(skillID)
}

func init() {
	// Register unmarshalers of custom types with the YAML library
	yaml.RegisterCustomUnmarshaler[SkillStage](unmarshalSkillStageYAML)
	yaml.RegisterCustomUnmarshaler[SkillTransport](unmarshalSkillTransportYAML)
	yaml.RegisterCustomUnmarshaler[AppManifest](unmarshalAppManifest)
	yaml.RegisterCustomUnmarshaler[SkillConfig](unmarshalSkillConfig)
	yaml.RegisterCustomUnmarshaler[FocusConfig](unmarshalFocusConfig)
}
