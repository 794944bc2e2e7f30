package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// MateConfig declares one mate: a named assistant persona with its own
// system-prompt overlay. @mate directives select among these.
type MateConfig struct {
	// ID is the mate identifier used in @mate directives.
	ID string `yaml:"id"`

	// Name is the display name surfaced to clients.
	Name string `yaml:"name,omitempty"`

	// Role is a one-line description of the persona's specialty.
	Role string `yaml:"role,omitempty"`

	// SystemPrompt is prepended to the system instruction when this mate
	// handles a turn.
	SystemPrompt string `yaml:"system_prompt"`

	// Default marks the mate used when no directive selects one.
	Default bool `yaml:"default,omitempty"`
}

// Validate performs validation of a MateConfig value:
// - Checks that the mate ID and system prompt are not empty
func (cfg *MateConfig) Validate() error {
	if cfg.ID == "" {
		return errors.New("mate id must be specified in mate configuration")
	}

	if cfg.SystemPrompt == "" {
		return fmt.Errorf("system_prompt must be specified for mate %v", cfg.ID)
	}

	return nil
}

// unmarshalMateConfig implements a custom YAML unmarshaler for MateConfig.
// Validates the value after unmarshaling.
func unmarshalMateConfig(value *MateConfig, data []byte) error {
	type Aux MateConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = MateConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

type matesFile struct {
	Mates []MateConfig `yaml:"mates"`
}

// LoadMates reads the mates file. A missing file is not an error; the server
// runs without personas and answers turns with the bare system instruction.
func LoadMates(path string) ([]MateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read mates file: %w", err)
	}

	var file matesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse mates file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Mates))
	for _, mate := range file.Mates {
		if _, exists := seen[mate.ID]; exists {
			return nil, fmt.Errorf("duplicate mate id %v", mate.ID)
		}

		seen[mate.ID] = struct{}{}
	}

	return file.Mates, nil
}

// DefaultMate returns the mate marked default, the first mate when none is
// marked, or nil for an empty list.
func DefaultMate(mates []MateConfig) *MateConfig {
	for i := range mates {
		if mates[i].Default {
			return &mates[i]
		}
	}

	if len(mates) > 0 {
		return &mates[0]
	}

	return nil
}

func init() {
	yaml.RegisterCustomUnmarshaler[MateConfig](unmarshalMateConfig)
}
