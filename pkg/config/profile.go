package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadProfile layers a YAML profile file into cfg. The environment still
// wins for any key set in both places.
func loadProfile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return nil
}
