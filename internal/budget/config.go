package budget

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads budget limits from a YAML file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("LoadConfig: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("LoadConfig: %w", err)
	}
	return cfg, nil
}
