package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRecords reads tier records from a YAML file with a top-level
// "records" list.
func LoadRecords(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRecords: %w", err)
	}
	var cfg struct {
		Records []Record `yaml:"records"`
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("LoadRecords: %w", err)
	}
	return cfg.Records, nil
}
