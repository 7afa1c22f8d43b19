package dimension

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the YAML shape for file-based dimension configuration.
type ConfigFile struct {
	Dimensions []Dimension                 `yaml:"dimensions"`
	Synonyms   []Synonym                   `yaml:"synonyms"`
	Tags       map[string][]TagPattern     `yaml:"tags"`
	Categories map[string][]CategoryNode   `yaml:"categories"`
	Joins      []AttributeJoin             `yaml:"joins"`
}

// StaticStore serves one fixed snapshot, loaded from YAML configuration.
// Used when no POSTGRES_DSN is configured and in tests.
type StaticStore struct {
	snapshot *Snapshot
}

// NewStaticStore builds a store around an assembled snapshot.
func NewStaticStore(snapshot *Snapshot) *StaticStore {
	return &StaticStore{snapshot: snapshot}
}

// LoadStaticStore reads dimension configuration from a YAML file.
func LoadStaticStore(path string) (*StaticStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadStaticStore: %w", err)
	}
	var cfg ConfigFile
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("LoadStaticStore: %w", err)
	}
	return NewStaticStore(NewSnapshot(cfg.Dimensions, cfg.Synonyms, cfg.Tags, cfg.Categories, cfg.Joins)), nil
}

func (s *StaticStore) Snapshot(_ context.Context) (*Snapshot, error) {
	return s.snapshot, nil
}
