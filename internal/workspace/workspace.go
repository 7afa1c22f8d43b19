// Package workspace scopes gateway behavior per tenant: which tools are
// offered, how many tool calls a turn may spend, and how many rows come
// back inline.
package workspace

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Workspace is one tenant configuration.
type Workspace struct {
	Code               string   `yaml:"code"`
	Name               string   `yaml:"name"`
	Active             bool     `yaml:"active"`
	AllowedTools       []string `yaml:"allowed_tools"`
	MaxToolCalls       int      `yaml:"max_tool_calls"`
	MaxInlineRows      int64    `yaml:"max_inline_rows"`
	ExtraContext       string   `yaml:"extra_context"`
	RequiredCapability string   `yaml:"required_capability"`
}

// AllowsTool reports whether the workspace offers the named tool. An empty
// allowlist means every registered tool is offered.
func (w *Workspace) AllowsTool(name string) bool {
	if len(w.AllowedTools) == 0 {
		return true
	}
	for _, t := range w.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// NotFoundError reports an unknown or inactive workspace code.
type NotFoundError struct {
	Code string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workspace %q not found or inactive", e.Code)
}

// Store resolves workspace codes.
type Store interface {
	Workspace(ctx context.Context, code string) (*Workspace, error)
}

// StaticStore serves workspaces from a fixed map, loaded from YAML.
type StaticStore struct {
	byCode map[string]*Workspace
}

// NewStaticStore builds a store over the given workspaces.
func NewStaticStore(workspaces []Workspace) *StaticStore {
	byCode := make(map[string]*Workspace, len(workspaces))
	for i := range workspaces {
		w := workspaces[i]
		byCode[w.Code] = &w
	}
	return &StaticStore{byCode: byCode}
}

// LoadStaticStore reads workspace configuration from a YAML file with a
// top-level "workspaces" list.
func LoadStaticStore(path string) (*StaticStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadStaticStore: %w", err)
	}
	var cfg struct {
		Workspaces []Workspace `yaml:"workspaces"`
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("LoadStaticStore: %w", err)
	}
	return NewStaticStore(cfg.Workspaces), nil
}

func (s *StaticStore) Workspace(_ context.Context, code string) (*Workspace, error) {
	w, ok := s.byCode[code]
	if !ok || !w.Active {
		return nil, &NotFoundError{Code: code}
	}
	return w, nil
}

// Default is the workspace used when an identity carries no workspace code.
func Default() *Workspace {
	return &Workspace{Code: "default", Name: "Default", Active: true}
}
