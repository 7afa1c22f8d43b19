package dimension

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/backend"
)

// Resolver maps user-facing filter vocabulary to canonical filter predicates.
// Unknown dimension codes are dropped, never errored: the agent's attempts
// must stay recoverable. Unmatched values pass through unchanged.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver creates a resolver over the given configuration store.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// ResolveFilters resolves every raw filter to canonical values.
func (r *Resolver) ResolveFilters(ctx context.Context, raw map[string]string) (backend.Filters, error) {
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("ResolveFilters: %w", err)
	}
	out := backend.Filters{}
	for code, value := range raw {
		dim, ok := snap.Dimension(code)
		if !ok {
			r.logger.Debug("dropping unknown dimension filter", zap.String("dimension", code))
			continue
		}
		if dim.IndexOnly && !groupKeyPinned(raw, dim.GroupKeyDimension) {
			// Index-only axes carry no global meaning; a value lookup
			// without the grouping key pinned would silently match the
			// wrong records across groups.
			r.logger.Warn("dropping index-only dimension filter without group key",
				zap.String("dimension", code),
				zap.String("group_key", dim.GroupKeyDimension),
			)
			continue
		}
		canonicals := r.resolveValue(snap, dim, value)
		if len(canonicals) > 0 {
			out[code] = canonicals
		}
	}
	return out, nil
}

func (r *Resolver) resolveValue(snap *Snapshot, dim Dimension, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	// Synonyms apply to every source type, first.
	if canonicals, ok := snap.LookupSynonym(dim.Code, value); ok {
		return canonicals
	}

	switch dim.Source {
	case SourceTagPattern:
		var matched []string
		for _, p := range snap.TagVocabulary(dim.Code) {
			if p.Matches(value) {
				matched = append(matched, p.Canonical)
			}
		}
		if len(matched) > 0 {
			return dedupe(matched)
		}
	case SourceCategory:
		if nodes := snap.CategoryWithDescendants(dim.Code, value); len(nodes) > 0 {
			return nodes
		}
	case SourceAttributeJoin:
		if owners := snap.JoinOwners(dim.Code, value); len(owners) > 0 {
			return owners
		}
	}

	// Best effort: pass the raw value through unchanged.
	return []string{value}
}

// ContextBlock renders the prompt vocabulary for the current snapshot.
func (r *Resolver) ContextBlock(ctx context.Context) string {
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("dimension context unavailable", zap.Error(err))
		return ""
	}
	return snap.ContextBlock()
}

func groupKeyPinned(raw map[string]string, groupKey string) bool {
	if groupKey == "" {
		return false
	}
	v, ok := raw[groupKey]
	return ok && strings.TrimSpace(v) != ""
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
