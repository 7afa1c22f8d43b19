package backend

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/atlasbi/gateway/internal/auth"
)

// FixtureBackend serves queries from an in-memory dataset loaded from YAML.
// It implements both ReadBackend and MutationBackend and is used for local
// development and tests; production deployments plug in the real store.
type FixtureBackend struct {
	mu       sync.RWMutex
	entities map[string][]Row
	drafts   map[string]map[string]any // recordRef -> payload
}

// fixtureFile is the YAML shape: entity name -> list of rows.
type fixtureFile struct {
	Entities map[string][]map[string]any `yaml:"entities"`
}

// NewFixtureBackend creates an empty fixture backend.
func NewFixtureBackend() *FixtureBackend {
	return &FixtureBackend{
		entities: map[string][]Row{},
		drafts:   map[string]map[string]any{},
	}
}

// LoadFixtureBackend reads a fixture dataset from a YAML file.
func LoadFixtureBackend(path string) (*FixtureBackend, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFixtureBackend: %w", err)
	}
	var ff fixtureFile
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("LoadFixtureBackend: %w", err)
	}
	b := NewFixtureBackend()
	for entity, rows := range ff.Entities {
		for _, r := range rows {
			b.AddRow(entity, Row(r))
		}
	}
	return b, nil
}

// AddRow appends a row to an entity's dataset.
func (b *FixtureBackend) AddRow(entity string, row Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities[entity] = append(b.entities[entity], row)
}

func (b *FixtureBackend) Count(_ context.Context, _ *auth.Identity, entity string, filters Filters) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	for _, row := range b.entities[entity] {
		if matches(row, filters) {
			n++
		}
	}
	return n, nil
}

func (b *FixtureBackend) Search(_ context.Context, _ *auth.Identity, entity string, filters Filters, fields []string, limit int) ([]Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Row
	for _, row := range b.entities[entity] {
		if !matches(row, filters) {
			continue
		}
		projected := Row{}
		if len(fields) == 0 {
			for k, v := range row {
				projected[k] = v
			}
		} else {
			for _, f := range fields {
				projected[f] = row[f]
			}
		}
		out = append(out, projected)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *FixtureBackend) Aggregate(_ context.Context, _ *auth.Identity, entity string, filters Filters, groupBy []string, metrics []Metric, limit int) ([]Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	groups := map[string][]Row{}
	var keys []string
	for _, row := range b.entities[entity] {
		if !matches(row, filters) {
			continue
		}
		key := groupKey(row, groupBy)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], row)
	}
	sort.Strings(keys)

	var out []Row
	for _, key := range keys {
		rows := groups[key]
		agg := Row{}
		for _, g := range groupBy {
			agg[g] = rows[0][g]
		}
		for _, m := range metrics {
			agg[m.Field+"_"+m.Op] = applyMetric(rows, m)
		}
		out = append(out, agg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *FixtureBackend) CreateDraft(_ context.Context, _ *auth.Identity, kind string, payload map[string]any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := kind + "/" + uuid.NewString()
	b.drafts[ref] = payload
	return ref, nil
}

// DraftCount reports how many draft records have been created. Test helper.
func (b *FixtureBackend) DraftCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.drafts)
}

func matches(row Row, filters Filters) bool {
	for field, values := range filters {
		raw := fmt.Sprintf("%v", row[field])
		ok := false
		for _, v := range values {
			if strings.EqualFold(raw, v) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func groupKey(row Row, groupBy []string) string {
	if len(groupBy) == 0 {
		return "__all__"
	}
	parts := make([]string, len(groupBy))
	for i, g := range groupBy {
		parts[i] = fmt.Sprintf("%v", row[g])
	}
	return strings.Join(parts, "\x1f")
}

func applyMetric(rows []Row, m Metric) any {
	switch m.Op {
	case "count":
		return len(rows)
	case "count_distinct":
		seen := map[string]struct{}{}
		for _, r := range rows {
			seen[fmt.Sprintf("%v", r[m.Field])] = struct{}{}
		}
		return len(seen)
	case "sum", "avg", "min", "max":
		var sum, minV, maxV float64
		first := true
		for _, r := range rows {
			v := toFloat(r[m.Field])
			sum += v
			if first || v < minV {
				minV = v
			}
			if first || v > maxV {
				maxV = v
			}
			first = false
		}
		switch m.Op {
		case "sum":
			return sum
		case "avg":
			if len(rows) == 0 {
				return 0.0
			}
			return sum / float64(len(rows))
		case "min":
			return minV
		default:
			return maxV
		}
	}
	return nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
