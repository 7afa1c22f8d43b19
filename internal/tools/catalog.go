// Package tools registers the analytics tool catalog the model is offered.
// Every tool is a thin, schema-guarded wrapper over the read backend; the
// one mutating tool never writes, it declares an intent that becomes a
// proposal.
package tools

import (
	"context"
	"fmt"

	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/backend"
	"github.com/atlasbi/gateway/internal/dimension"
	"github.com/atlasbi/gateway/internal/registry"
)

// Catalog wires the standard tool set into a registry.
type Catalog struct {
	backend  backend.ReadBackend
	resolver *dimension.Resolver
}

// NewCatalog creates the catalog over the given backend and resolver.
func NewCatalog(rb backend.ReadBackend, resolver *dimension.Resolver) *Catalog {
	return &Catalog{backend: rb, resolver: resolver}
}

// RegisterAll registers every standard tool and freezes nothing; the caller
// freezes the registry after any extra tools are added.
func (c *Catalog) RegisterAll(reg *registry.Registry) error {
	descriptors := []*registry.Descriptor{
		c.countRecords(),
		c.aggregateRecords(),
		c.searchRecords(),
		c.proposeReplenishment(),
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("RegisterAll: %w", err)
		}
	}
	return nil
}

// filtersSchema is the shared parameter fragment for dimension filters.
var filtersSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": map[string]any{"type": "string"},
	"description":          "Dimension filters as code -> value, e.g. {\"season\": \"fw25\"}.",
}

func (c *Catalog) countRecords() *registry.Descriptor {
	return &registry.Descriptor{
		Name:        "count_records",
		Description: "Count records of an entity matching the given dimension filters.",
		ParamSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"entity"},
			"properties": map[string]any{
				"entity":  map[string]any{"type": "string"},
				"filters": filtersSchema,
			},
		},
		Capabilities: []auth.Capability{auth.CapabilityRead},
		Execute: func(ctx context.Context, identity *auth.Identity, params map[string]any) (*registry.Result, error) {
			entity, filters, err := c.resolve(ctx, params)
			if err != nil {
				return nil, err
			}
			n, err := c.backend.Count(ctx, identity, entity, filters)
			if err != nil {
				return nil, err
			}
			return &registry.Result{
				Data:     map[string]any{"count": n},
				RowCount: 1,
			}, nil
		},
		Estimate: func(ctx context.Context, identity *auth.Identity, params map[string]any) (int64, error) {
			// A count returns one row regardless of the match size.
			return 1, nil
		},
	}
}

func (c *Catalog) aggregateRecords() *registry.Descriptor {
	return &registry.Descriptor{
		Name:        "aggregate_records",
		Description: "Aggregate metrics over an entity, optionally grouped by dimensions.",
		ParamSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"entity", "metrics"},
			"properties": map[string]any{
				"entity":  map[string]any{"type": "string"},
				"filters": filtersSchema,
				"group_by": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"metrics": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"required":             []any{"field", "op"},
						"properties": map[string]any{
							"field": map[string]any{"type": "string"},
							"op": map[string]any{
								"type": "string",
								"enum": []any{"sum", "avg", "count", "count_distinct", "min", "max"},
							},
						},
					},
				},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 500, "default": 100},
			},
		},
		Capabilities: []auth.Capability{auth.CapabilityRead},
		Execute: func(ctx context.Context, identity *auth.Identity, params map[string]any) (*registry.Result, error) {
			entity, filters, err := c.resolve(ctx, params)
			if err != nil {
				return nil, err
			}
			groupBy := stringSlice(params["group_by"])
			metrics := metricSlice(params["metrics"])
			limit := intOr(params["limit"], 100)
			rows, err := c.backend.Aggregate(ctx, identity, entity, filters, groupBy, metrics, limit)
			if err != nil {
				return nil, err
			}
			return &registry.Result{
				Data:     map[string]any{"rows": rows},
				RowCount: len(rows),
			}, nil
		},
	}
}

func (c *Catalog) searchRecords() *registry.Descriptor {
	return &registry.Descriptor{
		Name:        "search_records",
		Description: "List records of an entity matching the given dimension filters.",
		ParamSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"entity"},
			"properties": map[string]any{
				"entity":  map[string]any{"type": "string"},
				"filters": filtersSchema,
				"fields": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 500, "default": 50},
			},
		},
		Capabilities: []auth.Capability{auth.CapabilityRead},
		Execute: func(ctx context.Context, identity *auth.Identity, params map[string]any) (*registry.Result, error) {
			entity, filters, err := c.resolve(ctx, params)
			if err != nil {
				return nil, err
			}
			fields := stringSlice(params["fields"])
			limit := intOr(params["limit"], 50)
			rows, err := c.backend.Search(ctx, identity, entity, filters, fields, limit)
			if err != nil {
				return nil, err
			}
			return &registry.Result{
				Data:     map[string]any{"rows": rows},
				RowCount: len(rows),
			}, nil
		},
	}
}

// proposeReplenishment is the mutating-intent tool. It reads stock levels
// and emits an intent describing the draft purchase records to create; the
// gateway turns the intent into a proposal for human review. No write
// happens here.
func (c *Catalog) proposeReplenishment() *registry.Descriptor {
	return &registry.Descriptor{
		Name:        "propose_replenishment",
		Description: "Draft a replenishment proposal for products below their stock threshold. Creates a proposal for human review; nothing is ordered directly.",
		ParamSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"filters": filtersSchema,
				"threshold": map[string]any{
					"type":    "number",
					"minimum": 0,
					"default": 10,
				},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 200, "default": 50},
			},
		},
		Capabilities: []auth.Capability{auth.CapabilityRead},
		Execute: func(ctx context.Context, identity *auth.Identity, params map[string]any) (*registry.Result, error) {
			filters, err := c.resolveFilters(ctx, params)
			if err != nil {
				return nil, err
			}
			threshold := floatOr(params["threshold"], 10)
			limit := intOr(params["limit"], 50)

			rows, err := c.backend.Search(ctx, identity, "product", filters,
				[]string{"code", "name", "qty_available"}, limit)
			if err != nil {
				return nil, err
			}

			var lines []registry.MutationLine
			for _, row := range rows {
				qty := floatOr(row["qty_available"], 0)
				if qty >= threshold {
					continue
				}
				lines = append(lines, registry.MutationLine{
					Key:         str(row["code"]),
					Description: str(row["name"]),
					Quantity:    threshold - qty,
					Included:    true,
				})
			}
			if len(lines) == 0 {
				return &registry.Result{
					Data:     map[string]any{"message": "no products below threshold"},
					RowCount: 0,
				}, nil
			}

			return &registry.Result{
				Data:     map[string]any{"line_count": len(lines)},
				RowCount: len(lines),
				Mutation: &registry.MutationIntent{
					Kind:    "purchase.order",
					Summary: fmt.Sprintf("Replenish %d products below threshold %.0f", len(lines), threshold),
					Payload: map[string]any{
						"threshold": threshold,
						"filters":   params["filters"],
					},
					Lines: lines,
				},
			}, nil
		},
	}
}

func (c *Catalog) resolve(ctx context.Context, params map[string]any) (string, backend.Filters, error) {
	entity, _ := params["entity"].(string)
	filters, err := c.resolveFilters(ctx, params)
	if err != nil {
		return "", nil, err
	}
	return entity, filters, nil
}

func (c *Catalog) resolveFilters(ctx context.Context, params map[string]any) (backend.Filters, error) {
	raw := map[string]string{}
	if f, ok := params["filters"].(map[string]any); ok {
		for k, v := range f {
			raw[k] = str(v)
		}
	}
	return c.resolver.ResolveFilters(ctx, raw)
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, str(it))
	}
	return out
}

func metricSlice(v any) []backend.Metric {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]backend.Metric, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, backend.Metric{Field: str(m["field"]), Op: str(m["op"])})
	}
	return out
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func intOr(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return def
	}
}

func floatOr(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return def
	}
}
