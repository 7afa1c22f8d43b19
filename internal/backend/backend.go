// Package backend defines the narrow interfaces through which the gateway
// consumes the permissioned data store. Query planning, row-level security,
// and execution belong to an external collaborator; the gateway
// never builds SQL and never elevates beyond the caller's identity.
package backend

import (
	"context"
	"errors"

	"github.com/atlasbi/gateway/internal/auth"
)

// Filters maps a canonical field or dimension code to the set of values it
// must match. Values within one key are OR'd; keys are AND'd.
type Filters map[string][]string

// Clone returns a deep copy of the filter set.
func (f Filters) Clone() Filters {
	out := make(Filters, len(f))
	for k, v := range f {
		vals := make([]string, len(v))
		copy(vals, v)
		out[k] = vals
	}
	return out
}

// Metric names an aggregation over a field.
type Metric struct {
	Field string
	Op    string // sum, avg, count, count_distinct, min, max
}

// Row is one result row keyed by field or metric alias.
type Row map[string]any

// ErrUnavailable indicates the backend could not be reached. Cost estimation
// degrades to an export recommendation on this error, never to deny.
var ErrUnavailable = errors.New("backend unavailable")

// ReadBackend is the capability-scoped read-only query interface. The
// implementation must honor the identity's authorization scope itself.
type ReadBackend interface {
	Count(ctx context.Context, identity *auth.Identity, entity string, filters Filters) (int64, error)
	Aggregate(ctx context.Context, identity *auth.Identity, entity string, filters Filters, groupBy []string, metrics []Metric, limit int) ([]Row, error)
	Search(ctx context.Context, identity *auth.Identity, entity string, filters Filters, fields []string, limit int) ([]Row, error)
}

// MutationBackend creates downstream business records from executed
// proposals. Records are always created in their least-committed form
// (draft/unconfirmed); the gateway never advances them further.
type MutationBackend interface {
	CreateDraft(ctx context.Context, identity *auth.Identity, kind string, payload map[string]any) (recordRef string, err error)
}
