// Package safety estimates the cost of prospective tool calls and decides
// whether results are returned inline, deferred to an export job, or denied.
package safety

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/backend"
	"github.com/atlasbi/gateway/internal/registry"
)

// Recommendation is the safety verdict for one prospective call.
type Recommendation string

const (
	RecommendInline Recommendation = "inline"
	RecommendExport Recommendation = "export"
	RecommendDeny   Recommendation = "deny"
)

// Estimate is the cost estimate for one prospective tool call. Computed per
// call; never cached across calls with different parameters.
type Estimate struct {
	EstimatedRows    int64
	EstimatedSeconds float64
	Recommendation   Recommendation
}

// CostDeniedError reports a query estimated too large to run at all.
// Recovered locally; the model is told to narrow its filters.
type CostDeniedError struct {
	EstimatedRows int64
	ExportCap     int64
}

func (e *CostDeniedError) Error() string {
	return fmt.Sprintf("query denied: estimated %d rows exceeds the export cap of %d", e.EstimatedRows, e.ExportCap)
}

// Caps bound inline and export result sizes.
type Caps struct {
	InlineCap int64
	ExportCap int64
}

// DefaultCaps returns the standard thresholds.
func DefaultCaps() Caps {
	return Caps{InlineCap: 500, ExportCap: 10000}
}

// Controller computes cost estimates for prospective tool calls.
type Controller struct {
	backend backend.ReadBackend
	caps    Caps
	logger  *zap.Logger
}

// NewController creates a safety controller. The backend is used for the
// default count-only probe when a tool supplies no estimator of its own.
func NewController(rb backend.ReadBackend, caps Caps, logger *zap.Logger) *Controller {
	if caps.InlineCap <= 0 {
		caps.InlineCap = DefaultCaps().InlineCap
	}
	if caps.ExportCap <= 0 {
		caps.ExportCap = DefaultCaps().ExportCap
	}
	return &Controller{backend: rb, caps: caps, logger: logger}
}

// Caps returns the controller's configured thresholds.
func (c *Controller) Caps() Caps {
	return c.caps
}

// Estimate computes the cost estimate for one tool call. Estimator failures
// degrade to an export recommendation, never to inline and never to deny:
// a transient probe failure must not block a narrow query, but must not
// risk an unbounded inline return either.
//
// inlineCap may be overridden per workspace; pass 0 to use the default.
func (c *Controller) Estimate(ctx context.Context, identity *auth.Identity, desc *registry.Descriptor, params map[string]any, filters backend.Filters, entity string, inlineCap int64) *Estimate {
	if inlineCap <= 0 {
		inlineCap = c.caps.InlineCap
	}

	rows, err := c.probe(ctx, identity, desc, params, filters, entity)
	if err != nil {
		c.logger.Warn("cost probe failed, degrading to export",
			zap.String("tool", desc.Name),
			zap.Error(err),
		)
		return &Estimate{
			EstimatedRows:    -1,
			EstimatedSeconds: 0,
			Recommendation:   RecommendExport,
		}
	}

	est := &Estimate{
		EstimatedRows:    rows,
		EstimatedSeconds: estimateSeconds(rows, len(filters)),
	}
	switch {
	case rows <= inlineCap:
		est.Recommendation = RecommendInline
	case rows <= c.caps.ExportCap:
		est.Recommendation = RecommendExport
	default:
		est.Recommendation = RecommendDeny
	}
	return est
}

func (c *Controller) probe(ctx context.Context, identity *auth.Identity, desc *registry.Descriptor, params map[string]any, filters backend.Filters, entity string) (int64, error) {
	if desc.Estimate != nil {
		return desc.Estimate(ctx, identity, params)
	}
	if entity == "" {
		// No entity to probe: treat as a bounded call within the tool's
		// own row cap.
		return int64(desc.RowCap), nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.backend.Count(ctx, identity, entity, filters)
}

// estimateSeconds models execution time as linear in rows with a small
// per-filter surcharge. The constants mirror observed backend behavior.
func estimateSeconds(rows int64, filterCount int) float64 {
	base := 0.1 + float64(rows)*0.0005
	return base * (1 + float64(filterCount)*0.05)
}
