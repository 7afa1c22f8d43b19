// Package budget enforces per-identity and per-workspace rolling usage
// limits: request counts and consumed token units, per hour and per day.
package budget

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Limits bound one scope's usage. Zero means unlimited.
type Limits struct {
	RequestsPerHour   int64 `yaml:"requests_per_hour"`
	RequestsPerDay    int64 `yaml:"requests_per_day"`
	TokenUnitsPerHour int64 `yaml:"token_units_per_hour"`
	TokenUnitsPerDay  int64 `yaml:"token_units_per_day"`
}

// Config holds budget limits, resolved identity override first, then
// workspace default, then global default.
type Config struct {
	Global     Limits            `yaml:"global"`
	Workspaces map[string]Limits `yaml:"workspaces"`
	Identities map[string]Limits `yaml:"identities"`
}

// ExceededError reports a budget limit that has been reached. Recovered
// locally and surfaced to the end user as a clear throttle message.
type ExceededError struct {
	Scope  string // "identity" or "workspace" or "global"
	Window string // "hour" or "day"
	Kind   string // "requests" or "token_units"
	Limit  int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s %s limit of %d per %s", e.Scope, e.Kind, e.Limit, e.Window)
}

// CounterStore provides atomic rolling counters. Implementations must make
// IncrCheck atomic so concurrent loops sharing an identity cannot overrun a
// limit via a race.
type CounterStore interface {
	// IncrCheck atomically increments the counter and checks it against the
	// limit. If the incremented value exceeds the limit, the increment is
	// rolled back and ok is false.
	IncrCheck(ctx context.Context, key string, window time.Duration, limit int64) (ok bool, err error)
	// Add records consumption (token units) without a limit check.
	Add(ctx context.Context, key string, n int64, window time.Duration) error
	// Get reads the current counter value. Zero if absent.
	Get(ctx context.Context, key string) (int64, error)
}

// Controller resolves limits and enforces them against a counter store.
type Controller struct {
	store  CounterStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewController creates a budget controller.
func NewController(store CounterStore, cfg Config, logger *zap.Logger) *Controller {
	return &Controller{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// resolve returns the limits and scope label for an identity/workspace pair.
func (c *Controller) resolve(identityID, workspaceCode string) (Limits, string) {
	if l, ok := c.cfg.Identities[identityID]; ok {
		return l, "identity"
	}
	if l, ok := c.cfg.Workspaces[workspaceCode]; ok {
		return l, "workspace"
	}
	return c.cfg.Global, "global"
}

// Allow checks and consumes one request slot in the hourly and daily windows.
// Rejections do not consume: an increment that trips a limit is rolled back
// by the store, and earlier windows checked in the same call are compensated.
func (c *Controller) Allow(ctx context.Context, identityID, workspaceCode string) error {
	limits, scope := c.resolve(identityID, workspaceCode)

	type window struct {
		name  string
		limit int64
		dur   time.Duration
	}
	windows := []window{
		{"hour", limits.RequestsPerHour, time.Hour},
		{"day", limits.RequestsPerDay, 24 * time.Hour},
	}

	type taken struct {
		key string
		dur time.Duration
	}
	var accepted []taken
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		key := c.requestKey(identityID, w.name)
		ok, err := c.store.IncrCheck(ctx, key, w.dur, w.limit)
		if err != nil {
			// A broken counter store must not take the gateway down;
			// log and let the request through.
			c.logger.Warn("budget counter unavailable, allowing request",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if !ok {
			// Compensate each accepted window with its own duration.
			for _, a := range accepted {
				_ = c.store.Add(ctx, a.key, -1, a.dur)
			}
			return &ExceededError{Scope: scope, Window: w.name, Kind: "requests", Limit: w.limit}
		}
		accepted = append(accepted, taken{key: key, dur: w.dur})
	}
	return nil
}

// Consume records token-unit usage after a completed turn. Consumption
// checks are advisory at the next Allow; partially consumed budget is never
// refunded.
func (c *Controller) Consume(ctx context.Context, identityID string, tokenUnits int64) {
	if tokenUnits <= 0 {
		return
	}
	for _, w := range []struct {
		name string
		dur  time.Duration
	}{{"hour", time.Hour}, {"day", 24 * time.Hour}} {
		key := c.tokenKey(identityID, w.name)
		if err := c.store.Add(ctx, key, tokenUnits, w.dur); err != nil {
			c.logger.Warn("token consumption recording failed",
				zap.String("key", key), zap.Error(err))
		}
	}
}

// CheckTokens verifies the identity's token-unit counters are under limits.
// Called at turn entry alongside Allow.
func (c *Controller) CheckTokens(ctx context.Context, identityID, workspaceCode string) error {
	limits, scope := c.resolve(identityID, workspaceCode)
	checks := []struct {
		name  string
		limit int64
	}{
		{"hour", limits.TokenUnitsPerHour},
		{"day", limits.TokenUnitsPerDay},
	}
	for _, w := range checks {
		if w.limit <= 0 {
			continue
		}
		used, err := c.store.Get(ctx, c.tokenKey(identityID, w.name))
		if err != nil {
			c.logger.Warn("token counter unavailable", zap.Error(err))
			continue
		}
		if used >= w.limit {
			return &ExceededError{Scope: scope, Window: w.name, Kind: "token_units", Limit: w.limit}
		}
	}
	return nil
}

// requestKey buckets counters by wall-clock window so entries expire with
// their window.
func (c *Controller) requestKey(identityID, window string) string {
	return "budget:req:" + identityID + ":" + window + ":" + c.bucket(window)
}

func (c *Controller) tokenKey(identityID, window string) string {
	return "budget:tok:" + identityID + ":" + window + ":" + c.bucket(window)
}

func (c *Controller) bucket(window string) string {
	t := c.now().UTC()
	if window == "day" {
		return t.Format("20060102")
	}
	return t.Format("2006010215")
}
