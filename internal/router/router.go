// Package router picks the model tier for each turn. Classification is
// deterministic keyword scoring, never a model call: routing must cost
// nothing and be reproducible for the same input.
package router

import (
	"sort"
	"strings"
)

// Tier orders model capability classes.
type Tier string

const (
	TierCheap    Tier = "cheap"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// rank orders tiers for comparison and one-step escalation.
func (t Tier) rank() int {
	switch t {
	case TierStandard:
		return 1
	case TierPremium:
		return 2
	default:
		return 0
	}
}

// Next returns the tier one step up. Premium has no next tier.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierCheap:
		return TierStandard, true
	case TierStandard:
		return TierPremium, true
	default:
		return t, false
	}
}

// Record binds a tier to a concrete provider/model pair. Records are
// configuration, so an operator can repoint a tier without a deploy.
type Record struct {
	Name               string `yaml:"name"`
	Tier               Tier   `yaml:"tier"`
	Priority           int    `yaml:"priority"`
	Active             bool   `yaml:"active"`
	EscalationEligible bool   `yaml:"escalation_eligible"`
	MaxToolCalls       int    `yaml:"max_tool_calls"`
	Provider           string `yaml:"provider"`
	Model              string `yaml:"model"`
}

// Selector resolves a tier to an active record. Selection never fails: a
// tier with no active record borrows from one tier up, never from below, and
// as a last resort returns a built-in default so a misconfigured table
// cannot block turns.
type Selector struct {
	records []Record
	def     Record
}

// DefaultRecord is the guaranteed fallback when no configured record matches.
func DefaultRecord() Record {
	return Record{
		Name:         "builtin-standard",
		Tier:         TierStandard,
		Active:       true,
		MaxToolCalls: 8,
		Provider:     "scripted",
		Model:        "default",
	}
}

// NewSelector creates a selector over the configured records.
func NewSelector(records []Record) *Selector {
	sorted := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Active {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Selector{records: sorted, def: DefaultRecord()}
}

// Select returns the lowest-priority active record at exactly the requested
// tier. When the tier has no active record it steps one tier up, then falls
// to the built-in default. It never substitutes a lower tier: a request
// classified as complex must not be quietly served by a weaker model.
func (s *Selector) Select(tier Tier) Record {
	if r, ok := s.at(tier); ok {
		return r
	}
	if next, ok := tier.Next(); ok {
		if r, ok := s.at(next); ok {
			return r
		}
	}
	return s.def
}

func (s *Selector) at(tier Tier) (Record, bool) {
	for _, r := range s.records {
		if r.Tier == tier {
			return r, true
		}
	}
	return Record{}, false
}

// SelectEscalated returns the record for one tier above current, restricted
// to escalation-eligible records. ok is false when no escalation is
// possible (already premium, or nothing eligible above).
func (s *Selector) SelectEscalated(current Tier) (Record, bool) {
	next, ok := current.Next()
	if !ok {
		return Record{}, false
	}
	for _, r := range s.records {
		if r.Tier.rank() >= next.rank() && r.EscalationEligible {
			return r, true
		}
	}
	return Record{}, false
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
