package router

import (
	"strings"

	"github.com/atlasbi/gateway/internal/provider"
)

// ToolValidator exposes the parts of the tool registry the escalation check
// needs: existence and parameter validity. Satisfied by registry.Registry.
type ToolValidator interface {
	Has(name string) bool
	Validate(name string, params map[string]any) (map[string]any, error)
}

// ToolOutcome summarizes one executed tool call for escalation scoring.
type ToolOutcome struct {
	Name   string
	Failed bool
}

// confusionMarkers are assistant phrasings that indicate the model lost the
// thread. Matched case-insensitively against the response text.
var confusionMarkers = []string{
	"i'm not sure",
	"i am not sure",
	"i cannot determine",
	"i don't understand",
	"unable to answer",
	"as an ai",
	"i apologize, but i",
}

// thrash thresholds: a cheap model flailing through this many tool calls
// without finishing is a stronger signal than the same count on standard.
const (
	thrashCheap    = 3
	thrashStandard = 6
)

// Escalator decides whether a finished round trip warrants one retry on a
// higher tier. Escalation happens at most once per turn and never from
// premium; the caller enforces the once-per-turn part.
type Escalator struct {
	validator ToolValidator
}

// NewEscalator creates an escalation evaluator.
func NewEscalator(validator ToolValidator) *Escalator {
	return &Escalator{validator: validator}
}

// ShouldEscalate scores the response and the turn's tool outcomes. The
// returned reasons are recorded in the answer metadata and audit trail.
func (e *Escalator) ShouldEscalate(resp *provider.ChatResponse, outcomes []ToolOutcome, current Tier) (bool, []string) {
	if current == TierPremium {
		return false, nil
	}

	var reasons []string

	if resp != nil {
		if strings.TrimSpace(resp.Text) == "" && len(resp.ToolCalls) == 0 {
			reasons = append(reasons, "empty_response")
		}
		lower := strings.ToLower(resp.Text)
		for _, marker := range confusionMarkers {
			if strings.Contains(lower, marker) {
				reasons = append(reasons, "confusion_marker")
				break
			}
		}
		for _, call := range resp.ToolCalls {
			if !e.validator.Has(call.Name) {
				reasons = append(reasons, "unregistered_tool:"+call.Name)
				continue
			}
			if _, err := e.validator.Validate(call.Name, call.Arguments); err != nil {
				reasons = append(reasons, "invalid_params:"+call.Name)
			}
		}
	}

	if len(outcomes) > 0 {
		failed := 0
		for _, o := range outcomes {
			if o.Failed {
				failed++
			}
		}
		if failed*2 > len(outcomes) {
			reasons = append(reasons, "tool_failure_ratio")
		}
	}

	thrash := thrashStandard
	if current == TierCheap {
		thrash = thrashCheap
	}
	if len(outcomes) >= thrash && !finished(resp) {
		reasons = append(reasons, "tool_thrash")
	}

	return len(reasons) > 0, reasons
}

// finished reports whether the response looks like a final answer rather
// than another tool request.
func finished(resp *provider.ChatResponse) bool {
	return resp != nil && len(resp.ToolCalls) == 0 && strings.TrimSpace(resp.Text) != ""
}
