package router

import (
	"errors"
	"testing"

	"github.com/atlasbi/gateway/internal/provider"
)

// stubValidator treats a fixed set of tools as registered and valid.
type stubValidator struct {
	known   map[string]bool
	invalid map[string]bool
}

func (s *stubValidator) Has(name string) bool {
	return s.known[name]
}

func (s *stubValidator) Validate(name string, params map[string]any) (map[string]any, error) {
	if s.invalid[name] {
		return nil, errors.New("invalid params")
	}
	return params, nil
}

func newTestEscalator() *Escalator {
	return NewEscalator(&stubValidator{
		known:   map[string]bool{"count_records": true, "search_records": true},
		invalid: map[string]bool{},
	})
}

func goodResponse() *provider.ChatResponse {
	return &provider.ChatResponse{Text: `{"summary": "done"}`, StopReason: provider.StopEnd}
}

func TestShouldEscalate_CleanTurnDoesNot(t *testing.T) {
	e := newTestEscalator()
	should, reasons := e.ShouldEscalate(goodResponse(), []ToolOutcome{{Name: "count_records"}}, TierCheap)
	if should {
		t.Errorf("clean turn must not escalate, reasons %v", reasons)
	}
}

func TestShouldEscalate_PremiumNever(t *testing.T) {
	e := newTestEscalator()
	resp := &provider.ChatResponse{Text: "I'm not sure what you mean"}
	outcomes := []ToolOutcome{{Name: "count_records", Failed: true}}
	if should, _ := e.ShouldEscalate(resp, outcomes, TierPremium); should {
		t.Error("premium tier must never escalate")
	}
}

func TestShouldEscalate_EmptyResponse(t *testing.T) {
	e := newTestEscalator()
	should, reasons := e.ShouldEscalate(&provider.ChatResponse{Text: "  "}, nil, TierCheap)
	if !should {
		t.Fatal("empty response should escalate")
	}
	if !hasReason(reasons, "empty_response") {
		t.Errorf("expected empty_response reason, got %v", reasons)
	}
}

func TestShouldEscalate_ConfusionMarker(t *testing.T) {
	e := newTestEscalator()
	resp := &provider.ChatResponse{Text: "I'm not sure I can determine that from the data."}
	should, reasons := e.ShouldEscalate(resp, nil, TierStandard)
	if !should {
		t.Fatal("confusion marker should escalate")
	}
	if !hasReason(reasons, "confusion_marker") {
		t.Errorf("expected confusion_marker reason, got %v", reasons)
	}
}

func TestShouldEscalate_UnregisteredTool(t *testing.T) {
	e := newTestEscalator()
	resp := &provider.ChatResponse{
		Text:      "",
		ToolCalls: []provider.ToolCall{{ID: "1", Name: "drop_tables"}},
	}
	should, reasons := e.ShouldEscalate(resp, nil, TierCheap)
	if !should {
		t.Fatal("unregistered tool request should escalate")
	}
	if !hasReason(reasons, "unregistered_tool:drop_tables") {
		t.Errorf("expected unregistered_tool reason, got %v", reasons)
	}
}

func TestShouldEscalate_FailureRatio(t *testing.T) {
	e := newTestEscalator()
	outcomes := []ToolOutcome{
		{Name: "count_records", Failed: true},
		{Name: "count_records", Failed: true},
		{Name: "search_records"},
	}
	should, reasons := e.ShouldEscalate(goodResponse(), outcomes, TierCheap)
	if !should {
		t.Fatal("majority tool failure should escalate")
	}
	if !hasReason(reasons, "tool_failure_ratio") {
		t.Errorf("expected tool_failure_ratio reason, got %v", reasons)
	}
}

func TestShouldEscalate_ThrashThresholdByTier(t *testing.T) {
	e := newTestEscalator()
	// Not finished: the model is still asking for tools.
	resp := &provider.ChatResponse{
		ToolCalls: []provider.ToolCall{{ID: "1", Name: "count_records"}},
	}
	three := []ToolOutcome{{Name: "count_records"}, {Name: "count_records"}, {Name: "count_records"}}

	should, reasons := e.ShouldEscalate(resp, three, TierCheap)
	if !should || !hasReason(reasons, "tool_thrash") {
		t.Errorf("3 unfinished calls on cheap should thrash, got %v (%v)", should, reasons)
	}
	if should, _ := e.ShouldEscalate(resp, three, TierStandard); should {
		t.Error("3 unfinished calls on standard should not thrash")
	}
	six := append(three, three...)
	if should, reasons := e.ShouldEscalate(resp, six, TierStandard); !should || !hasReason(reasons, "tool_thrash") {
		t.Errorf("6 unfinished calls on standard should thrash, got %v (%v)", should, reasons)
	}
}

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
