package router

import "testing"

func testRecords() []Record {
	return []Record{
		{Name: "cheap-a", Tier: TierCheap, Priority: 10, Active: true, Provider: "p", Model: "small"},
		{Name: "standard-a", Tier: TierStandard, Priority: 20, Active: true, EscalationEligible: true, Provider: "p", Model: "medium"},
		{Name: "premium-a", Tier: TierPremium, Priority: 30, Active: true, EscalationEligible: true, Provider: "p", Model: "large"},
		{Name: "inactive", Tier: TierPremium, Priority: 5, Active: false, Provider: "p", Model: "old"},
	}
}

func TestSelect_ExactTier(t *testing.T) {
	s := NewSelector(testRecords())
	if got := s.Select(TierStandard); got.Name != "standard-a" {
		t.Errorf("expected standard-a, got %s", got.Name)
	}
}

func TestSelect_IgnoresInactive(t *testing.T) {
	s := NewSelector(testRecords())
	if got := s.Select(TierPremium); got.Name != "premium-a" {
		t.Errorf("inactive record must not be selected, got %s", got.Name)
	}
}

func TestSelect_MissingTierStepsOneUp(t *testing.T) {
	s := NewSelector([]Record{
		{Name: "standard-only", Tier: TierStandard, Priority: 1, Active: true},
	})
	if got := s.Select(TierCheap); got.Name != "standard-only" {
		t.Errorf("a missing cheap tier borrows from standard, got %s", got.Name)
	}
	if got := s.Select(TierStandard); got.Name != "standard-only" {
		t.Errorf("expected the exact-tier record, got %s", got.Name)
	}
}

func TestSelect_NeverSubstitutesLowerTier(t *testing.T) {
	s := NewSelector([]Record{
		{Name: "cheap-only", Tier: TierCheap, Priority: 1, Active: true},
	})
	got := s.Select(TierPremium)
	if got.Name == "cheap-only" {
		t.Fatal("a premium request must never be served by a cheap record")
	}
	if got.Name != DefaultRecord().Name {
		t.Errorf("expected the built-in default, got %s", got.Name)
	}

	// Standard skips cheap too and goes to premium, then the default.
	s = NewSelector([]Record{
		{Name: "cheap-only", Tier: TierCheap, Priority: 1, Active: true},
		{Name: "premium-only", Tier: TierPremium, Priority: 2, Active: true},
	})
	if got := s.Select(TierStandard); got.Name != "premium-only" {
		t.Errorf("a missing standard tier borrows from premium, got %s", got.Name)
	}
}

func TestSelect_NeverFails(t *testing.T) {
	s := NewSelector(nil)
	got := s.Select(TierPremium)
	if got.Name == "" {
		t.Error("selection must always return a record")
	}
	if !got.Active {
		t.Error("the built-in default must be active")
	}
}

func TestSelectEscalated_OneStepUp(t *testing.T) {
	s := NewSelector(testRecords())
	rec, ok := s.SelectEscalated(TierCheap)
	if !ok {
		t.Fatal("expected escalation from cheap")
	}
	if rec.Tier != TierStandard {
		t.Errorf("expected one step to standard, got %s", rec.Tier)
	}
}

func TestSelectEscalated_PremiumNeverEscalates(t *testing.T) {
	s := NewSelector(testRecords())
	if _, ok := s.SelectEscalated(TierPremium); ok {
		t.Error("premium must never escalate")
	}
}

func TestSelectEscalated_RequiresEligibleRecord(t *testing.T) {
	s := NewSelector([]Record{
		{Name: "cheap-a", Tier: TierCheap, Priority: 1, Active: true},
		{Name: "standard-locked", Tier: TierStandard, Priority: 2, Active: true, EscalationEligible: false},
	})
	if _, ok := s.SelectEscalated(TierCheap); ok {
		t.Error("escalation requires an escalation-eligible record above")
	}
}
