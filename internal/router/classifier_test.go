package router

import "testing"

func TestClassify_NoSignalsRoutesCheap(t *testing.T) {
	c := NewClassifier(DefaultSignalTable())
	got := c.Classify("hello there", 0)
	if got.Tier != TierCheap {
		t.Errorf("expected cheap, got %s", got.Tier)
	}
}

func TestClassify_TwoStandardSignalsRouteStandard(t *testing.T) {
	c := NewClassifier(DefaultSignalTable())
	// aggregation ("total") + grouping ("by region") fire two standard signals.
	got := c.Classify("what is the total revenue by region", 0)
	if got.Tier != TierStandard {
		t.Errorf("expected standard, got %s (signals %v)", got.Tier, got.Signals)
	}
	if len(got.Signals) < 2 {
		t.Errorf("expected at least 2 fired signals, got %v", got.Signals)
	}
}

func TestClassify_DomainKeywordsReachAtLeastStandard(t *testing.T) {
	c := NewClassifier(DefaultSignalTable())
	got := c.Classify("sum the average count per store breakdown for last month", 0)
	if got.Tier == TierCheap {
		t.Errorf("message with several domain keywords must not route cheap, got %s", got.Tier)
	}
}

func TestClassify_ThreeDomainsRouteAtLeastStandard(t *testing.T) {
	c := NewClassifier(DefaultSignalTable())
	got := c.Classify("how do sales and stock relate to margin", 0)
	if got.Tier == TierCheap {
		t.Errorf("three business domains must not route cheap, got %s (signals %v)", got.Tier, got.Signals)
	}
	// Two domains alone stay under the threshold.
	if got := c.Classify("show me sales and stock", 0); got.Tier != TierCheap {
		t.Errorf("two domains alone should route cheap, got %s (signals %v)", got.Tier, got.Signals)
	}
}

func TestBucket_SignalWeightCountsTowardThreshold(t *testing.T) {
	b := Bucket{
		Threshold: 2,
		Signals: []Signal{
			{Name: "heavy", Keywords: []string{"alpha"}, Weight: 2},
			{Name: "light", Keywords: []string{"beta"}},
		},
	}
	if ok, _ := b.matches("alpha only", 0); !ok {
		t.Error("a weight-2 signal alone must satisfy a threshold of 2")
	}
	if ok, _ := b.matches("beta only", 0); ok {
		t.Error("a weight-1 signal alone must not satisfy a threshold of 2")
	}
}

func TestClassify_PremiumBucketWinsOverStandard(t *testing.T) {
	c := NewClassifier(DefaultSignalTable())
	got := c.Classify("forecast the trend and flag any anomaly or outlier in the total by region", 0)
	if got.Tier != TierPremium {
		t.Errorf("expected premium, got %s (signals %v)", got.Tier, got.Signals)
	}
}

func TestClassify_HistoryLengthSignal(t *testing.T) {
	table := SignalTable{
		Premium: Bucket{
			Threshold: 2,
			Signals: []Signal{
				{Name: "long_conversation", MinHistory: 12},
				{Name: "forecasting", Keywords: []string{"forecast"}},
			},
		},
	}
	c := NewClassifier(table)

	if got := c.Classify("forecast revenue", 2); got.Tier == TierPremium {
		t.Error("short conversation should not fire the history signal")
	}
	if got := c.Classify("forecast revenue", 15); got.Tier != TierPremium {
		t.Errorf("long conversation plus keyword should route premium, got %s", got.Tier)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := NewClassifier(DefaultSignalTable())
	msg := "compare total sales versus last month by region"
	first := c.Classify(msg, 4)
	for i := 0; i < 10; i++ {
		if got := c.Classify(msg, 4); got.Tier != first.Tier {
			t.Fatalf("classification must be deterministic: %s then %s", first.Tier, got.Tier)
		}
	}
}

func TestSignal_MinKeywords(t *testing.T) {
	s := Signal{Name: "multi", Keywords: []string{"then", "after that", "step by step"}, MinKeywords: 2}
	if s.fires("first do this then that", 0) {
		t.Error("one keyword should not satisfy min_keywords 2")
	}
	if !s.fires("do this then, after that do more", 0) {
		t.Error("two keywords should fire")
	}
}
