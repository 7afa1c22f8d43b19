package dimension

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testSnapshot() *Snapshot {
	dims := []Dimension{
		{Code: "season", Name: "Season", Source: SourceTagPattern, IncludeInContext: true},
		{Code: "region", Name: "Region", Source: SourceDirect, IncludeInContext: true},
		{Code: "category", Name: "Category", Source: SourceCategory},
		{Code: "row_index", Name: "Row index", Source: SourceDirect, IndexOnly: true, GroupKeyDimension: "region"},
		{Code: "material", Name: "Material", Source: SourceAttributeJoin},
	}
	syns := []Synonym{
		{Dimension: "season", Alias: "fw25", Canonicals: []string{"19FW25", "20FW25"}},
		{Dimension: "region", Alias: "emea", Canonicals: []string{"EMEA"}},
	}
	tags := map[string][]TagPattern{
		"season": {
			{Canonical: "19FW25", Pattern: "FW25", Match: MatchContains},
			{Canonical: "21SS26", Pattern: "SS26", Match: MatchContains},
		},
	}
	categories := map[string][]CategoryNode{
		"category": {
			{Value: "Apparel"},
			{Value: "Outerwear", Parent: "Apparel"},
			{Value: "Jackets", Parent: "Outerwear", Aliases: []string{"jkt"}},
		},
	}
	joins := []AttributeJoin{
		{Dimension: "material", Value: "wool", Owners: []string{"SKU-100", "SKU-200"}},
	}
	return NewSnapshot(dims, syns, tags, categories, joins)
}

func newTestResolver() *Resolver {
	return NewResolver(NewStaticStore(testSnapshot()), zap.NewNop())
}

func TestResolveFilters_SynonymExpandsToAllCanonicals(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{"season": "fw25"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	vals := got["season"]
	if len(vals) != 2 || vals[0] != "19FW25" || vals[1] != "20FW25" {
		t.Errorf("expected [19FW25 20FW25], got %v", vals)
	}
}

func TestResolveFilters_SynonymCaseInsensitive(t *testing.T) {
	r := newTestResolver()
	for _, alias := range []string{"fw25", "FW25", "Fw25"} {
		got, err := r.ResolveFilters(context.Background(), map[string]string{"season": alias})
		if err != nil {
			t.Fatalf("resolve %q failed: %v", alias, err)
		}
		if len(got["season"]) != 2 {
			t.Errorf("alias %q: expected 2 canonicals, got %v", alias, got["season"])
		}
	}
}

func TestResolveFilters_Idempotent(t *testing.T) {
	r := newTestResolver()
	first, err := r.ResolveFilters(context.Background(), map[string]string{"region": "emea"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	// Resolving the canonical output again must not change it.
	second, err := r.ResolveFilters(context.Background(), map[string]string{"region": first["region"][0]})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if second["region"][0] != first["region"][0] {
		t.Errorf("resolution not idempotent: %v then %v", first["region"], second["region"])
	}
}

func TestResolveFilters_UnknownDimensionDropped(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{
		"region":  "emea",
		"made_up": "whatever",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, present := got["made_up"]; present {
		t.Error("unknown dimension must be dropped, not passed through")
	}
	if len(got["region"]) == 0 {
		t.Error("known dimension must survive alongside a dropped one")
	}
}

func TestResolveFilters_IndexOnlyDroppedWithoutGroupKey(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{"row_index": "3"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, present := got["row_index"]; present {
		t.Error("index-only dimension without pinned group key must be dropped")
	}
}

func TestResolveFilters_IndexOnlyKeptWithGroupKey(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{
		"row_index": "3",
		"region":    "emea",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, present := got["row_index"]; !present {
		t.Error("index-only dimension with pinned group key must be kept")
	}
}

func TestResolveFilters_TagPatternMatch(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{"season": "ss26"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(got["season"]) != 1 || got["season"][0] != "21SS26" {
		t.Errorf("expected [21SS26], got %v", got["season"])
	}
}

func TestResolveFilters_CategoryExpandsDescendants(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{"category": "apparel"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(got["category"]) != 3 {
		t.Errorf("expected Apparel plus 2 descendants, got %v", got["category"])
	}
}

func TestResolveFilters_CategoryAlias(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{"category": "jkt"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(got["category"]) != 1 || got["category"][0] != "Jackets" {
		t.Errorf("expected [Jackets], got %v", got["category"])
	}
}

func TestResolveFilters_AttributeJoinResolvesOwners(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{"material": "wool"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(got["material"]) != 2 {
		t.Errorf("expected 2 owners, got %v", got["material"])
	}
}

func TestResolveFilters_UnmatchedValuePassesThrough(t *testing.T) {
	r := newTestResolver()
	got, err := r.ResolveFilters(context.Background(), map[string]string{"region": "APAC"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(got["region"]) != 1 || got["region"][0] != "APAC" {
		t.Errorf("expected passthrough [APAC], got %v", got["region"])
	}
}

func TestContextBlock_OnlyIncludedDimensions(t *testing.T) {
	snap := testSnapshot()
	block := snap.ContextBlock()
	if block == "" {
		t.Fatal("expected non-empty context block")
	}
	if !strings.Contains(block, "season") || !strings.Contains(block, "region") {
		t.Errorf("context block missing included dimensions: %q", block)
	}
	if strings.Contains(block, "row_index") {
		t.Errorf("index-only dimension leaked into context block: %q", block)
	}
}

func TestCategoryWithDescendants_ParentCycleTerminates(t *testing.T) {
	categories := map[string][]CategoryNode{
		"category": {
			{Value: "A", Parent: "B"},
			{Value: "B", Parent: "A"},
		},
	}
	snap := NewSnapshot(
		[]Dimension{{Code: "category", Name: "Category", Source: SourceCategory}},
		nil, nil, categories, nil,
	)
	got := snap.CategoryWithDescendants("category", "A")
	if len(got) != 2 {
		t.Fatalf("each node must appear exactly once, got %v", got)
	}
}
