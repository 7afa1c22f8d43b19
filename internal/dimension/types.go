// Package dimension turns fuzzy user vocabulary (synonyms, codes, date-range
// shorthand) into canonical filter predicates the backend understands.
package dimension

import "strings"

// SourceType names the resolution strategy for a dimension.
type SourceType string

const (
	// SourceDirect uses the value verbatim as an equality/IN filter.
	SourceDirect SourceType = "direct"
	// SourceTagPattern matches the value against a controlled vocabulary of
	// tag codes by case-insensitive substring containment.
	SourceTagPattern SourceType = "tag_pattern"
	// SourceCategory resolves the value to a category node plus all
	// descendant nodes.
	SourceCategory SourceType = "category"
	// SourceAttributeJoin resolves the value through a join table mapping
	// attribute values to the owning entity.
	SourceAttributeJoin SourceType = "attribute_join"
)

// Dimension is one named semantic filtering axis. Owned by configuration;
// read by the resolver on every request.
type Dimension struct {
	Code             string     `yaml:"code"`
	Name             string     `yaml:"name"`
	Source           SourceType `yaml:"source"`
	Examples         []string   `yaml:"examples"`
	IncludeInContext bool       `yaml:"include_in_context"`

	// IndexOnly marks a canonical axis whose values have no global meaning:
	// they are only interpretable within a specific grouping key. Value
	// lookups against such a dimension are refused unless GroupKeyDimension
	// is pinned in the same filter set.
	IndexOnly         bool   `yaml:"index_only"`
	GroupKeyDimension string `yaml:"group_key_dimension"`
}

// Synonym maps one user-facing alias to one or more canonical values.
// Lookup is case-insensitive; (dimension, alias) is unique within a scope.
type Synonym struct {
	Dimension  string   `yaml:"dimension"`
	Alias      string   `yaml:"alias"`
	Canonicals []string `yaml:"canonicals"`
}

// MatchType is how a tag pattern matches a candidate value.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchPrefix   MatchType = "prefix"
	MatchContains MatchType = "contains"
)

// TagPattern is one entry of a controlled tag vocabulary. Patterns come from
// configuration, never from user input; regex is deliberately not supported.
type TagPattern struct {
	Canonical string    `yaml:"canonical"`
	Pattern   string    `yaml:"pattern"`
	Match     MatchType `yaml:"match"`
}

// Matches reports whether the pattern matches the value, case-insensitively.
func (p TagPattern) Matches(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	pat := strings.ToLower(p.Pattern)
	switch p.Match {
	case MatchExact:
		return v == pat
	case MatchPrefix:
		return strings.HasPrefix(v, pat)
	default:
		return strings.Contains(v, pat) || strings.Contains(pat, v)
	}
}

// CategoryNode is one node of a category hierarchy.
type CategoryNode struct {
	Value    string   `yaml:"value"`
	Parent   string   `yaml:"parent"`
	Aliases  []string `yaml:"aliases"`
	Children []string `yaml:"-"`
}

// AttributeJoin maps an attribute value to the owning-entity values it
// selects.
type AttributeJoin struct {
	Dimension string   `yaml:"dimension"`
	Value     string   `yaml:"value"`
	Owners    []string `yaml:"owners"`
}
