package dimension

import (
	"context"
	"sort"
	"strings"
)

// Snapshot is an immutable view of the dimension configuration. A snapshot is
// taken per store refresh; administrative writes become visible to subsequent
// requests only, never mid-request.
type Snapshot struct {
	dimensions map[string]Dimension            // keyed by code
	synonyms   map[string]map[string][]string  // dimension -> lower(alias) -> canonicals
	tags       map[string][]TagPattern         // dimension -> vocabulary
	categories map[string]map[string]*CategoryNode // dimension -> lower(value|alias) -> node
	categoryNodes map[string]map[string]*CategoryNode // dimension -> value -> node (descendant walks)
	joins      map[string]map[string][]string  // dimension -> lower(value) -> owners
	order      []string                        // dimension codes in display order
}

// NewSnapshot assembles a snapshot from configuration rows.
func NewSnapshot(dims []Dimension, syns []Synonym, tags map[string][]TagPattern, categories map[string][]CategoryNode, joins []AttributeJoin) *Snapshot {
	s := &Snapshot{
		dimensions: map[string]Dimension{},
		synonyms:   map[string]map[string][]string{},
		tags:       map[string][]TagPattern{},
		categories: map[string]map[string]*CategoryNode{},
		joins:      map[string]map[string][]string{},
	}
	for _, d := range dims {
		s.dimensions[d.Code] = d
		s.order = append(s.order, d.Code)
	}
	sort.Strings(s.order)

	for _, syn := range syns {
		byAlias, ok := s.synonyms[syn.Dimension]
		if !ok {
			byAlias = map[string][]string{}
			s.synonyms[syn.Dimension] = byAlias
		}
		byAlias[strings.ToLower(syn.Alias)] = syn.Canonicals
	}

	for dim, patterns := range tags {
		s.tags[dim] = patterns
	}

	for dim, nodes := range categories {
		index := map[string]*CategoryNode{}
		byValue := map[string]*CategoryNode{}
		for i := range nodes {
			n := nodes[i]
			byValue[n.Value] = &n
		}
		for _, n := range byValue {
			if n.Parent != "" {
				if parent, ok := byValue[n.Parent]; ok {
					parent.Children = append(parent.Children, n.Value)
				}
			}
		}
		for _, n := range byValue {
			index[strings.ToLower(n.Value)] = n
			for _, alias := range n.Aliases {
				index[strings.ToLower(alias)] = n
			}
		}
		s.categories[dim] = index
		// keep byValue reachable through index for descendant walks
		s.categoryValues(dim, byValue)
	}

	for _, j := range joins {
		byValue, ok := s.joins[j.Dimension]
		if !ok {
			byValue = map[string][]string{}
			s.joins[j.Dimension] = byValue
		}
		byValue[strings.ToLower(j.Value)] = j.Owners
	}
	return s
}

// categoryValues stores the value-keyed node map used for descendant walks.
func (s *Snapshot) categoryValues(dim string, byValue map[string]*CategoryNode) {
	if s.categoryNodes == nil {
		s.categoryNodes = map[string]map[string]*CategoryNode{}
	}
	s.categoryNodes[dim] = byValue
}

// Dimension returns the dimension for a code, if configured.
func (s *Snapshot) Dimension(code string) (Dimension, bool) {
	d, ok := s.dimensions[code]
	return d, ok
}

// LookupSynonym resolves an alias for a dimension, case-insensitively.
func (s *Snapshot) LookupSynonym(dimension, alias string) ([]string, bool) {
	byAlias, ok := s.synonyms[dimension]
	if !ok {
		return nil, false
	}
	canonicals, ok := byAlias[strings.ToLower(strings.TrimSpace(alias))]
	return canonicals, ok
}

// TagVocabulary returns the controlled tag vocabulary for a dimension.
func (s *Snapshot) TagVocabulary(dimension string) []TagPattern {
	return s.tags[dimension]
}

// CategoryWithDescendants resolves a value to a category node plus all its
// descendants. Returns nil if the value names no known node.
func (s *Snapshot) CategoryWithDescendants(dimension, value string) []string {
	index, ok := s.categories[dimension]
	if !ok {
		return nil
	}
	node, ok := index[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return nil
	}
	byValue := s.categoryNodes[dimension]
	var out []string
	seen := map[string]bool{}
	var walk func(v string)
	walk = func(v string) {
		if seen[v] {
			// A misconfigured parent cycle must not hang the walk.
			return
		}
		seen[v] = true
		out = append(out, v)
		n, ok := byValue[v]
		if !ok {
			return
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(node.Value)
	return out
}

// JoinOwners resolves an attribute value to its owning-entity values.
func (s *Snapshot) JoinOwners(dimension, value string) []string {
	byValue, ok := s.joins[dimension]
	if !ok {
		return nil
	}
	return byValue[strings.ToLower(strings.TrimSpace(value))]
}

// ContextBlock renders the dimension vocabulary injected into the model's
// system prompt. Only dimensions flagged for inclusion appear.
func (s *Snapshot) ContextBlock() string {
	var b strings.Builder
	b.WriteString("DIMENSION DICTIONARY:\n")
	for _, code := range s.order {
		d := s.dimensions[code]
		if !d.IncludeInContext {
			continue
		}
		b.WriteString("- ")
		b.WriteString(d.Name)
		b.WriteString(" (")
		b.WriteString(d.Code)
		b.WriteString(")")
		if len(d.Examples) > 0 {
			b.WriteString(" e.g. ")
			b.WriteString(strings.Join(d.Examples, ", "))
		}
		b.WriteString("\n")
		byAlias := s.synonyms[code]
		if len(byAlias) > 0 {
			aliases := make([]string, 0, len(byAlias))
			for alias := range byAlias {
				aliases = append(aliases, alias)
			}
			sort.Strings(aliases)
			var pairs []string
			for _, alias := range aliases {
				pairs = append(pairs, alias+" => "+strings.Join(byAlias[alias], "|"))
			}
			b.WriteString("  synonyms: ")
			b.WriteString(strings.Join(pairs, ", "))
			b.WriteString("\n")
		}
	}
	b.WriteString("Resolve synonyms case-insensitively and prefer canonical values in tool filters.\n")
	return b.String()
}

// Store provides dimension configuration snapshots.
type Store interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}
