package dimension

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PostgresStore loads dimension configuration from Postgres and serves an
// immutable snapshot per cache window. Administrative writes become visible
// only when the snapshot expires; a request always sees one consistent view.
type PostgresStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	snapshot *Snapshot
	loadedAt time.Time
}

// PostgresStoreConfig configures the PostgresStore.
type PostgresStoreConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(cfg PostgresStoreConfig) *PostgresStore {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PostgresStore{db: cfg.DB, ttl: ttl, logger: cfg.Logger}
}

func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil && time.Since(s.loadedAt) < s.ttl {
		return s.snapshot, nil
	}
	snap, err := s.load(ctx)
	if err != nil {
		if s.snapshot != nil {
			// Serve the stale snapshot rather than failing the request.
			s.logger.Warn("dimension snapshot refresh failed, serving stale", zap.Error(err))
			return s.snapshot, nil
		}
		return nil, fmt.Errorf("Snapshot: %w", err)
	}
	s.snapshot = snap
	s.loadedAt = time.Now()
	return snap, nil
}

func (s *PostgresStore) load(ctx context.Context) (*Snapshot, error) {
	dims, err := s.loadDimensions(ctx)
	if err != nil {
		return nil, err
	}
	syns, err := s.loadSynonyms(ctx)
	if err != nil {
		return nil, err
	}
	tags, err := s.loadTagPatterns(ctx)
	if err != nil {
		return nil, err
	}
	categories, err := s.loadCategories(ctx)
	if err != nil {
		return nil, err
	}
	joins, err := s.loadJoins(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(dims, syns, tags, categories, joins), nil
}

func (s *PostgresStore) loadDimensions(ctx context.Context) ([]Dimension, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, source, examples, include_in_context,
		       index_only, group_key_dimension
		FROM dimensions
		WHERE is_active
		ORDER BY sequence, code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dimension
	for rows.Next() {
		var d Dimension
		var examples sql.NullString
		var groupKey sql.NullString
		if err := rows.Scan(&d.Code, &d.Name, &d.Source, &examples, &d.IncludeInContext, &d.IndexOnly, &groupKey); err != nil {
			return nil, err
		}
		if examples.Valid && examples.String != "" {
			d.Examples = strings.Split(examples.String, ",")
		}
		if groupKey.Valid {
			d.GroupKeyDimension = groupKey.String
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadSynonyms(ctx context.Context) ([]Synonym, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dimension_code, alias, canonical_value
		FROM dimension_synonyms
		WHERE is_active
		ORDER BY priority, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Many rows per (dimension, alias) collapse into one Synonym with
	// multiple canonicals, preserving priority order.
	byKey := map[string]*Synonym{}
	var order []string
	for rows.Next() {
		var dim, alias, canonical string
		if err := rows.Scan(&dim, &alias, &canonical); err != nil {
			return nil, err
		}
		key := dim + "\x1f" + strings.ToLower(alias)
		syn, ok := byKey[key]
		if !ok {
			syn = &Synonym{Dimension: dim, Alias: alias}
			byKey[key] = syn
			order = append(order, key)
		}
		syn.Canonicals = append(syn.Canonicals, canonical)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Synonym, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out, nil
}

func (s *PostgresStore) loadTagPatterns(ctx context.Context) (map[string][]TagPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dimension_code, canonical_value, pattern, match_type
		FROM dimension_tag_patterns
		WHERE is_active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]TagPattern{}
	for rows.Next() {
		var dim string
		var p TagPattern
		if err := rows.Scan(&dim, &p.Canonical, &p.Pattern, &p.Match); err != nil {
			return nil, err
		}
		out[dim] = append(out[dim], p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadCategories(ctx context.Context) (map[string][]CategoryNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dimension_code, value, COALESCE(parent, ''), COALESCE(aliases, '')
		FROM dimension_categories
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]CategoryNode{}
	for rows.Next() {
		var dim, aliases string
		var n CategoryNode
		if err := rows.Scan(&dim, &n.Value, &n.Parent, &aliases); err != nil {
			return nil, err
		}
		if aliases != "" {
			n.Aliases = strings.Split(aliases, ",")
		}
		out[dim] = append(out[dim], n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) loadJoins(ctx context.Context) ([]AttributeJoin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dimension_code, attribute_value, owner_value
		FROM dimension_attribute_joins
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byKey := map[string]*AttributeJoin{}
	var order []string
	for rows.Next() {
		var dim, value, owner string
		if err := rows.Scan(&dim, &value, &owner); err != nil {
			return nil, err
		}
		key := dim + "\x1f" + strings.ToLower(value)
		j, ok := byKey[key]
		if !ok {
			j = &AttributeJoin{Dimension: dim, Value: value}
			byKey[key] = j
			order = append(order, key)
		}
		j.Owners = append(j.Owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]AttributeJoin, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out, nil
}
