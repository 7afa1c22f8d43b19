package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// IdentityStore abstracts DB queries for testability.
type IdentityStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*identityRow, error)
}

type identityRow struct {
	ID            string
	Name          string
	APIKeyHash    string
	WorkspaceCode sql.NullString
	Capabilities  string // comma-separated
}

// sqlIdentityStore is the real implementation using *sql.DB.
type sqlIdentityStore struct {
	db *sql.DB
}

func (s *sqlIdentityStore) LookupByPrefix(ctx context.Context, prefix string) (*identityRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, workspace_code, capabilities
		FROM identities
		WHERE api_key_prefix = $1 AND is_active
	`, prefix)

	var r identityRow
	if err := row.Scan(&r.ID, &r.Name, &r.APIKeyHash, &r.WorkspaceCode, &r.Capabilities); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the identities table.
type PostgresAuthenticator struct {
	store  IdentityStore
	cache  *IdentityCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlIdentityStore{db: cfg.DB},
		cache:  NewIdentityCache(ttl),
		logger: cfg.Logger,
	}
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store IdentityStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewIdentityCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Identity, error) {
	if !strings.HasPrefix(apiKey, "agw_") {
		return nil, ErrUnauthenticated
	}

	cacheResult := a.cache.Get(apiKey)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(apiKey)
		}
		if cacheResult.Identity == nil {
			return nil, ErrUnauthenticated
		}
		return cacheResult.Identity, nil
	}

	identity, err := a.authenticateFromDB(ctx, apiKey)
	if err != nil {
		if err == ErrUnauthenticated || err == sql.ErrNoRows {
			// Negative cache to stop bcrypt hammering on bad keys
			a.cache.Set(apiKey, nil)
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(apiKey, identity)
	return identity, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, apiKey string) (*Identity, error) {
	row, err := a.store.LookupByPrefix(ctx, keyPrefix(apiKey))
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)) != nil {
		return nil, ErrUnauthenticated
	}
	return identityFromRow(row), nil
}

func (a *PostgresAuthenticator) refreshInBackground(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := a.authenticateFromDB(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background identity refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(apiKey, identity)
}

func identityFromRow(row *identityRow) *Identity {
	id := &Identity{
		ID:   row.ID,
		Name: row.Name,
	}
	if row.WorkspaceCode.Valid {
		id.WorkspaceCode = row.WorkspaceCode.String
	}
	for _, c := range strings.Split(row.Capabilities, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			id.Capabilities = append(id.Capabilities, Capability(c))
		}
	}
	return id
}

// keyPrefix returns the indexable prefix of an API key: "agw_" plus the
// first 8 characters of the key body.
func keyPrefix(apiKey string) string {
	body := strings.TrimPrefix(apiKey, "agw_")
	if len(body) > 8 {
		body = body[:8]
	}
	return "agw_" + body
}
