package auth

import "context"

// StaticAuthenticator resolves API keys from a fixed in-memory table.
// Used when no POSTGRES_DSN is configured and in tests.
type StaticAuthenticator struct {
	identities map[string]*Identity // keyed by full API key
}

// NewStaticAuthenticator creates an authenticator over a fixed key table.
func NewStaticAuthenticator(identities map[string]*Identity) *StaticAuthenticator {
	if identities == nil {
		identities = map[string]*Identity{}
	}
	return &StaticAuthenticator{identities: identities}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*Identity, error) {
	identity, ok := a.identities[apiKey]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return identity, nil
}
