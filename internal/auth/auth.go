package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Capability names a single permitted operation class. Tools declare the
// capabilities they require; identities carry the capabilities they hold.
type Capability string

const (
	CapabilityRead            Capability = "read"
	CapabilityExport          Capability = "export"
	CapabilityProposalReview  Capability = "proposal:review"
	CapabilityProposalApprove Capability = "proposal:approve"
	CapabilityProposalExecute Capability = "proposal:execute"
)

// Identity is the authenticated caller for one request. The gateway never
// elevates beyond it: every backend query runs under this identity's scope.
type Identity struct {
	ID            string
	Name          string
	WorkspaceCode string
	Capabilities  []Capability
}

// Can reports whether the identity holds the given capability.
func (id *Identity) Can(c Capability) bool {
	for _, have := range id.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CanAll reports whether the identity holds every capability in the set.
func (id *Identity) CanAll(caps ...Capability) bool {
	for _, c := range caps {
		if !id.Can(c) {
			return false
		}
	}
	return true
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// AccessDeniedError reports a capability the identity lacks. It is recovered
// locally: the gateway surfaces it to the model as a polite refusal, never
// as a stack trace.
type AccessDeniedError struct {
	Identity   string
	Capability Capability
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: identity %s lacks capability %s", e.Identity, e.Capability)
}

// Authenticator resolves an API key into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Identity, error)
}

// ExtractBearerToken extracts an agw_ API key from an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	token := strings.TrimPrefix(header, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, "agw_") {
		return "", ErrUnauthenticated
	}
	return token, nil
}
