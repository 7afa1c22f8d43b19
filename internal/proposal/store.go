package proposal

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned when a state-guarded write finds the proposal no
// longer in the expected state. The caller reloads and reports the actual
// state.
var ErrConflict = errors.New("proposal: concurrent transition")

// Store persists proposals. Transition and claim writes are optimistic:
// they succeed only if the stored state still matches the expected one.
type Store interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)

	// Transition moves id from state `from` to `to`, applying mutate to the
	// loaded proposal before the write. Returns ErrConflict when the stored
	// state is no longer `from`.
	Transition(ctx context.Context, id string, from, to State, mutate func(*Proposal)) (*Proposal, error)

	// ClaimExecution atomically marks an approved, unclaimed proposal as
	// claimed by the caller. Exactly one concurrent caller wins; the rest
	// get ErrConflict.
	ClaimExecution(ctx context.Context, id string) (*Proposal, error)

	// ReleaseExecution clears a claim after a failed execution so the
	// proposal can be retried.
	ReleaseExecution(ctx context.Context, id string) error

	// ListExpirable returns non-terminal proposals whose ExpiresAt has
	// passed as of now.
	ListExpirable(ctx context.Context, now time.Time) ([]*Proposal, error)
}
