// Package proposal implements the mutation state machine. Models never
// mutate the backend directly: a mutating intent becomes a proposal that a
// human reviews, approves, and executes, each step a checked transition.
package proposal

import (
	"fmt"
	"time"
)

// State is a proposal lifecycle stage.
type State string

const (
	StateDraft    State = "draft"
	StateReviewed State = "reviewed"
	StateApproved State = "approved"
	StateExecuted State = "executed"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// transitions is the only legal edge set. Rejection is allowed from any
// pre-approval review stage; expiry from anything not yet executed.
var transitions = map[State][]State{
	StateDraft:    {StateReviewed, StateRejected, StateExpired},
	StateReviewed: {StateApproved, StateRejected, StateExpired},
	StateApproved: {StateExecuted, StateRejected, StateExpired},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no outgoing edges.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Line is one itemized entry of a proposal payload, shown to reviewers.
type Line struct {
	Entity   string         `json:"entity"`
	Summary  string         `json:"summary"`
	Quantity float64        `json:"quantity,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Proposal is one pending mutation. Payload and Lines are immutable after
// creation; review never edits, it only advances or rejects.
type Proposal struct {
	ID         string
	Kind       string
	Summary    string
	Payload    map[string]any
	Lines      []Line
	State      State
	CreatedBy  string
	ReviewedBy string
	ApprovedBy string
	RejectedBy string
	Note       string

	// ExecutedRef is the backend record reference, set exactly once on
	// successful execution.
	ExecutedRef string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
	ExecutedAt time.Time
}

// TransitionError reports an attempt to move a proposal along an illegal
// edge or one lost to a concurrent transition.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("proposal %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// NotFoundError reports an unknown proposal ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("proposal %s not found", e.ID)
}

// AlreadyExecutedError reports a repeated execute on an executed proposal.
// The original reference is included so the caller can treat it as done.
type AlreadyExecutedError struct {
	ID          string
	ExecutedRef string
}

func (e *AlreadyExecutedError) Error() string {
	return fmt.Sprintf("proposal %s already executed as %s", e.ID, e.ExecutedRef)
}
