package proposal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/backend"
	"github.com/atlasbi/gateway/internal/storage"
)

// DefaultTTL is how long a proposal stays actionable before the expiry
// sweep retires it.
const DefaultTTL = 7 * 24 * time.Hour

// Service runs the proposal lifecycle. Every transition is appended to the
// audit trail with actor and timestamp.
type Service struct {
	store   Store
	backend backend.MutationBackend
	audit   storage.EventWriter
	ttl     time.Duration
	logger  *zap.Logger
}

// ServiceConfig configures the proposal service.
type ServiceConfig struct {
	Store   Store
	Backend backend.MutationBackend
	Audit   storage.EventWriter
	TTL     time.Duration
	Logger  *zap.Logger
}

// NewService creates a proposal service.
func NewService(cfg ServiceConfig) *Service {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:   cfg.Store,
		backend: cfg.Backend,
		audit:   cfg.Audit,
		ttl:     ttl,
		logger:  cfg.Logger,
	}
}

// Create records a new proposal from a mutating tool intent. The model only
// ever gets the proposal reference back, never a mutation result.
func (s *Service) Create(ctx context.Context, identity *auth.Identity, kind, summary string, payload map[string]any, lines []Line) (*Proposal, error) {
	now := time.Now()
	p := &Proposal{
		ID:        uuid.NewString(),
		Kind:      kind,
		Summary:   summary,
		Payload:   payload,
		Lines:     lines,
		State:     StateDraft,
		CreatedBy: identity.ID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	s.auditTransition(p, "", StateDraft, identity.ID)
	return p, nil
}

// Review advances draft -> reviewed.
func (s *Service) Review(ctx context.Context, identity *auth.Identity, id, note string) (*Proposal, error) {
	if !identity.Can(auth.CapabilityProposalReview) {
		return nil, &auth.AccessDeniedError{Identity: identity.ID, Capability: auth.CapabilityProposalReview}
	}
	p, err := s.store.Transition(ctx, id, StateDraft, StateReviewed, func(p *Proposal) {
		p.ReviewedBy = identity.ID
		if note != "" {
			p.Note = note
		}
	})
	if err != nil {
		return nil, err
	}
	s.auditTransition(p, StateDraft, StateReviewed, identity.ID)
	return p, nil
}

// Approve advances reviewed -> approved. Approval demands a strictly wider
// grant than execution alone: the approver must hold both the approve and
// execute capabilities, so no identity can approve what it could not itself
// execute.
func (s *Service) Approve(ctx context.Context, identity *auth.Identity, id string) (*Proposal, error) {
	if !identity.CanAll(auth.CapabilityProposalApprove, auth.CapabilityProposalExecute) {
		return nil, &auth.AccessDeniedError{Identity: identity.ID, Capability: auth.CapabilityProposalApprove}
	}
	p, err := s.store.Transition(ctx, id, StateReviewed, StateApproved, func(p *Proposal) {
		p.ApprovedBy = identity.ID
	})
	if err != nil {
		return nil, err
	}
	s.auditTransition(p, StateReviewed, StateApproved, identity.ID)
	return p, nil
}

// Reject retires a proposal from draft or reviewed.
func (s *Service) Reject(ctx context.Context, identity *auth.Identity, id, note string) (*Proposal, error) {
	if !identity.Can(auth.CapabilityProposalReview) {
		return nil, &auth.AccessDeniedError{Identity: identity.ID, Capability: auth.CapabilityProposalReview}
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.State, StateRejected) {
		return nil, &TransitionError{ID: id, From: cur.State, To: StateRejected}
	}
	p, err := s.store.Transition(ctx, id, cur.State, StateRejected, func(p *Proposal) {
		p.RejectedBy = identity.ID
		if note != "" {
			p.Note = note
		}
	})
	if err != nil {
		return nil, err
	}
	s.auditTransition(p, cur.State, StateRejected, identity.ID)
	return p, nil
}

// Execute runs an approved proposal against the backend. The claim write
// re-checks state and prior execution at execution time, so of two racing
// executors exactly one creates the downstream record. The record is always
// created in its least-committed form; nothing here confirms it.
//
// Executing an already executed proposal returns AlreadyExecutedError with
// the original reference, making retries safe.
func (s *Service) Execute(ctx context.Context, identity *auth.Identity, id string) (*Proposal, error) {
	if !identity.Can(auth.CapabilityProposalExecute) {
		return nil, &auth.AccessDeniedError{Identity: identity.ID, Capability: auth.CapabilityProposalExecute}
	}

	p, err := s.store.ClaimExecution(ctx, id)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			cur, gerr := s.store.Get(ctx, id)
			if gerr == nil && cur.State == StateExecuted {
				return nil, &AlreadyExecutedError{ID: id, ExecutedRef: cur.ExecutedRef}
			}
		}
		return nil, err
	}

	ref, err := s.backend.CreateDraft(ctx, identity, p.Kind, p.Payload)
	if err != nil {
		// Release the claim so a later retry can run.
		if rerr := s.store.ReleaseExecution(ctx, id); rerr != nil {
			s.logger.Error("proposal claim release failed",
				zap.String("proposal_id", id), zap.Error(rerr))
		}
		return nil, fmt.Errorf("Execute: %w", err)
	}

	executedAt := time.Now()
	p, err = s.store.Transition(ctx, id, StateApproved, StateExecuted, func(p *Proposal) {
		p.ExecutedRef = ref
		p.ExecutedAt = executedAt
	})
	if err != nil {
		// The downstream record exists but the transition lost a race.
		// Log loudly; the record reference must not be lost.
		s.logger.Error("proposal executed but transition failed",
			zap.String("proposal_id", id),
			zap.String("executed_ref", ref),
			zap.Error(err))
		return nil, err
	}
	s.auditTransition(p, StateApproved, StateExecuted, identity.ID)
	return p, nil
}

// ExpireStale retires every actionable proposal past its ExpiresAt. Run
// periodically from the server.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListExpirable(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("ExpireStale: %w", err)
	}
	expired := 0
	for _, p := range stale {
		from := p.State
		if _, err := s.store.Transition(ctx, p.ID, from, StateExpired, nil); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return expired, fmt.Errorf("ExpireStale: %w", err)
		}
		s.auditTransition(p, from, StateExpired, "system")
		expired++
	}
	return expired, nil
}

// Get returns one proposal.
func (s *Service) Get(ctx context.Context, id string) (*Proposal, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) auditTransition(p *Proposal, from, to State, actor string) {
	if s.audit == nil {
		return
	}
	s.audit.Write(&storage.AuditEvent{
		RequestID: uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      storage.EventProposal,
		SubjectID: p.ID,
		FromState: string(from),
		ToState:   string(to),
		Actor:     actor,
	})
}
