package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists proposals in Postgres. State transitions use
// optimistic writes guarded on the expected current state; a lost race
// surfaces as ErrConflict, never as a silent double transition.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed proposal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *Proposal) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	lines, err := json.Marshal(p.Lines)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (
			id, kind, summary, payload, lines, state,
			created_by, created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.Kind, p.Summary, payload, lines, string(p.State),
		p.CreatedBy, p.CreatedAt, p.UpdatedAt, nullTime(p.ExpiresAt))
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, summary, payload, lines, state,
		       created_by, COALESCE(reviewed_by, ''), COALESCE(approved_by, ''),
		       COALESCE(rejected_by, ''), COALESCE(note, ''),
		       COALESCE(executed_ref, ''),
		       created_at, updated_at, expires_at, executed_at
		FROM proposals
		WHERE id = $1
	`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to State, mutate func(*Proposal)) (*Proposal, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State != from {
		return nil, ErrConflict
	}
	if mutate != nil {
		mutate(p)
	}
	p.State = to
	p.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET state = $2, updated_at = $3,
		    reviewed_by = NULLIF($4, ''), approved_by = NULLIF($5, ''),
		    rejected_by = NULLIF($6, ''), note = NULLIF($7, ''),
		    executed_ref = NULLIF($8, ''), executed_at = $9
		WHERE id = $1 AND state = $10
	`, id, string(to), p.UpdatedAt,
		p.ReviewedBy, p.ApprovedBy, p.RejectedBy, p.Note,
		p.ExecutedRef, nullTime(p.ExecutedAt), string(from))
	if err != nil {
		return nil, fmt.Errorf("Transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("Transition: %w", err)
	}
	if n == 0 {
		return nil, ErrConflict
	}
	return p, nil
}

func (s *PostgresStore) ClaimExecution(ctx context.Context, id string) (*Proposal, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET execution_claimed_at = NOW()
		WHERE id = $1 AND state = 'approved' AND execution_claimed_at IS NULL
	`, id)
	if err != nil {
		return nil, fmt.Errorf("ClaimExecution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ClaimExecution: %w", err)
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) ReleaseExecution(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET execution_claimed_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("ReleaseExecution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, summary, payload, lines, state,
		       created_by, COALESCE(reviewed_by, ''), COALESCE(approved_by, ''),
		       COALESCE(rejected_by, ''), COALESCE(note, ''),
		       COALESCE(executed_ref, ''),
		       created_at, updated_at, expires_at, executed_at
		FROM proposals
		WHERE state IN ('draft', 'reviewed', 'approved')
		  AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("ListExpirable: %w", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("ListExpirable: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (*Proposal, error) {
	var p Proposal
	var payload, lines []byte
	var state string
	var expiresAt, executedAt sql.NullTime
	if err := row.Scan(
		&p.ID, &p.Kind, &p.Summary, &payload, &lines, &state,
		&p.CreatedBy, &p.ReviewedBy, &p.ApprovedBy,
		&p.RejectedBy, &p.Note, &p.ExecutedRef,
		&p.CreatedAt, &p.UpdatedAt, &expiresAt, &executedAt,
	); err != nil {
		return nil, err
	}
	p.State = State(state)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			return nil, err
		}
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &p.Lines); err != nil {
			return nil, err
		}
	}
	if expiresAt.Valid {
		p.ExpiresAt = expiresAt.Time
	}
	if executedAt.Valid {
		p.ExecutedAt = executedAt.Time
	}
	return &p, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
