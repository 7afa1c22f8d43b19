package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists export jobs, including the finished CSV, so claims
// survive restarts and work across replicas.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed export store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO export_jobs (
			id, token, tool, params, identity_id, workspace_code,
			state, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.Token, job.Tool, params, job.IdentityID, job.WorkspaceCode,
		string(job.State), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET state = $2, total_rows = $3, processed_rows = $4,
		    filename = $5, csv = $6, error = NULLIF($7, ''),
		    started_at = $8, finished_at = $9
		WHERE token = $1
	`, job.Token, string(job.State), job.TotalRows, job.ProcessedRows,
		job.Filename, job.CSV, job.Error,
		nullTime(job.StartedAt), nullTime(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByToken(ctx context.Context, token string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, token, tool, params, identity_id, workspace_code,
		       state, total_rows, processed_rows,
		       COALESCE(filename, ''), csv, COALESCE(error, ''),
		       created_at, started_at, finished_at
		FROM export_jobs
		WHERE token = $1
	`, token)

	var job Job
	var params []byte
	var state string
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.Token, &job.Tool, &params, &job.IdentityID, &job.WorkspaceCode,
		&state, &job.TotalRows, &job.ProcessedRows,
		&job.Filename, &job.CSV, &job.Error,
		&job.CreatedAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Token: token}
	}
	if err != nil {
		return nil, fmt.Errorf("GetByToken: %w", err)
	}
	job.State = State(state)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("GetByToken: %w", err)
		}
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	return &job, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
