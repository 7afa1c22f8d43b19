// Package export runs deferred large-result queries as background jobs.
// When a tool call would return more rows than the inline cap, the gateway
// offers an export instead; the caller claims the finished CSV by token.
package export

import (
	"context"
	"fmt"
	"time"
)

// State is an export job lifecycle stage.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Job is one deferred query execution. Token is the opaque claim handle
// given to the caller; ID is internal.
type Job struct {
	ID            string
	Token         string
	Tool          string
	Params        map[string]any
	IdentityID    string
	WorkspaceCode string
	State         State
	TotalRows     int64
	ProcessedRows int64
	Filename      string
	CSV           []byte
	Error         string
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
}

// NotFoundError reports an unknown export token.
type NotFoundError struct {
	Token string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("export %s not found", e.Token)
}

// Store persists export jobs.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	GetByToken(ctx context.Context, token string) (*Job, error)
}
