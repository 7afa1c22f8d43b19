package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/backend"
	"github.com/atlasbi/gateway/internal/metrics"
	"github.com/atlasbi/gateway/internal/registry"
)

const (
	queueSize  = 256
	jobTimeout = 5 * time.Minute
)

// Manager queues export jobs and runs them on background workers. Start
// returns a token immediately; the turn that offered the export never waits
// for the job.
type Manager struct {
	store    Store
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger

	queue chan queued
	done  chan struct{}
}

type queued struct {
	job      *Job
	identity *auth.Identity
}

// ManagerConfig configures the export manager.
type ManagerConfig struct {
	Store    Store
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Workers  int
	Logger   *zap.Logger
}

// NewManager creates an export manager and starts its workers.
func NewManager(cfg ManagerConfig) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	m := &Manager{
		store:    cfg.Store,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		queue:    make(chan queued, queueSize),
		done:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go m.worker()
	}
	return m
}

// Start validates and queues a new export job for the given tool call.
// Params must already be schema-validated by the caller.
func (m *Manager) Start(ctx context.Context, identity *auth.Identity, tool string, params map[string]any, estimatedRows int64) (*Job, error) {
	if !identity.Can(auth.CapabilityExport) {
		return nil, &auth.AccessDeniedError{Identity: identity.ID, Capability: auth.CapabilityExport}
	}
	if _, err := m.registry.Lookup(tool); err != nil {
		return nil, err
	}

	job := &Job{
		ID:            uuid.NewString(),
		Token:         "exp_" + uuid.NewString(),
		Tool:          tool,
		Params:        params,
		IdentityID:    identity.ID,
		WorkspaceCode: identity.WorkspaceCode,
		State:         StateQueued,
		TotalRows:     estimatedRows,
		CreatedAt:     time.Now(),
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}

	select {
	case m.queue <- queued{job: job, identity: identity}:
	default:
		job.State = StateFailed
		job.Error = "export queue full"
		_ = m.store.Update(ctx, job)
		return nil, fmt.Errorf("Start: export queue full")
	}
	return job, nil
}

// Status returns the job for a claim token.
func (m *Manager) Status(ctx context.Context, token string) (*Job, error) {
	return m.store.GetByToken(ctx, token)
}

// Close stops accepting work and lets in-flight jobs finish.
func (m *Manager) Close() {
	close(m.done)
}

func (m *Manager) worker() {
	for {
		select {
		case <-m.done:
			return
		case q := <-m.queue:
			m.run(q.job, q.identity)
		}
	}
}

func (m *Manager) run(job *Job, identity *auth.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	job.State = StateProcessing
	job.StartedAt = time.Now()
	if err := m.store.Update(ctx, job); err != nil {
		m.logger.Error("export job update failed", zap.String("token", job.Token), zap.Error(err))
	}

	desc, err := m.registry.Lookup(job.Tool)
	if err != nil {
		m.fail(ctx, job, err)
		return
	}
	result, err := desc.Execute(ctx, identity, job.Params)
	if err != nil {
		m.fail(ctx, job, err)
		return
	}

	csvBytes, rows, err := renderCSV(result)
	if err != nil {
		m.fail(ctx, job, err)
		return
	}

	job.State = StateCompleted
	job.CSV = csvBytes
	job.ProcessedRows = rows
	job.TotalRows = rows
	job.Filename = fmt.Sprintf("%s-%s.csv", job.Tool, job.CreatedAt.Format("20060102-150405"))
	job.FinishedAt = time.Now()
	if err := m.store.Update(ctx, job); err != nil {
		m.logger.Error("export job update failed", zap.String("token", job.Token), zap.Error(err))
		return
	}
	if m.metrics != nil {
		m.metrics.ExportJobs.WithLabelValues(string(StateCompleted)).Inc()
	}
	m.logger.Info("export job completed",
		zap.String("token", job.Token),
		zap.String("tool", job.Tool),
		zap.Int64("rows", rows),
	)
}

func (m *Manager) fail(ctx context.Context, job *Job, cause error) {
	job.State = StateFailed
	job.Error = cause.Error()
	job.FinishedAt = time.Now()
	if err := m.store.Update(ctx, job); err != nil {
		m.logger.Error("export job update failed", zap.String("token", job.Token), zap.Error(err))
	}
	if m.metrics != nil {
		m.metrics.ExportJobs.WithLabelValues(string(StateFailed)).Inc()
	}
	m.logger.Warn("export job failed",
		zap.String("token", job.Token),
		zap.String("tool", job.Tool),
		zap.Error(cause),
	)
}

// renderCSV flattens a tool result into CSV. Row-shaped results use their
// own keys as the header; scalar results become a single-row sheet.
func renderCSV(result *registry.Result) ([]byte, int64, error) {
	rows := extractRows(result)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if len(rows) == 0 {
		if err := w.Write([]string{"value"}); err != nil {
			return nil, 0, err
		}
		if err := w.Write([]string{fmt.Sprintf("%v", result.Data)}); err != nil {
			return nil, 0, err
		}
		w.Flush()
		return buf.Bytes(), 1, w.Error()
	}

	header := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		header = append(header, k)
	}
	sort.Strings(header)
	if err := w.Write(header); err != nil {
		return nil, 0, err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, k := range header {
			if v, ok := row[k]; ok && v != nil {
				record[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := w.Write(record); err != nil {
			return nil, 0, err
		}
	}
	w.Flush()
	return buf.Bytes(), int64(len(rows)), w.Error()
}

func extractRows(result *registry.Result) []map[string]any {
	raw, ok := result.Data["rows"]
	if !ok {
		return nil
	}
	switch t := raw.(type) {
	case []map[string]any:
		return t
	case []backend.Row:
		out := make([]map[string]any, len(t))
		for i, r := range t {
			out[i] = map[string]any(r)
		}
		return out
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, r := range t {
			if m, ok := r.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
