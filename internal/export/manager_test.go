package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/metrics"
	"github.com/atlasbi/gateway/internal/registry"
)

func exportIdentity() *auth.Identity {
	return &auth.Identity{
		ID:           "analyst",
		Capabilities: []auth.Capability{auth.CapabilityRead, auth.CapabilityExport},
	}
}

func newTestRegistry(t *testing.T, exec registry.ExecutorFunc) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(&registry.Descriptor{
		Name:         "search_records",
		Description:  "search",
		Capabilities: []auth.Capability{auth.CapabilityRead},
		Execute:      exec,
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	reg.Freeze()
	return reg
}

func newTestManager(t *testing.T, exec registry.ExecutorFunc) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		Store:    NewMemoryStore(),
		Registry: newTestRegistry(t, exec),
		Metrics:  metrics.NewNop(),
		Workers:  1,
		Logger:   zap.NewNop(),
	})
	t.Cleanup(m.Close)
	return m
}

func waitForTerminal(t *testing.T, m *Manager, token string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Status(context.Background(), token)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if job.State == StateCompleted || job.State == StateFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("export job never reached a terminal state")
	return nil
}

func TestManager_CompletesJobWithCSV(t *testing.T) {
	m := newTestManager(t, func(_ context.Context, _ *auth.Identity, _ map[string]any) (*registry.Result, error) {
		return &registry.Result{
			Data: map[string]any{"rows": []map[string]any{
				{"sku": "A-1", "qty": 3},
				{"sku": "B-2", "qty": 7},
			}},
			RowCount: 2,
		}, nil
	})

	job, err := m.Start(context.Background(), exportIdentity(), "search_records", map[string]any{"entity": "product"}, 1500)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if job.State != StateQueued {
		t.Errorf("fresh job should be queued, got %s", job.State)
	}
	if !strings.HasPrefix(job.Token, "exp_") {
		t.Errorf("token should carry the exp_ prefix, got %q", job.Token)
	}

	done := waitForTerminal(t, m, job.Token)
	if done.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.State, done.Error)
	}
	if done.ProcessedRows != 2 {
		t.Errorf("expected 2 processed rows, got %d", done.ProcessedRows)
	}
	csv := string(done.CSV)
	if !strings.HasPrefix(csv, "qty,sku\n") {
		t.Errorf("expected sorted header, got %q", csv)
	}
	if !strings.Contains(csv, "3,A-1") || !strings.Contains(csv, "7,B-2") {
		t.Errorf("csv is missing rows: %q", csv)
	}
	if !strings.HasSuffix(done.Filename, ".csv") {
		t.Errorf("unexpected filename %q", done.Filename)
	}
}

func TestManager_ToolFailureMarksJobFailed(t *testing.T) {
	m := newTestManager(t, func(_ context.Context, _ *auth.Identity, _ map[string]any) (*registry.Result, error) {
		return nil, errors.New("backend unavailable")
	})

	job, err := m.Start(context.Background(), exportIdentity(), "search_records", nil, 1500)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	done := waitForTerminal(t, m, job.Token)
	if done.State != StateFailed {
		t.Fatalf("expected failed, got %s", done.State)
	}
	if done.Error == "" {
		t.Error("failed job must record the cause")
	}
}

func TestManager_StartRequiresExportCapability(t *testing.T) {
	m := newTestManager(t, func(_ context.Context, _ *auth.Identity, _ map[string]any) (*registry.Result, error) {
		return &registry.Result{Data: map[string]any{}}, nil
	})

	readOnly := &auth.Identity{ID: "viewer", Capabilities: []auth.Capability{auth.CapabilityRead}}
	_, err := m.Start(context.Background(), readOnly, "search_records", nil, 1500)
	var denied *auth.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestManager_StartRejectsUnknownTool(t *testing.T) {
	m := newTestManager(t, func(_ context.Context, _ *auth.Identity, _ map[string]any) (*registry.Result, error) {
		return &registry.Result{Data: map[string]any{}}, nil
	})

	_, err := m.Start(context.Background(), exportIdentity(), "drop_tables", nil, 10)
	var notFound *registry.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected tool not found, got %v", err)
	}
}

func TestStatus_UnknownToken(t *testing.T) {
	m := newTestManager(t, func(_ context.Context, _ *auth.Identity, _ map[string]any) (*registry.Result, error) {
		return &registry.Result{Data: map[string]any{}}, nil
	})

	_, err := m.Status(context.Background(), "exp_missing")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRenderCSV_ScalarResult(t *testing.T) {
	raw, rows, err := renderCSV(&registry.Result{Data: map[string]any{"count": 42}})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if rows != 1 {
		t.Errorf("scalar result renders one row, got %d", rows)
	}
	if !strings.HasPrefix(string(raw), "value\n") {
		t.Errorf("unexpected csv %q", raw)
	}
}
