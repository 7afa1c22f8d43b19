package gateway

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlasbi/gateway/internal/answer"
	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/export"
	"github.com/atlasbi/gateway/internal/proposal"
	"github.com/atlasbi/gateway/internal/provider"
	"github.com/atlasbi/gateway/internal/registry"
	"github.com/atlasbi/gateway/internal/workspace"
)

// trackedTool returns a descriptor whose executions are counted, for
// asserting that rejected calls never run.
func trackedTool(name string, executions *atomic.Int64, estimate int64) *registry.Descriptor {
	return &registry.Descriptor{
		Name:        name,
		Description: "tracked",
		ParamSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"entity"},
			"properties": map[string]any{
				"entity": map[string]any{"type": "string"},
			},
		},
		Capabilities: []auth.Capability{auth.CapabilityRead},
		Execute: func(_ context.Context, _ *auth.Identity, _ map[string]any) (*registry.Result, error) {
			executions.Add(1)
			return &registry.Result{Data: map[string]any{"ok": true}}, nil
		},
		Estimate: func(_ context.Context, _ *auth.Identity, _ map[string]any) (int64, error) {
			return estimate, nil
		},
	}
}

func call(name string, args map[string]any) provider.ToolCall {
	return provider.ToolCall{ID: "call-" + name, Name: name, Arguments: args}
}

func TestExecuteCalls_UnknownToolIsCorrective(t *testing.T) {
	e := newEnv(t, envOptions{})

	results := e.gw.executeCalls(context.Background(), analystContext(nil),
		[]provider.ToolCall{call("drop_tables", nil)})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if !r.result.IsError {
		t.Error("unknown tool must come back as a tool error")
	}
	if !strings.Contains(r.result.Content, "not available") {
		t.Errorf("corrective message should name the problem, got %q", r.result.Content)
	}
	if !r.outcome.Failed {
		t.Error("unknown tool must count as a failed outcome")
	}
}

func TestExecuteCalls_SchemaInvalidNeverExecutes(t *testing.T) {
	var executions atomic.Int64
	e := newEnv(t, envOptions{
		extra: []*registry.Descriptor{trackedTool("tracked_scan", &executions, 1)},
	})

	results := e.gw.executeCalls(context.Background(), analystContext(nil),
		[]provider.ToolCall{call("tracked_scan", map[string]any{"entity": 42})})
	r := results[0]
	if !r.result.IsError {
		t.Fatal("schema-invalid call must fail")
	}
	if !strings.Contains(r.result.Content, "invalid parameters") {
		t.Errorf("expected corrective parameter message, got %q", r.result.Content)
	}
	if !strings.Contains(r.result.Content, "retry") {
		t.Errorf("corrective message should invite a retry, got %q", r.result.Content)
	}
	if executions.Load() != 0 {
		t.Error("a schema-invalid call must never reach the executor")
	}
}

func TestExecuteCalls_CapabilityDeniedNeverExecutes(t *testing.T) {
	var executions atomic.Int64
	e := newEnv(t, envOptions{
		extra: []*registry.Descriptor{trackedTool("tracked_scan", &executions, 1)},
	})

	reqCtx := analystContext(nil)
	reqCtx.Identity.Capabilities = nil

	results := e.gw.executeCalls(context.Background(), reqCtx,
		[]provider.ToolCall{call("tracked_scan", map[string]any{"entity": "product"})})
	r := results[0]
	if !r.result.IsError {
		t.Fatal("unauthorized call must fail")
	}
	if !strings.Contains(r.result.Content, "not permitted") {
		t.Errorf("expected refusal message, got %q", r.result.Content)
	}
	if executions.Load() != 0 {
		t.Error("an unauthorized call must never reach the executor")
	}
}

func TestExecuteCalls_WorkspaceAllowlist(t *testing.T) {
	e := newEnv(t, envOptions{})
	ws := &workspace.Workspace{Code: "acme", Active: true, AllowedTools: []string{"count_records"}}

	results := e.gw.executeCalls(context.Background(), analystContext(ws),
		[]provider.ToolCall{call("search_records", map[string]any{"entity": "product"})})
	r := results[0]
	if !r.result.IsError || !strings.Contains(r.result.Content, "not enabled for this workspace") {
		t.Errorf("disallowed tool must be refused, got %q", r.result.Content)
	}
}

func TestExecuteCalls_OverCapBecomesExportOffer(t *testing.T) {
	e := newEnv(t, envOptions{})
	// 6 product rows against an inline cap of 2.
	ws := &workspace.Workspace{Code: "acme", Active: true, MaxInlineRows: 2}

	results := e.gw.executeCalls(context.Background(), analystContext(ws),
		[]provider.ToolCall{call("search_records", map[string]any{"entity": "product"})})
	r := results[0]
	if r.result.IsError {
		t.Fatalf("export offer is not an error, got %q", r.result.Content)
	}
	if !strings.Contains(r.result.Content, "export_started") {
		t.Errorf("the model should learn an export started, got %q", r.result.Content)
	}
	if !strings.Contains(r.result.Content, "do not retry") {
		t.Errorf("the model must be told not to retry, got %q", r.result.Content)
	}
	if len(r.actions) != 1 || r.actions[0].Kind != answer.ActionExportOffer {
		t.Fatalf("expected one export offer action, got %+v", r.actions)
	}
	token := r.actions[0].ExportToken
	if token == "" {
		t.Fatal("export offer must carry a claim token")
	}

	job := waitForExport(t, e.exports, token)
	if job.State != export.StateCompleted {
		t.Fatalf("export should complete, got %s (%s)", job.State, job.Error)
	}
	if job.ProcessedRows != 6 {
		t.Errorf("export should contain all 6 rows, got %d", job.ProcessedRows)
	}
}

func TestExecuteCalls_OverExportCapIsDenied(t *testing.T) {
	var executions atomic.Int64
	e := newEnv(t, envOptions{
		extra: []*registry.Descriptor{trackedTool("huge_scan", &executions, 50000)},
	})

	results := e.gw.executeCalls(context.Background(), analystContext(nil),
		[]provider.ToolCall{call("huge_scan", map[string]any{"entity": "product"})})
	r := results[0]
	if !r.result.IsError {
		t.Fatal("over-cap call must be denied")
	}
	if !strings.Contains(r.result.Content, "query denied") || !strings.Contains(r.result.Content, "Narrow the filters") {
		t.Errorf("denial must explain and invite narrowing, got %q", r.result.Content)
	}
	if executions.Load() != 0 {
		t.Error("a denied call must never reach the executor")
	}
}

func TestExecuteCalls_MutationBecomesProposal(t *testing.T) {
	e := newEnv(t, envOptions{})

	results := e.gw.executeCalls(context.Background(), analystContext(nil),
		[]provider.ToolCall{call("propose_replenishment", map[string]any{"threshold": 10.0})})
	r := results[0]
	if r.result.IsError {
		t.Fatalf("proposal creation is not an error, got %q", r.result.Content)
	}
	if !strings.Contains(r.result.Content, "proposal_created") {
		t.Errorf("the model should learn a proposal exists, got %q", r.result.Content)
	}
	if !strings.Contains(r.result.Content, "nothing has been changed") {
		t.Errorf("the model must be told no write happened, got %q", r.result.Content)
	}
	if len(r.actions) != 1 || r.actions[0].Kind != answer.ActionProposalReference {
		t.Fatalf("expected a proposal reference action, got %+v", r.actions)
	}

	p, err := e.proposals.Get(context.Background(), r.actions[0].ProposalID)
	if err != nil {
		t.Fatalf("proposal lookup failed: %v", err)
	}
	if p.State != proposal.StateDraft {
		t.Errorf("a fresh proposal starts as draft, got %s", p.State)
	}
	// P1 (qty 3) and P2 (qty 5) sit below the threshold of 10.
	if len(p.Lines) != 2 {
		t.Errorf("expected 2 proposal lines, got %d", len(p.Lines))
	}
	if e.fixture.DraftCount() != 0 {
		t.Error("creating a proposal must not write to the backend")
	}
}

func TestExecuteCalls_TimeoutIsCorrective(t *testing.T) {
	slow := &registry.Descriptor{
		Name:         "slow_scan",
		Description:  "slow",
		Capabilities: []auth.Capability{auth.CapabilityRead},
		Timeout:      20 * time.Millisecond,
		Execute: func(ctx context.Context, _ *auth.Identity, _ map[string]any) (*registry.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Estimate: func(_ context.Context, _ *auth.Identity, _ map[string]any) (int64, error) {
			return 1, nil
		},
	}
	e := newEnv(t, envOptions{extra: []*registry.Descriptor{slow}})

	results := e.gw.executeCalls(context.Background(), analystContext(nil),
		[]provider.ToolCall{call("slow_scan", nil)})
	r := results[0]
	if !r.result.IsError || !strings.Contains(r.result.Content, "timed out") {
		t.Errorf("expected timeout message, got %q", r.result.Content)
	}
	if !r.outcome.Failed {
		t.Error("a timed-out call is a failed outcome")
	}
}

func TestExecuteCalls_BusySemaphore(t *testing.T) {
	e := newEnv(t, envOptions{cfg: Config{
		SemaphoreCap:            1,
		SemaphoreAcquireTimeout: 30 * time.Millisecond,
	}})

	// Hold the only slot so the call cannot acquire it.
	if err := e.gw.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	defer e.gw.sem.Release(1)

	results := e.gw.executeCalls(context.Background(), analystContext(nil),
		[]provider.ToolCall{call("count_records", map[string]any{"entity": "product"})})
	r := results[0]
	if !r.result.IsError || !strings.Contains(r.result.Content, "busy") {
		t.Errorf("expected busy message, got %q", r.result.Content)
	}
}

func TestExecuteCalls_ResultsKeepRequestOrder(t *testing.T) {
	e := newEnv(t, envOptions{})

	calls := []provider.ToolCall{
		call("drop_tables", nil),
		call("count_records", map[string]any{"entity": "product"}),
		call("search_records", map[string]any{"entity": "product", "limit": 2.0}),
	}
	results := e.gw.executeCalls(context.Background(), analystContext(nil), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.result.CallID != calls[i].ID {
			t.Errorf("result %d answers %q, want %q", i, r.result.CallID, calls[i].ID)
		}
	}
	if !results[0].result.IsError {
		t.Error("the unknown tool result must be an error")
	}
	if results[1].result.IsError || results[2].result.IsError {
		t.Errorf("the valid calls must succeed: %q / %q",
			results[1].result.Content, results[2].result.Content)
	}
}

func waitForExport(t *testing.T, m *export.Manager, token string) *export.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.Status(context.Background(), token)
		if err != nil {
			t.Fatalf("export status failed: %v", err)
		}
		if job.State == export.StateCompleted || job.State == export.StateFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("export never finished")
	return nil
}
