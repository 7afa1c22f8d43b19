package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/answer"
	"github.com/atlasbi/gateway/internal/proposal"
	"github.com/atlasbi/gateway/internal/provider"
	"github.com/atlasbi/gateway/internal/registry"
	"github.com/atlasbi/gateway/internal/router"
	"github.com/atlasbi/gateway/internal/safety"
	"github.com/atlasbi/gateway/internal/workspace"
)

// callResult is one finished tool call, kept in request order.
type callResult struct {
	result  provider.ToolResult
	outcome router.ToolOutcome
	actions []answer.Action
}

// executeCalls validates and runs one batch of model-requested tool calls.
// Validation is sequential and cheap; execution of the calls that survive it
// runs concurrently under the global semaphore. Results come back in the
// order the model requested them.
func (g *Gateway) executeCalls(ctx context.Context, reqCtx *RequestContext, calls []provider.ToolCall) []callResult {
	results := make([]callResult, len(calls))
	type job struct {
		index  int
		desc   *registry.Descriptor
		params map[string]any
	}
	var jobs []job

	for i, call := range calls {
		res, desc, params := g.validateCall(ctx, reqCtx, call)
		if res != nil {
			results[i] = *res
			continue
		}
		jobs = append(jobs, job{index: i, desc: desc, params: params})
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			results[j.index] = g.runCall(ctx, reqCtx, calls[j.index], j.desc, j.params)
		}(j)
	}
	wg.Wait()
	return results
}

// validateCall runs the pre-execution pipeline: registration, workspace
// allowlist, parameter schema, capabilities. A non-nil result means the call
// was settled without execution.
func (g *Gateway) validateCall(ctx context.Context, reqCtx *RequestContext, call provider.ToolCall) (*callResult, *registry.Descriptor, map[string]any) {
	desc, err := g.registry.Lookup(call.Name)
	if err != nil {
		g.countTool(call.Name, "unregistered")
		g.logger.Warn("model requested unregistered tool",
			zap.String("request_id", reqCtx.RequestID),
			zap.String("tool", call.Name),
		)
		return &callResult{
			result:  toolError(call, fmt.Sprintf("tool %q is not available", call.Name)),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}, nil, nil
	}

	if reqCtx.Workspace != nil && !reqCtx.Workspace.AllowsTool(call.Name) {
		g.countTool(call.Name, "not_allowed")
		return &callResult{
			result:  toolError(call, fmt.Sprintf("tool %q is not enabled for this workspace", call.Name)),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}, nil, nil
	}

	params, err := g.registry.Validate(call.Name, call.Arguments)
	if err != nil {
		var serr *registry.SchemaError
		if errors.As(err, &serr) {
			g.countTool(call.Name, "schema_error")
			return &callResult{
				result:  toolError(call, "invalid parameters: "+serr.Detail+". Correct them and retry."),
				outcome: router.ToolOutcome{Name: call.Name, Failed: true},
			}, nil, nil
		}
		g.countTool(call.Name, "error")
		return &callResult{
			result:  toolError(call, "the tool call could not be validated"),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}, nil, nil
	}

	if !reqCtx.Identity.CanAll(desc.Capabilities...) {
		g.countDenial("capability")
		g.countTool(call.Name, "denied")
		return &callResult{
			result:  toolError(call, "you are not permitted to use this tool on behalf of the current user"),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}, nil, nil
	}

	return nil, desc, params
}

// runCall takes one validated call through cost estimation and execution.
func (g *Gateway) runCall(ctx context.Context, reqCtx *RequestContext, call provider.ToolCall, desc *registry.Descriptor, params map[string]any) callResult {
	started := time.Now()

	est := g.estimateCall(ctx, reqCtx, desc, params)
	switch est.Recommendation {
	case safety.RecommendDeny:
		g.countDenial("cost")
		g.countTool(call.Name, "cost_denied")
		g.auditToolCall(reqCtx, call, params, est, "cost_denied", started)
		return callResult{
			result: toolError(call, fmt.Sprintf(
				"query denied: estimated %d rows exceeds the maximum of %d. Narrow the filters and retry.",
				est.EstimatedRows, g.safety.Caps().ExportCap)),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}
	case safety.RecommendExport:
		return g.offerExport(ctx, reqCtx, call, params, est, started)
	}

	// Inline execution under the global semaphore.
	acquireCtx, cancel := context.WithTimeout(ctx, g.cfg.SemaphoreAcquireTimeout)
	err := g.sem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		g.countTool(call.Name, "busy")
		return callResult{
			result:  toolError(call, "the server is busy, retry this call once"),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}
	}
	defer g.sem.Release(1)

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = g.cfg.ToolTimeout
	}
	execCtx, cancelExec := context.WithTimeout(ctx, timeout)
	defer cancelExec()

	result, err := desc.Execute(execCtx, reqCtx.Identity, params)
	if err != nil {
		outcome := "error"
		msg := "the tool failed to execute"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			msg = "the tool timed out; narrow the query and retry"
		}
		g.countTool(call.Name, outcome)
		g.auditToolCall(reqCtx, call, params, est, outcome, started)
		g.logger.Warn("tool execution failed",
			zap.String("request_id", reqCtx.RequestID),
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		return callResult{
			result:  toolError(call, msg),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}
	}

	if result.Mutation != nil {
		return g.proposeMutation(ctx, reqCtx, call, params, result, est, started)
	}

	g.countTool(call.Name, "ok")
	g.auditToolCall(reqCtx, call, params, est, "ok", started)
	return callResult{
		result:  toolContent(call, result.Data),
		outcome: router.ToolOutcome{Name: call.Name},
	}
}

// estimateCall runs the safety controller for one call, extracting the
// entity and filters the default probe needs.
func (g *Gateway) estimateCall(ctx context.Context, reqCtx *RequestContext, desc *registry.Descriptor, params map[string]any) *safety.Estimate {
	entity, _ := params["entity"].(string)
	raw := map[string]string{}
	if f, ok := params["filters"].(map[string]any); ok {
		for k, v := range f {
			raw[k] = fmt.Sprintf("%v", v)
		}
	}
	filters, err := g.resolver.ResolveFilters(ctx, raw)
	if err != nil {
		filters = nil
	}
	inlineCap := inlineCapFor(reqCtx.Workspace)
	return g.safety.Estimate(ctx, reqCtx.Identity, desc, params, filters, entity, inlineCap)
}

// offerExport starts a deferred job for an over-cap result and tells the
// model the data is on its way out of band.
func (g *Gateway) offerExport(ctx context.Context, reqCtx *RequestContext, call provider.ToolCall, params map[string]any, est *safety.Estimate, started time.Time) callResult {
	job, err := g.exports.Start(ctx, reqCtx.Identity, call.Name, params, est.EstimatedRows)
	if err != nil {
		g.countTool(call.Name, "export_failed")
		g.auditToolCall(reqCtx, call, params, est, "export_failed", started)
		return callResult{
			result:  toolError(call, "the result is too large to return inline and an export could not be started"),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}
	}
	g.countTool(call.Name, "export")
	g.auditToolCall(reqCtx, call, params, est, "export", started)
	return callResult{
		result: toolContent(call, map[string]any{
			"status":         "export_started",
			"export_token":   job.Token,
			"estimated_rows": est.EstimatedRows,
			"note":           "the full result will be available as a download; do not retry this call",
		}),
		outcome: router.ToolOutcome{Name: call.Name},
		actions: []answer.Action{{
			Kind:          answer.ActionExportOffer,
			Label:         "Download full results",
			ExportToken:   job.Token,
			EstimatedRows: est.EstimatedRows,
		}},
	}
}

// proposeMutation turns a mutating tool intent into a draft proposal.
func (g *Gateway) proposeMutation(ctx context.Context, reqCtx *RequestContext, call provider.ToolCall, params map[string]any, result *registry.Result, est *safety.Estimate, started time.Time) callResult {
	lines := make([]proposal.Line, 0, len(result.Mutation.Lines))
	for _, l := range result.Mutation.Lines {
		lines = append(lines, proposal.Line{
			Entity:   l.Key,
			Summary:  l.Description,
			Quantity: l.Quantity,
		})
	}
	p, err := g.proposals.Create(ctx, reqCtx.Identity, result.Mutation.Kind, result.Mutation.Summary, result.Mutation.Payload, lines)
	if err != nil {
		g.countTool(call.Name, "proposal_failed")
		g.auditToolCall(reqCtx, call, params, est, "proposal_failed", started)
		return callResult{
			result:  toolError(call, "the proposal could not be recorded"),
			outcome: router.ToolOutcome{Name: call.Name, Failed: true},
		}
	}
	g.countTool(call.Name, "proposal")
	g.auditToolCall(reqCtx, call, params, est, "proposal", started)
	return callResult{
		result: toolContent(call, map[string]any{
			"status":      "proposal_created",
			"proposal_id": p.ID,
			"summary":     p.Summary,
			"line_count":  len(p.Lines),
			"note":        "a human must review, approve, and execute this proposal; nothing has been changed yet",
		}),
		outcome: router.ToolOutcome{Name: call.Name},
		actions: []answer.Action{{
			Kind:       answer.ActionProposalReference,
			Label:      p.Summary,
			ProposalID: p.ID,
		}},
	}
}

func inlineCapFor(ws *workspace.Workspace) int64 {
	if ws != nil && ws.MaxInlineRows > 0 {
		return ws.MaxInlineRows
	}
	return 0
}

func toolError(call provider.ToolCall, msg string) provider.ToolResult {
	return provider.ToolResult{CallID: call.ID, Content: msg, IsError: true}
}

func toolContent(call provider.ToolCall, data map[string]any) provider.ToolResult {
	raw, err := json.Marshal(data)
	if err != nil {
		return provider.ToolResult{CallID: call.ID, Content: "result serialization failed", IsError: true}
	}
	return provider.ToolResult{CallID: call.ID, Content: string(raw)}
}

func (g *Gateway) countTool(name, outcome string) {
	if g.metrics != nil {
		g.metrics.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
	}
}

func (g *Gateway) countDenial(kind string) {
	if g.metrics != nil {
		g.metrics.DenialsTotal.WithLabelValues(kind).Inc()
	}
}
