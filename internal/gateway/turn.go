package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/answer"
	"github.com/atlasbi/gateway/internal/budget"
	"github.com/atlasbi/gateway/internal/provider"
	"github.com/atlasbi/gateway/internal/router"
	"github.com/atlasbi/gateway/internal/safety"
	"github.com/atlasbi/gateway/internal/storage"
)

// turnState accumulates everything one turn produces across round trips and
// a possible escalation rerun.
type turnState struct {
	record    router.Record
	usage     provider.Usage
	toolCalls int
	outcomes  []router.ToolOutcome
	actions   []answer.Action
	lastResp  *provider.ChatResponse
	messages  []provider.Message
}

// HandleTurn is the single entry point for chat turns. It always returns a
// schema-compliant answer; only provider exhaustion and the iteration cap
// surface as errors alongside one.
func (g *Gateway) HandleTurn(ctx context.Context, reqCtx *RequestContext, userMessage string) (*answer.StructuredAnswer, error) {
	started := time.Now()

	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return errorAnswer("empty_message", "The message is empty."), nil
	}
	if len(userMessage) > g.cfg.MaxInputChars {
		return errorAnswer("message_too_long", fmt.Sprintf("The message exceeds %d characters.", g.cfg.MaxInputChars)), nil
	}

	if err := g.budget.Allow(ctx, reqCtx.Identity.ID, reqCtx.Identity.WorkspaceCode); err != nil {
		return g.budgetRefusal(reqCtx, err)
	}
	if err := g.budget.CheckTokens(ctx, reqCtx.Identity.ID, reqCtx.Identity.WorkspaceCode); err != nil {
		return g.budgetRefusal(reqCtx, err)
	}

	classification := g.classifier.Classify(userMessage, len(reqCtx.History))
	record := g.selector.Select(classification.Tier)

	st := &turnState{record: record}
	finalText, err := g.runTurn(ctx, reqCtx, userMessage, st)

	escalated := false
	var escalationReasons []string
	if err == nil {
		if should, reasons := g.escalator.ShouldEscalate(st.lastResp, st.outcomes, st.record.Tier); should {
			if rec, ok := g.selector.SelectEscalated(st.record.Tier); ok {
				escalated = true
				escalationReasons = reasons
				if g.metrics != nil {
					g.metrics.EscalationsTotal.Inc()
				}
				g.logger.Info("escalating turn",
					zap.String("request_id", reqCtx.RequestID),
					zap.String("from_tier", string(st.record.Tier)),
					zap.String("to_tier", string(rec.Tier)),
					zap.Strings("reasons", reasons),
				)
				// The rerun starts clean on the higher tier; only usage
				// accounting carries over.
				rerun := &turnState{record: rec, usage: st.usage}
				finalText, err = g.runTurn(ctx, reqCtx, userMessage, rerun)
				st = rerun
			}
		}
	}

	g.budget.Consume(ctx, reqCtx.Identity.ID, st.usage.Units())

	var ans *answer.StructuredAnswer
	outcome := "ok"
	switch {
	case errors.Is(err, ErrIterationCapExceeded):
		outcome = "iteration_cap"
		ans = errorAnswer("iteration_cap_exceeded",
			"Unable to complete this request, please narrow your question.")
	case err != nil:
		outcome = "provider_error"
		ans = errorAnswer("provider_unavailable",
			"The assistant is temporarily unavailable. Please try again.")
	default:
		ans = g.parser.Sanitize(finalText)
		if ans.Error != nil {
			outcome = "malformed_answer"
		}
	}

	ans.Actions = append(ans.Actions, st.actions...)
	ans.Meta = &answer.Meta{
		ToolCalls:    st.toolCalls,
		TotalTimeMs:  time.Since(started).Milliseconds(),
		InputTokens:  st.usage.InputTokens,
		OutputTokens: st.usage.OutputTokens,
		Provider:     st.record.Provider,
		Model:        st.record.Model,
		Tier:         string(st.record.Tier),
		Escalated:    escalated,
		Reasons:      escalationReasons,
	}

	if g.metrics != nil {
		g.metrics.TurnsTotal.WithLabelValues(string(st.record.Tier)).Inc()
		g.metrics.TurnLatency.Observe(time.Since(started).Seconds())
	}
	g.auditTurn(reqCtx, st, escalated, escalationReasons, outcome, started)

	if errors.Is(err, ErrIterationCapExceeded) {
		return ans, err
	}
	if err != nil {
		return ans, fmt.Errorf("HandleTurn: %w", err)
	}
	return ans, nil
}

// runTurn drives model round trips until a final answer or the iteration
// cap. Each iteration is one model call plus the tool batch it requested.
func (g *Gateway) runTurn(ctx context.Context, reqCtx *RequestContext, userMessage string, st *turnState) (string, error) {
	maxIterations := g.cfg.MaxIterations
	if st.record.MaxToolCalls > 0 && st.record.MaxToolCalls < maxIterations {
		maxIterations = st.record.MaxToolCalls
	}
	if reqCtx.Workspace != nil && reqCtx.Workspace.MaxToolCalls > 0 && reqCtx.Workspace.MaxToolCalls < maxIterations {
		maxIterations = reqCtx.Workspace.MaxToolCalls
	}

	system := g.systemPrompt(ctx, reqCtx.Workspace)
	tools := g.toolSchemas(reqCtx.Workspace)

	st.messages = append(g.trimHistory(reqCtx.History),
		provider.Message{Role: provider.RoleUser, Content: userMessage})

	client := g.client(st.record.Provider)
	for i := 0; i < maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := client.Chat(ctx, &provider.ChatRequest{
			Model:    st.record.Model,
			System:   system,
			Messages: st.messages,
			Tools:    tools,
		})
		if err != nil {
			return "", err
		}
		st.lastResp = resp
		st.usage.InputTokens += resp.Usage.InputTokens
		st.usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			return resp.Text, nil
		}

		st.toolCalls += len(resp.ToolCalls)
		results := g.executeCalls(ctx, reqCtx, resp.ToolCalls)

		toolResults := make([]provider.ToolResult, 0, len(results))
		for _, r := range results {
			toolResults = append(toolResults, r.result)
			st.outcomes = append(st.outcomes, r.outcome)
			st.actions = append(st.actions, r.actions...)
		}
		st.messages = append(st.messages,
			provider.Message{Role: provider.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls},
			provider.Message{Role: provider.RoleTool, ToolResults: toolResults},
		)
	}
	return "", ErrIterationCapExceeded
}

// Estimate exposes the safety controller for the pre-flight estimate
// operation: what would this call cost, without running it.
func (g *Gateway) Estimate(ctx context.Context, reqCtx *RequestContext, tool string, params map[string]any) (*safety.Estimate, error) {
	desc, err := g.registry.Lookup(tool)
	if err != nil {
		return nil, err
	}
	normalized, err := g.registry.Validate(tool, params)
	if err != nil {
		return nil, err
	}
	if !reqCtx.Identity.CanAll(desc.Capabilities...) {
		return nil, ErrForbiddenTool
	}
	return g.estimateCall(ctx, reqCtx, desc, normalized), nil
}

// ErrForbiddenTool reports a direct estimate or export request for a tool
// the identity cannot use.
var ErrForbiddenTool = errors.New("tool not permitted for this identity")

// StartExport exposes the export path directly, bypassing the loop, for
// callers that already know they want the full result.
func (g *Gateway) StartExport(ctx context.Context, reqCtx *RequestContext, tool string, params map[string]any) (token string, err error) {
	desc, err := g.registry.Lookup(tool)
	if err != nil {
		return "", err
	}
	normalized, err := g.registry.Validate(tool, params)
	if err != nil {
		return "", err
	}
	if !reqCtx.Identity.CanAll(desc.Capabilities...) {
		return "", ErrForbiddenTool
	}
	est := g.estimateCall(ctx, reqCtx, desc, normalized)
	if est.Recommendation == safety.RecommendDeny {
		return "", &safety.CostDeniedError{EstimatedRows: est.EstimatedRows, ExportCap: g.safety.Caps().ExportCap}
	}
	job, err := g.exports.Start(ctx, reqCtx.Identity, tool, normalized, est.EstimatedRows)
	if err != nil {
		return "", err
	}
	return job.Token, nil
}

func (g *Gateway) budgetRefusal(reqCtx *RequestContext, err error) (*answer.StructuredAnswer, error) {
	g.countDenial("budget")
	var berr *budget.ExceededError
	msg := "You have reached your usage limit. Please try again later."
	if errors.As(err, &berr) {
		msg = fmt.Sprintf("You have reached your %s limit for this %s. Please try again later.", berr.Kind, berr.Window)
	}
	g.logger.Info("turn refused by budget",
		zap.String("request_id", reqCtx.RequestID),
		zap.String("identity_id", reqCtx.Identity.ID),
		zap.Error(err),
	)
	return errorAnswer("budget_exceeded", msg), nil
}

func errorAnswer(code, message string) *answer.StructuredAnswer {
	return &answer.StructuredAnswer{
		Summary: message,
		Error:   &answer.ErrorInfo{Code: code, Message: message},
	}
}

func (g *Gateway) auditTurn(reqCtx *RequestContext, st *turnState, escalated bool, reasons []string, outcome string, started time.Time) {
	if g.audit == nil {
		return
	}
	g.audit.Write(&storage.AuditEvent{
		RequestID:      reqCtx.RequestID,
		ConversationID: reqCtx.ConversationID,
		Timestamp:      time.Now(),
		Kind:           storage.EventTurn,
		IdentityID:     reqCtx.Identity.ID,
		WorkspaceCode:  reqCtx.Identity.WorkspaceCode,
		Tier:           string(st.record.Tier),
		Provider:       st.record.Provider,
		Model:          st.record.Model,
		Escalated:      escalated,
		Reasons:        reasons,
		ToolCalls:      uint32(st.toolCalls),
		InputTokens:    uint64(st.usage.InputTokens),
		OutputTokens:   uint64(st.usage.OutputTokens),
		Outcome:        outcome,
		LatencyMs:      float32(time.Since(started).Milliseconds()),
	})
}

func (g *Gateway) auditToolCall(reqCtx *RequestContext, call provider.ToolCall, params map[string]any, est *safety.Estimate, outcome string, started time.Time) {
	if g.audit == nil {
		return
	}
	event := &storage.AuditEvent{
		RequestID:      reqCtx.RequestID,
		ConversationID: reqCtx.ConversationID,
		Timestamp:      time.Now(),
		Kind:           storage.EventToolCall,
		IdentityID:     reqCtx.Identity.ID,
		WorkspaceCode:  reqCtx.Identity.WorkspaceCode,
		ToolName:       call.Name,
		ParamsPreview:  storage.TruncatePreview(fmt.Sprintf("%v", params), storage.ParamsPreviewLength),
		Outcome:        outcome,
		LatencyMs:      float32(time.Since(started).Milliseconds()),
	}
	if est != nil {
		event.EstimatedRows = est.EstimatedRows
		event.Recommendation = string(est.Recommendation)
	}
	g.audit.Write(event)
}
