package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/gateway"
	"github.com/atlasbi/gateway/internal/provider"
	"github.com/atlasbi/gateway/internal/registry"
	"github.com/atlasbi/gateway/internal/workspace"
)

// TurnRequest is the POST /v1/turns body.
type TurnRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Message        string             `json:"message"`
	History        []provider.Message `json:"history,omitempty"`
}

func (d *Dependencies) handleTurn(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req TurnRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	reqCtx, err := d.requestContext(r, identity, req.ConversationID, req.History)
	if err != nil {
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: err.Error()})
		return
	}

	ans, err := d.Gateway.HandleTurn(r.Context(), reqCtx, req.Message)
	if err != nil && !errors.Is(err, gateway.ErrIterationCapExceeded) {
		d.Logger.Error("turn failed",
			zap.String("request_id", reqCtx.RequestID),
			zap.Error(err),
		)
	}
	// Even terminal turn errors carry a structured answer.
	writeJSON(w, http.StatusOK, ans)
}

// EstimateRequest is the POST /v1/estimate body.
type EstimateRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

func (d *Dependencies) handleEstimate(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req EstimateRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	reqCtx, err := d.requestContext(r, identity, "", nil)
	if err != nil {
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: err.Error()})
		return
	}

	est, err := d.Gateway.Estimate(r.Context(), reqCtx, req.Tool, req.Params)
	if err != nil {
		status := http.StatusBadRequest
		var nf *registry.NotFoundError
		if errors.As(err, &nf) {
			status = http.StatusNotFound
		} else if errors.Is(err, gateway.ErrForbiddenTool) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, ErrorResp{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"estimated_rows":    est.EstimatedRows,
		"estimated_seconds": est.EstimatedSeconds,
		"recommendation":    string(est.Recommendation),
	})
}

// requestContext assembles the per-turn request context, resolving the
// identity's workspace and checking its entry capability.
func (d *Dependencies) requestContext(r *http.Request, identity *auth.Identity, conversationID string, history []provider.Message) (*gateway.RequestContext, error) {
	var ws *workspace.Workspace
	if identity.WorkspaceCode != "" {
		loaded, err := d.Workspaces.Workspace(r.Context(), identity.WorkspaceCode)
		if err != nil {
			return nil, err
		}
		ws = loaded
	} else {
		ws = workspace.Default()
	}
	if ws.RequiredCapability != "" && !identity.Can(auth.Capability(ws.RequiredCapability)) {
		return nil, &auth.AccessDeniedError{Identity: identity.ID, Capability: auth.Capability(ws.RequiredCapability)}
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return &gateway.RequestContext{
		RequestID:      uuid.NewString(),
		ConversationID: conversationID,
		Identity:       identity,
		Workspace:      ws,
		History:        history,
	}, nil
}
