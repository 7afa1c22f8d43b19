package api

import (
	"errors"
	"net/http"

	"github.com/atlasbi/gateway/internal/export"
	"github.com/atlasbi/gateway/internal/gateway"
	"github.com/atlasbi/gateway/internal/registry"
	"github.com/atlasbi/gateway/internal/safety"
)

// ExportRequest is the POST /v1/exports body.
type ExportRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

func (d *Dependencies) handleStartExport(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req ExportRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	reqCtx, err := d.requestContext(r, identity, "", nil)
	if err != nil {
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: err.Error()})
		return
	}

	token, err := d.Gateway.StartExport(r.Context(), reqCtx, req.Tool, req.Params)
	if err != nil {
		status := http.StatusBadRequest
		var nf *registry.NotFoundError
		var cd *safety.CostDeniedError
		switch {
		case errors.As(err, &nf):
			status = http.StatusNotFound
		case errors.As(err, &cd):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, gateway.ErrForbiddenTool):
			status = http.StatusForbidden
		}
		writeJSON(w, status, ErrorResp{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"token": token})
}

func (d *Dependencies) handleGetExport(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	token := r.PathValue("token")

	job, err := d.Exports.Status(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Export not found"})
		return
	}
	if job.IdentityID != identity.ID {
		// Claim tokens are bearer-ish but still scoped to their creator.
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Export not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":          job.Token,
		"tool":           job.Tool,
		"state":          string(job.State),
		"total_rows":     job.TotalRows,
		"processed_rows": job.ProcessedRows,
		"filename":       job.Filename,
		"error":          job.Error,
	})
}

func (d *Dependencies) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	token := r.PathValue("token")

	job, err := d.Exports.Status(r.Context(), token)
	if err != nil || job.IdentityID != identity.ID {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Export not found"})
		return
	}
	if job.State != export.StateCompleted {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "Export is not ready"})
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(job.CSV)
}
