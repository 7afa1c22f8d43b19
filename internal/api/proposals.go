package api

import (
	"errors"
	"net/http"

	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/proposal"
)

// proposalResp is the wire shape for one proposal.
func proposalResp(p *proposal.Proposal) map[string]any {
	return map[string]any{
		"id":           p.ID,
		"kind":         p.Kind,
		"summary":      p.Summary,
		"state":        string(p.State),
		"lines":        p.Lines,
		"created_by":   p.CreatedBy,
		"reviewed_by":  p.ReviewedBy,
		"approved_by":  p.ApprovedBy,
		"rejected_by":  p.RejectedBy,
		"note":         p.Note,
		"executed_ref": p.ExecutedRef,
		"created_at":   p.CreatedAt,
		"expires_at":   p.ExpiresAt,
	}
}

func (d *Dependencies) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := d.Proposals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		d.writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalResp(p))
}

// transitionBody carries the optional reviewer note.
type transitionBody struct {
	Note string `json:"note,omitempty"`
}

func (d *Dependencies) handleReviewProposal(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	var body transitionBody
	_ = readJSON(r, &body)

	p, err := d.Proposals.Review(r.Context(), identity, r.PathValue("id"), body.Note)
	if err != nil {
		d.writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalResp(p))
}

func (d *Dependencies) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	p, err := d.Proposals.Approve(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		d.writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalResp(p))
}

func (d *Dependencies) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	var body transitionBody
	_ = readJSON(r, &body)

	p, err := d.Proposals.Reject(r.Context(), identity, r.PathValue("id"), body.Note)
	if err != nil {
		d.writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalResp(p))
}

func (d *Dependencies) handleExecuteProposal(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	p, err := d.Proposals.Execute(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		var already *proposal.AlreadyExecutedError
		if errors.As(err, &already) {
			// Idempotent: report the original execution.
			writeJSON(w, http.StatusOK, map[string]any{
				"id":           already.ID,
				"state":        string(proposal.StateExecuted),
				"executed_ref": already.ExecutedRef,
			})
			return
		}
		d.writeProposalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalResp(p))
}

func (d *Dependencies) writeProposalError(w http.ResponseWriter, err error) {
	var nf *proposal.NotFoundError
	var denied *auth.AccessDeniedError
	var transition *proposal.TransitionError
	switch {
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Proposal not found"})
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "You are not permitted to perform this action"})
	case errors.Is(err, proposal.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "Already processed, refresh and retry"})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal error"})
	}
}
