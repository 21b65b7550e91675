package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tetherlabs/tether/internal/approval"
	"github.com/tetherlabs/tether/internal/events"
	"github.com/tetherlabs/tether/internal/httputil"
	"github.com/tetherlabs/tether/internal/logging"
	"github.com/tetherlabs/tether/internal/svc"
)

type requestApprovalRequest struct {
	Command       string `json:"command"`
	SecurityLevel string `json:"security_level"`
}

// RequestApprovalHandler opens an approval gate for a sensitive
// command and announces it on the event bus.
func RequestApprovalHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req requestApprovalRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Command == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "command is required")
			return
		}
		if req.SecurityLevel == "" {
			req.SecurityLevel = "high"
		}

		approvalReq, err := svcCtx.Approvals.Request(r.Context(), req.Command, req.SecurityLevel)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}

		if err := events.Emit(svcCtx.Events, events.TopicApprovalRequested, approvalReq); err != nil {
			logging.Warnf("[handler] emit approval request: %v", err)
		}
		httputil.OkJSON(w, map[string]any{
			"request_id": approvalReq.ID,
			"expires_at": approvalReq.ExpiresAt,
		})
	}
}

// PendingApprovalsHandler lists requests still waiting for a verdict,
// oldest first.
func PendingApprovalsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := svcCtx.Approvals.Pending(r.Context())
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		if pending == nil {
			pending = []*approval.Request{}
		}
		httputil.OkJSON(w, map[string]any{"pending": pending})
	}
}

// CheckApprovalHandler reports a request's status. An unknown id is a
// 200 with status not_found, not a 404: the caller polls this endpoint
// and the distinction is data, not transport.
func CheckApprovalHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "id")
		decision, err := svcCtx.Approvals.Check(r.Context(), id)
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.OkJSON(w, decision)
	}
}

type resolveApprovalRequest struct {
	ID       string          `path:"id"`
	Approved bool            `json:"approved"`
	Result   json.RawMessage `json:"result"`
}

// ResolveApprovalHandler records the external approver's verdict. The
// conditional pending-only update means a request resolved, expired,
// or raced by another approver comes back 409.
func ResolveApprovalHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveApprovalRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		resolved, err := svcCtx.Approvals.Resolve(r.Context(), req.ID, req.Approved, req.Result)
		if err != nil {
			switch {
			case errors.Is(err, approval.ErrNotFound):
				httputil.NotFound(w, "unknown approval request")
			case errors.Is(err, approval.ErrAlreadyResolved):
				httputil.ErrorWithCode(w, http.StatusConflict, err.Error())
			default:
				httputil.InternalError(w, err.Error())
			}
			return
		}

		if err := events.Emit(svcCtx.Events, events.TopicApprovalResolved, resolved); err != nil {
			logging.Warnf("[handler] emit approval resolved: %v", err)
		}
		httputil.OkJSON(w, resolved)
	}
}
