// ABOUTME: HTTP handlers for third-party app access requests
// ABOUTME: App-facing draft creation and polling, plus user-facing review, approve and deny

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/2389/bodhi-gateway/internal/accessrequest"
	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/store"
)

// RequestAccessResponse is the JSON response for POST /api/apps/request-access.
type RequestAccessResponse struct {
	ID          string                    `json:"id"`
	Status      store.AccessRequestStatus `json:"status"`
	ReviewURL   string                    `json:"review_url"`
	RedirectURI string                    `json:"redirect_uri,omitempty"`
	ExpiresAt   time.Time                 `json:"expires_at"`
}

// AppAccessRequestStatus is what a polling app may see of its request.
type AppAccessRequestStatus struct {
	ID                 string                    `json:"id"`
	Status             store.AccessRequestStatus `json:"status"`
	RequestedRole      string                    `json:"requested_role"`
	ApprovedRole       string                    `json:"approved_role,omitempty"`
	ResourceScope      string                    `json:"resource_scope,omitempty"`
	AccessRequestScope string                    `json:"access_request_scope,omitempty"`
	ErrorMessage       string                    `json:"error_message,omitempty"`
}

// ApproveRequest is the JSON request body for POST /api/access-requests/{id}/approve.
type ApproveRequest struct {
	// ApprovedRole is a user scope such as "scope_user_user".
	ApprovedRole string                  `json:"approved_role"`
	Toolsets     []store.ApprovedToolset `json:"toolset_types"`
}

// handleRequestAccess handles POST /api/apps/request-access.
func (g *Gateway) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	var req accessrequest.DraftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	rec, err := g.accessRequests.CreateDraft(r.Context(), req)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, RequestAccessResponse{
		ID:          rec.ID,
		Status:      rec.Status,
		ReviewURL:   g.accessRequests.ReviewURL(rec.ID),
		RedirectURI: rec.RedirectURI,
		ExpiresAt:   rec.ExpiresAt,
	})
}

// handleAppAccessRequestStatus handles GET /api/apps/access-requests/{id}?app_client_id=.
// A request belonging to another app is reported as not found.
func (g *Gateway) handleAppAccessRequestStatus(w http.ResponseWriter, r *http.Request) {
	appClientID := r.URL.Query().Get("app_client_id")
	if appClientID == "" {
		autherr.WriteHTTP(w, fmt.Errorf("%w: app_client_id is required", autherr.ErrInvalidRequest))
		return
	}

	rec, err := g.accessRequests.GetForApp(r.Context(), r.PathValue("id"), appClientID)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AppAccessRequestStatus{
		ID:                 rec.ID,
		Status:             rec.Status,
		RequestedRole:      rec.RequestedRole,
		ApprovedRole:       rec.ApprovedRole,
		ResourceScope:      rec.ResourceScope,
		AccessRequestScope: rec.AccessRequestScope,
		ErrorMessage:       rec.ErrorMessage,
	})
}

// handleReviewAccessRequest handles GET /api/access-requests/{id}/review.
func (g *Gateway) handleReviewAccessRequest(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	rec, err := g.accessRequests.Review(r.Context(), r.PathValue("id"), id.Token)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleApproveAccessRequest handles POST /api/access-requests/{id}/approve.
// A consent conflict at the IdP leaves the request failed and answers 409.
func (g *Gateway) handleApproveAccessRequest(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req ApproveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	rec, err := g.accessRequests.Approve(r.Context(), accessrequest.Approval{
		ID:            r.PathValue("id"),
		ReviewerID:    id.UserID,
		ReviewerRole:  id.Role,
		ReviewerToken: id.Token,
		ApprovedRole:  req.ApprovedRole,
		Toolsets:      req.Toolsets,
	})
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}
	if rec.Status == store.AccessRequestFailed {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  rec.ErrorMessage,
			"status": string(rec.Status),
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleDenyAccessRequest handles POST /api/access-requests/{id}/deny.
func (g *Gateway) handleDenyAccessRequest(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	rec, err := g.accessRequests.Deny(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
