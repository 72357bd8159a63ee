// ABOUTME: HTTP handlers for first-party API token management
// ABOUTME: Create, list, get, rename and activate/deactivate the caller's own tokens

package gateway

import (
	"fmt"
	"net/http"

	"github.com/2389/bodhi-gateway/internal/apitoken"
	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/store"
)

// CreateTokenRequest is the JSON request body for POST /api/tokens.
type CreateTokenRequest struct {
	Name string `json:"name"`
	// Scope is a token scope such as "scope_token_user".
	Scope string `json:"scope,omitempty"`
}

// CreateTokenResponse carries the raw token, shown only once.
type CreateTokenResponse struct {
	*store.APIToken
	Token string `json:"token"`
}

// UpdateTokenRequest is the JSON request body for PUT /api/tokens/{id}.
// Either field may be omitted.
type UpdateTokenRequest struct {
	Name   *string            `json:"name,omitempty"`
	Status *store.TokenStatus `json:"status,omitempty"`
}

// handleCreateToken handles POST /api/tokens.
func (g *Gateway) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req CreateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	raw, rec, err := g.tokens.Create(r.Context(), apitoken.CreateRequest{
		UserID:   id.UserID,
		UserRole: id.Role,
		Name:     req.Name,
		Scope:    req.Scope,
	})
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateTokenResponse{APIToken: rec, Token: raw})
}

// handleListTokens handles GET /api/tokens?page=&page_size=.
func (g *Gateway) handleListTokens(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	page, pageSize, err := pageParams(r)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	tokens, total, err := g.tokens.List(r.Context(), id.UserID, page, pageSize)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pageResponse[*store.APIToken]{
		Data:     tokens,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// handleGetToken handles GET /api/tokens/{id}.
func (g *Gateway) handleGetToken(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	rec, err := g.tokens.Get(r.Context(), id.UserID, r.PathValue("id"))
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateToken handles PUT /api/tokens/{id}. Deactivation evicts the
// token from the cache before the response is written.
func (g *Gateway) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	tokenID := r.PathValue("id")

	var req UpdateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		autherr.WriteHTTP(w, err)
		return
	}
	if req.Name == nil && req.Status == nil {
		autherr.WriteHTTP(w, fmt.Errorf("%w: nothing to update", autherr.ErrInvalidRequest))
		return
	}

	var (
		rec *store.APIToken
		err error
	)
	if req.Name != nil {
		if rec, err = g.tokens.Rename(r.Context(), id.UserID, tokenID, *req.Name); err != nil {
			autherr.WriteHTTP(w, err)
			return
		}
	}
	if req.Status != nil {
		switch *req.Status {
		case store.TokenStatusInactive:
			rec, err = g.tokens.Invalidate(r.Context(), id.UserID, tokenID)
		case store.TokenStatusActive:
			rec, err = g.tokens.Reactivate(r.Context(), id.UserID, tokenID)
		default:
			err = fmt.Errorf("%w: status must be active or inactive", autherr.ErrInvalidRequest)
		}
		if err != nil {
			autherr.WriteHTTP(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, rec)
}
