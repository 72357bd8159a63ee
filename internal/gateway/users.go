// ABOUTME: HTTP handlers for user management by managers and admins
// ABOUTME: Role changes and removals are limited to roles below the actor and never the actor

package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/role"
	"github.com/2389/bodhi-gateway/internal/store"
)

// ChangeRoleRequest is the JSON request body for PUT /api/users/{user_id}/role.
type ChangeRoleRequest struct {
	Role string `json:"role"`
}

// handleListUsers handles GET /api/users?page=&page_size=.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	users, total, err := g.store.ListUsers(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pageResponse[*store.User]{
		Data:     users,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// handleChangeUserRole handles PUT /api/users/{user_id}/role. The change bumps
// the user's role generation, so their open sessions stop resolving at once.
func (g *Gateway) handleChangeUserRole(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())

	var req ChangeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		autherr.WriteHTTP(w, err)
		return
	}
	newRole, err := role.Parse(req.Role)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	target, err := g.manageableUser(r, actor)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}
	if !role.CanAssign(actor.Role, newRole) {
		autherr.WriteHTTP(w, fmt.Errorf("%w: cannot assign %s", autherr.ErrInsufficientRole, newRole))
		return
	}

	updated, err := g.store.SetUserRole(r.Context(), target.UserID, string(newRole))
	if err != nil {
		autherr.WriteHTTP(w, mapStoreErr(err))
		return
	}

	g.logger.Info("user role changed",
		"actor_id", actor.UserID,
		"user_id", target.UserID,
		"from", target.Role,
		"to", newRole,
	)
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteUser handles DELETE /api/users/{user_id}.
func (g *Gateway) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())

	target, err := g.manageableUser(r, actor)
	if err != nil {
		autherr.WriteHTTP(w, err)
		return
	}

	if err := g.store.DeleteUser(r.Context(), target.UserID); err != nil {
		autherr.WriteHTTP(w, mapStoreErr(err))
		return
	}

	g.logger.Info("user removed", "actor_id", actor.UserID, "user_id", target.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// manageableUser loads the {user_id} target and checks the actor may act on
// it: never themselves, and only users strictly below their own role.
func (g *Gateway) manageableUser(r *http.Request, actor *auth.Identity) (*store.User, error) {
	userID := r.PathValue("user_id")
	if role.IsSelf(actor.UserID, userID) {
		return nil, autherr.ErrSelfModification
	}

	target, err := g.store.GetUser(r.Context(), userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !role.CanAssign(actor.Role, role.Role(target.Role)) {
		return nil, fmt.Errorf("%w: cannot manage a %s", autherr.ErrInsufficientRole, target.Role)
	}
	return target, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return autherr.ErrNotFound
	}
	return err
}
