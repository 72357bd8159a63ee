// ABOUTME: HTTP route table binding handlers to their authentication requirements
// ABOUTME: Each route composes the authenticator, a role gate, and optional toolset checks

package gateway

import (
	"net/http"

	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/role"
)

// middleware wraps a handler.
type middleware func(http.Handler) http.Handler

// chain applies mws so the first runs outermost.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	authenticated := middleware(auth.HTTPAuthMiddleware(g.authenticator))
	optional := middleware(auth.OptionalAuthMiddleware(g.authenticator))

	sessionUser := []middleware{authenticated, auth.RequireRole(role.User)}
	sessionManager := []middleware{authenticated, auth.RequireRole(role.Manager)}
	anyUser := []middleware{authenticated, auth.RequireRole(role.User, auth.AllowAPITokens(), auth.AllowExternalApps())}
	toolCaller := []middleware{authenticated, auth.RequireRole(role.User, auth.AllowExternalApps()), g.toolsets.Middleware}

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.Handle("GET /api/user", chain(http.HandlerFunc(g.handleUserInfo), optional))

	mux.Handle("POST /api/tokens", chain(http.HandlerFunc(g.handleCreateToken), sessionUser...))
	mux.Handle("GET /api/tokens", chain(http.HandlerFunc(g.handleListTokens), sessionUser...))
	mux.Handle("GET /api/tokens/{id}", chain(http.HandlerFunc(g.handleGetToken), sessionUser...))
	mux.Handle("PUT /api/tokens/{id}", chain(http.HandlerFunc(g.handleUpdateToken), sessionUser...))

	// App-facing endpoints; the app is not a user of this server yet.
	mux.HandleFunc("POST /api/apps/request-access", g.handleRequestAccess)
	mux.HandleFunc("GET /api/apps/access-requests/{id}", g.handleAppAccessRequestStatus)

	mux.Handle("GET /api/access-requests/{id}/review", chain(http.HandlerFunc(g.handleReviewAccessRequest), sessionUser...))
	mux.Handle("POST /api/access-requests/{id}/approve", chain(http.HandlerFunc(g.handleApproveAccessRequest), sessionUser...))
	mux.Handle("POST /api/access-requests/{id}/deny", chain(http.HandlerFunc(g.handleDenyAccessRequest), sessionUser...))

	mux.Handle("GET /api/users", chain(http.HandlerFunc(g.handleListUsers), sessionManager...))
	mux.Handle("PUT /api/users/{user_id}/role", chain(http.HandlerFunc(g.handleChangeUserRole), sessionManager...))
	mux.Handle("DELETE /api/users/{user_id}", chain(http.HandlerFunc(g.handleDeleteUser), sessionManager...))

	mux.Handle("POST /api/toolsets/{id}/execute", chain(http.HandlerFunc(g.handleExecuteToolset), toolCaller...))

	mux.Handle("GET /api/models", chain(http.HandlerFunc(g.handleListModels), anyUser...))
}
