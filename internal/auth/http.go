// ABOUTME: HTTP middleware for request authentication and role gating
// ABOUTME: Strips and sets the internal X-BodhiApp-* headers around identity resolution

package auth

import (
	"net/http"
	"strings"

	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/role"
)

// Internal headers set after authentication. Clients cannot supply them.
const (
	InternalHeaderPrefix  = "X-Bodhiapp-"
	HeaderUserID          = "X-BodhiApp-User-Id"
	HeaderUsername        = "X-BodhiApp-Username"
	HeaderRole            = "X-BodhiApp-Role"
	HeaderAuthorizedParty = "X-BodhiApp-Azp"
	HeaderAccessRequestID = "X-BodhiApp-Access-Request-Id"
	headerSecFetchSite    = "Sec-Fetch-Site"
	headerAuthorization   = "Authorization"
)

// StripInternalHeaders removes every client-supplied X-BodhiApp-* header.
func StripInternalHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name := range r.Header {
			if strings.HasPrefix(http.CanonicalHeaderKey(name), InternalHeaderPrefix) {
				delete(r.Header, name)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requestFromHTTP gathers the credential-bearing parts of r.
func (a *Authenticator) requestFromHTTP(r *http.Request) Request {
	req := Request{
		Authorization: r.Header.Get(headerAuthorization),
		SecFetchSite:  r.Header.Get(headerSecFetchSite),
		AcceptSession: true,
		RemoteAddr:    r.RemoteAddr,
	}
	if c, err := r.Cookie(a.sessionCookie); err == nil {
		req.SessionID = c.Value
	}
	return req
}

// setInternalHeaders exposes id to downstream handlers.
func setInternalHeaders(r *http.Request, id *Identity) {
	r.Header.Set(HeaderUserID, id.UserID)
	r.Header.Set(HeaderUsername, id.Username)
	r.Header.Set(HeaderRole, id.Role.String())
	if id.AuthorizedParty != "" {
		r.Header.Set(HeaderAuthorizedParty, id.AuthorizedParty)
	}
	if id.AccessRequestID != "" {
		r.Header.Set(HeaderAccessRequestID, id.AccessRequestID)
	}
}

// HTTPAuthMiddleware requires an authenticated identity and attaches it to
// the request context.
func HTTPAuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), a.requestFromHTTP(r))
			if err != nil {
				autherr.WriteHTTP(w, err)
				return
			}
			if !id.IsAuthenticated() {
				autherr.WriteHTTP(w, autherr.ErrNotAuthenticated)
				return
			}

			setInternalHeaders(r, id)
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), id)))
		})
	}
}

// OptionalAuthMiddleware attempts authentication but lets failed or missing
// credentials through as anonymous.
func OptionalAuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), a.requestFromHTTP(r))
			if err != nil || !id.IsAuthenticated() {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), Anonymous())))
				return
			}

			setInternalHeaders(r, id)
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), id)))
		})
	}
}

// RoleOption widens the identity kinds RequireRole accepts.
type RoleOption func(*roleGate)

type roleGate struct {
	allowed map[Kind]bool
}

// AllowAPITokens lets first-party API tokens through the gate.
func AllowAPITokens() RoleOption {
	return func(g *roleGate) { g.allowed[KindAPIToken] = true }
}

// AllowExternalApps lets exchanged third-party tokens through the gate.
func AllowExternalApps() RoleOption {
	return func(g *roleGate) { g.allowed[KindExternalApp] = true }
}

// CheckRole reports whether id may use a route gated at minimum for the
// given identity kinds.
func CheckRole(id *Identity, minimum role.Role, opts ...RoleOption) error {
	g := roleGate{allowed: map[Kind]bool{KindSession: true}}
	for _, opt := range opts {
		opt(&g)
	}

	if !id.IsAuthenticated() {
		return autherr.ErrNotAuthenticated
	}
	if !g.allowed[id.Kind] {
		return autherr.ErrInsufficientRole
	}
	if !role.MeetsMinimum(id.Role, minimum) {
		return autherr.ErrInsufficientRole
	}
	return nil
}

// RequireRole rejects identities below minimum. Only session identities pass
// unless widened with AllowAPITokens or AllowExternalApps.
// Must be used after HTTPAuthMiddleware.
func RequireRole(minimum role.Role, opts ...RoleOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := CheckRole(FromContext(r.Context()), minimum, opts...); err != nil {
				autherr.WriteHTTP(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
