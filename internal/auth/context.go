// ABOUTME: Resolved request identity and its propagation through context
// ABOUTME: Provides WithAuth/FromContext for handlers and middleware

package auth

import (
	"context"

	"github.com/2389/bodhi-gateway/internal/role"
)

// Kind names the credential an Identity was resolved from.
type Kind string

const (
	KindAnonymous   Kind = "anonymous"
	KindSession     Kind = "session"
	KindAPIToken    Kind = "api_token"
	KindExternalApp Kind = "external_app"
)

// Identity is the caller of the current request. Role comes from exactly one
// source: the session user's stored role, the API token's scope, or the
// exchanged token's scope.
type Identity struct {
	Kind            Kind
	UserID          string
	Username        string
	Role            role.Role
	AuthorizedParty string // azp; set for external apps
	AccessRequestID string // set when an access request backs an external app
	TokenID         string // public id of an API token
	Token           string // resource-scoped access token for downstream calls
}

// Anonymous returns an identity for requests without credentials.
func Anonymous() *Identity {
	return &Identity{Kind: KindAnonymous}
}

// IsAuthenticated reports whether the identity came from a credential.
func (i *Identity) IsAuthenticated() bool {
	return i != nil && i.Kind != KindAnonymous
}

// authContextKey is the key type for storing Identity in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the Identity attached.
func WithAuth(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, authContextKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(authContextKey{}).(*Identity)
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
