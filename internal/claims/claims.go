// ABOUTME: Typed claim sets projected from verified JWTs
// ABOUTME: Variant is a closed set; consumers switch on the concrete type

package claims

import (
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind selects which Variant Decode produces.
type Kind int

const (
	KindScope Kind = iota
	KindClaims
	KindUserID
)

func (k Kind) String() string {
	switch k {
	case KindScope:
		return "scope"
	case KindClaims:
		return "claims"
	case KindUserID:
		return "user_id"
	default:
		return "unknown"
	}
}

// Variant is implemented only by the claim sets in this package.
type Variant interface {
	Kind() Kind
	isVariant()
}

// ResourceClaims lists the client roles granted on one resource.
type ResourceClaims struct {
	Roles []string `json:"roles"`
}

// ScopeClaims describes an access token's scope and authorized party.
type ScopeClaims struct {
	Issuer          string
	Subject         string
	AuthorizedParty string
	Audience        []string
	ExpiresAt       time.Time
	Scope           string
	AccessRequestID string
	TokenID         string
	ResourceAccess  map[string]ResourceClaims
}

func (*ScopeClaims) Kind() Kind { return KindScope }
func (*ScopeClaims) isVariant() {}

// Scopes splits Scope on whitespace.
func (c *ScopeClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether s is one of the token's scopes.
func (c *ScopeClaims) HasScope(s string) bool {
	return slices.Contains(c.Scopes(), s)
}

// ScopeWithPrefix returns the first scope starting with prefix.
func (c *ScopeClaims) ScopeWithPrefix(prefix string) (string, bool) {
	for _, s := range c.Scopes() {
		if strings.HasPrefix(s, prefix) {
			return s, true
		}
	}
	return "", false
}

// ResourceRoles returns the roles granted on clientID.
func (c *ScopeClaims) ResourceRoles(clientID string) []string {
	return c.ResourceAccess[clientID].Roles
}

// Claims is the user-facing profile view of a token.
type Claims struct {
	ID                string
	Issuer            string
	Subject           string
	AuthorizedParty   string
	ExpiresAt         time.Time
	Scope             string
	PreferredUsername string
	GivenName         string
	FamilyName        string
	ResourceAccess    map[string]ResourceClaims
}

func (*Claims) Kind() Kind { return KindClaims }
func (*Claims) isVariant() {}

// ResourceRoles returns the roles granted on clientID.
func (c *Claims) ResourceRoles(clientID string) []string {
	return c.ResourceAccess[clientID].Roles
}

// UserIDClaims is the minimal identity in a token.
type UserIDClaims struct {
	ID                string
	Subject           string
	PreferredUsername string
}

func (*UserIDClaims) Kind() Kind { return KindUserID }
func (*UserIDClaims) isVariant() {}

// tokenClaims is the wire shape shared by every token this package reads.
type tokenClaims struct {
	jwt.RegisteredClaims
	AuthorizedParty   string                    `json:"azp,omitempty"`
	Scope             string                    `json:"scope,omitempty"`
	PreferredUsername string                    `json:"preferred_username,omitempty"`
	GivenName         string                    `json:"given_name,omitempty"`
	FamilyName        string                    `json:"family_name,omitempty"`
	AccessRequestID   string                    `json:"access_request_id,omitempty"`
	TokenID           string                    `json:"token_id,omitempty"`
	ResourceAccess    map[string]ResourceClaims `json:"resource_access,omitempty"`
}

func (t *tokenClaims) project(kind Kind) Variant {
	var exp time.Time
	if t.ExpiresAt != nil {
		exp = t.ExpiresAt.Time
	}

	switch kind {
	case KindClaims:
		return &Claims{
			ID:                t.ID,
			Issuer:            t.Issuer,
			Subject:           t.Subject,
			AuthorizedParty:   t.AuthorizedParty,
			ExpiresAt:         exp,
			Scope:             t.Scope,
			PreferredUsername: t.PreferredUsername,
			GivenName:         t.GivenName,
			FamilyName:        t.FamilyName,
			ResourceAccess:    t.ResourceAccess,
		}
	case KindUserID:
		return &UserIDClaims{
			ID:                t.ID,
			Subject:           t.Subject,
			PreferredUsername: t.PreferredUsername,
		}
	default:
		return &ScopeClaims{
			Issuer:          t.Issuer,
			Subject:         t.Subject,
			AuthorizedParty: t.AuthorizedParty,
			Audience:        []string(t.Audience),
			ExpiresAt:       exp,
			Scope:           t.Scope,
			AccessRequestID: t.AccessRequestID,
			TokenID:         t.TokenID,
			ResourceAccess:  t.ResourceAccess,
		}
	}
}
