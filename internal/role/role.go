// ABOUTME: Role and scope ordering used for route gating and role assignment
// ABOUTME: Pure functions over the user < power_user < manager < admin hierarchy

package role

import (
	"fmt"
	"strings"

	"github.com/2389/bodhi-gateway/internal/autherr"
)

// Role is a member of the linear role hierarchy.
type Role string

const (
	User      Role = "user"
	PowerUser Role = "power_user"
	Manager   Role = "manager"
	Admin     Role = "admin"
)

// All lists every role from lowest to highest.
var All = []Role{User, PowerUser, Manager, Admin}

// Prefixes used when roles travel inside IdP claims and token scopes.
const (
	ResourcePrefix   = "resource_"
	TokenScopePrefix = "scope_token_"
	UserScopePrefix  = "scope_user_"
)

// Parse converts s to a Role.
func Parse(s string) (Role, error) {
	r := Role(strings.TrimSpace(s))
	if Ordinal(r) < 0 {
		return "", fmt.Errorf("%w: unknown role %q", autherr.ErrInvalidRequest, s)
	}
	return r, nil
}

// Ordinal returns the position of r in the hierarchy, or -1 for unknown roles.
func Ordinal(r Role) int {
	for i, known := range All {
		if known == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return Ordinal(r) >= 0 }

func (r Role) String() string { return string(r) }

// MeetsMinimum reports whether r is at or above minimum. Unknown roles never
// meet any minimum.
func MeetsMinimum(r, minimum Role) bool {
	o := Ordinal(r)
	return o >= 0 && Ordinal(minimum) >= 0 && o >= Ordinal(minimum)
}

// AssignableRoles returns every role strictly below assigner.
func AssignableRoles(assigner Role) []Role {
	o := Ordinal(assigner)
	if o <= 0 {
		return []Role{}
	}
	out := make([]Role, o)
	copy(out, All[:o])
	return out
}

// CanAssign reports whether assigner may grant target.
func CanAssign(assigner, target Role) bool {
	for _, r := range AssignableRoles(assigner) {
		if r == target {
			return true
		}
	}
	return false
}

// IsSelf reports whether a mutation targets the acting user.
func IsSelf(actorID, targetID string) bool {
	return actorID != "" && actorID == targetID
}

// Included returns r and every role below it.
func Included(r Role) []Role {
	o := Ordinal(r)
	if o < 0 {
		return []Role{}
	}
	out := make([]Role, o+1)
	copy(out, All[:o+1])
	return out
}

// ResourceRole returns the IdP client role name for r (resource_<role>).
func (r Role) ResourceRole() string { return ResourcePrefix + string(r) }

// TokenScope returns the API token scope for r (scope_token_<role>).
func (r Role) TokenScope() string { return TokenScopePrefix + string(r) }

// UserScope returns the OAuth scope for r (scope_user_<role>).
func (r Role) UserScope() string { return UserScopePrefix + string(r) }

// FromResourceRoles returns the highest role among IdP client roles such as
// "resource_manager".
func FromResourceRoles(roles []string) (Role, error) {
	return highestWithPrefix(roles, ResourcePrefix)
}

// FromUserScope returns the highest scope_user_<role> in a space-separated
// scope string.
func FromUserScope(scope string) (Role, error) {
	return highestWithPrefix(strings.Fields(scope), UserScopePrefix)
}

// FromTokenScope parses a single scope_token_<role> value.
func FromTokenScope(scope string) (Role, error) {
	if !strings.HasPrefix(scope, TokenScopePrefix) {
		return "", fmt.Errorf("%w: not a token scope %q", autherr.ErrInvalidRequest, scope)
	}
	return Parse(strings.TrimPrefix(scope, TokenScopePrefix))
}

// TokenScopesFor returns the token scopes a user with role r may mint. Plain
// users can only create user-scoped tokens; every higher role may also create
// power_user tokens. No role can mint manager or admin tokens.
func TokenScopesFor(r Role) []Role {
	switch {
	case !r.Valid():
		return []Role{}
	case r == User:
		return []Role{User}
	default:
		return []Role{User, PowerUser}
	}
}

func highestWithPrefix(values []string, prefix string) (Role, error) {
	best := -1
	for _, v := range values {
		if !strings.HasPrefix(v, prefix) {
			continue
		}
		if o := Ordinal(Role(strings.TrimPrefix(v, prefix))); o > best {
			best = o
		}
	}
	if best < 0 {
		return "", fmt.Errorf("%w: no %s role present", autherr.ErrInsufficientRole, strings.TrimSuffix(prefix, "_"))
	}
	return All[best], nil
}
