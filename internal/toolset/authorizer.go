// ABOUTME: Toolset authorization chain for plugin-execution routes
// ABOUTME: Checks an external app's access request grant against the target instance

// Package toolset gates toolset execution on the caller's access request.
package toolset

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/store"
)

// AccessRequestGetter loads access requests by id.
type AccessRequestGetter interface {
	GetAccessRequest(ctx context.Context, id string) (*store.AccessRequest, error)
}

// Authorizer runs the grant chain.
type Authorizer struct {
	store  AccessRequestGetter
	now    func() time.Time
	logger *slog.Logger
}

// NewAuthorizer creates an Authorizer. A nil now uses time.Now.
func NewAuthorizer(s AccessRequestGetter, now func() time.Time, logger *slog.Logger) *Authorizer {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default().With("component", "toolset")
	}
	return &Authorizer{store: s, now: now, logger: logger}
}

// Authorize decides whether id may invoke toolset instance instanceID. Session
// users act on their own toolsets and pass with a nil grant. External apps
// must hold an approved, unexpired access request for this app and user that
// lists the instance. Every other identity is denied. All denials return the
// same error.
func (a *Authorizer) Authorize(ctx context.Context, id *auth.Identity, instanceID string) (*store.ApprovedToolset, error) {
	if id == nil {
		return nil, autherr.ErrToolsetAccessDenied
	}
	switch id.Kind {
	case auth.KindSession:
		return nil, nil
	case auth.KindExternalApp:
	default:
		a.deny(id, instanceID, "identity kind not allowed")
		return nil, autherr.ErrToolsetAccessDenied
	}

	if id.AccessRequestID == "" {
		a.deny(id, instanceID, "no access request")
		return nil, autherr.ErrToolsetAccessDenied
	}

	rec, err := a.store.GetAccessRequest(ctx, id.AccessRequestID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Error("loading access request for toolset check",
				"access_request_id", id.AccessRequestID, "instance_id", instanceID, "error", err)
			return nil, autherr.ErrToolsetAccessDenied
		}
		a.deny(id, instanceID, "access request not found")
		return nil, autherr.ErrToolsetAccessDenied
	}

	grant, reason := a.check(rec, id, instanceID)
	if reason != "" {
		a.deny(id, instanceID, reason)
		return nil, autherr.ErrToolsetAccessDenied
	}
	return grant, nil
}

// check runs the record checks in order and returns the first failure.
func (a *Authorizer) check(rec *store.AccessRequest, id *auth.Identity, instanceID string) (*store.ApprovedToolset, string) {
	if rec.Status != store.AccessRequestApproved {
		return nil, "access request not approved"
	}
	if rec.Expired(a.now()) {
		return nil, "access request expired"
	}
	if rec.AppClientID != id.AuthorizedParty {
		return nil, "app client mismatch"
	}
	if rec.UserID != id.UserID {
		return nil, "user mismatch"
	}
	if rec.Approved == nil {
		return nil, "instance not approved"
	}
	for i := range rec.Approved.Toolsets {
		t := rec.Approved.Toolsets[i]
		if t.InstanceID == instanceID && t.Status == store.ApprovalApproved {
			return &t, ""
		}
	}
	return nil, "instance not approved"
}

func (a *Authorizer) deny(id *auth.Identity, instanceID, reason string) {
	a.logger.Debug("toolset access denied",
		"reason", reason,
		"kind", id.Kind,
		"user_id", id.UserID,
		"azp", id.AuthorizedParty,
		"access_request_id", id.AccessRequestID,
		"instance_id", instanceID,
	)
}

// InstanceIDFromPath returns the UUID segment following "toolsets" or "mcps".
func InstanceIDFromPath(path string) (string, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] != "toolsets" && segments[i] != "mcps" {
			continue
		}
		if _, err := uuid.Parse(segments[i+1]); err == nil {
			return segments[i+1], true
		}
	}
	return "", false
}

// Middleware authorizes the toolset instance named in the request path and
// stores the matched grant in the request context.
// Must be used after auth.HTTPAuthMiddleware.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instanceID, ok := InstanceIDFromPath(r.URL.Path)
		if !ok {
			autherr.WriteHTTP(w, autherr.ErrToolsetAccessDenied)
			return
		}

		grant, err := a.Authorize(r.Context(), auth.FromContext(r.Context()), instanceID)
		if err != nil {
			autherr.WriteHTTP(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithGrant(r.Context(), grant)))
	})
}

type grantContextKey struct{}

// WithGrant attaches the matched grant to ctx.
func WithGrant(ctx context.Context, grant *store.ApprovedToolset) context.Context {
	return context.WithValue(ctx, grantContextKey{}, grant)
}

// GrantFromContext returns the grant matched by Middleware. It is nil for
// session callers.
func GrantFromContext(ctx context.Context) *store.ApprovedToolset {
	g, _ := ctx.Value(grantContextKey{}).(*store.ApprovedToolset)
	return g
}
