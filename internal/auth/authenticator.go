// ABOUTME: Resolves classified credentials to an Identity
// ABOUTME: Sessions from the store, API tokens and external bearers via injected resolvers

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/role"
	"github.com/2389/bodhi-gateway/internal/store"
)

// DefaultSessionCookie is the browser session cookie name.
const DefaultSessionCookie = "bodhiapp_session_id"

// SessionLookup is the slice of the store needed to resolve sessions.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	DeleteSession(ctx context.Context, id string) error
	GetUser(ctx context.Context, userID string) (*store.User, error)
}

// TokenValidator resolves a raw first-party API token.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*Identity, error)
}

// ExternalResolver resolves a third-party bearer through token exchange.
type ExternalResolver interface {
	Resolve(ctx context.Context, bearer string) (*Identity, error)
}

// Config wires an Authenticator. Any resolver may be nil, in which case that
// credential kind is rejected.
type Config struct {
	Sessions      SessionLookup
	Tokens        TokenValidator
	External      ExternalResolver
	SessionCookie string
	Logger        *slog.Logger
}

// Authenticator turns request credentials into an Identity.
type Authenticator struct {
	sessions      SessionLookup
	tokens        TokenValidator
	external      ExternalResolver
	sessionCookie string
	logger        *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg Config) *Authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "auth")
	}
	cookie := cfg.SessionCookie
	if cookie == "" {
		cookie = DefaultSessionCookie
	}
	return &Authenticator{
		sessions:      cfg.Sessions,
		tokens:        cfg.Tokens,
		external:      cfg.External,
		sessionCookie: cookie,
		logger:        logger,
	}
}

// SessionCookie returns the cookie name sessions are read from.
func (a *Authenticator) SessionCookie() string {
	return a.sessionCookie
}

// Request carries the credential-bearing parts of an inbound call.
type Request struct {
	Authorization string
	SessionID     string
	SecFetchSite  string
	AcceptSession bool
	RemoteAddr    string // for logging only
}

// Authenticate resolves req. A request without credentials yields an
// anonymous identity and no error; callers decide whether that is enough.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (*Identity, error) {
	cred, err := Classify(req.Authorization, req.SessionID, req.SecFetchSite, req.AcceptSession)
	if err != nil {
		a.logFailure(req, "malformed_credential", err)
		return nil, err
	}

	id, err := a.resolve(ctx, cred)
	if err != nil && cred.Kind == SessionCredential && req.Authorization != "" {
		// The session is stale but the client also sent a bearer; use it.
		a.logger.Debug("session failed, falling back to bearer", "error", err)
		req.AcceptSession = false
		return a.Authenticate(ctx, req)
	}
	if err != nil {
		a.logFailure(req, cred.Kind.String()+"_rejected", err)
		return nil, err
	}
	return id, nil
}

func (a *Authenticator) resolve(ctx context.Context, cred Credential) (*Identity, error) {
	switch cred.Kind {
	case NoCredential:
		return Anonymous(), nil
	case SessionCredential:
		return a.resolveSession(ctx, cred.SessionID)
	case APITokenCredential:
		if a.tokens == nil {
			return nil, fmt.Errorf("%w: api tokens are not accepted", autherr.ErrInvalidCredential)
		}
		return a.tokens.Validate(ctx, cred.Bearer)
	case ExternalBearerCredential:
		if a.external == nil {
			return nil, fmt.Errorf("%w: external tokens are not accepted", autherr.ErrInvalidCredential)
		}
		return a.external.Resolve(ctx, cred.Bearer)
	default:
		return nil, fmt.Errorf("%w: unknown credential kind", autherr.ErrMalformedCredential)
	}
}

// resolveSession loads the session and its user. A session captured under an
// older role generation is deleted and rejected, so role changes take effect
// on the next request.
func (a *Authenticator) resolveSession(ctx context.Context, sessionID string) (*Identity, error) {
	if a.sessions == nil {
		return nil, autherr.ErrSessionExpired
	}

	sess, err := a.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, autherr.ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	user, err := a.sessions.GetUser(ctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, autherr.ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("loading session user: %w", err)
	}

	if user.RoleGeneration != sess.RoleGeneration {
		if err := a.sessions.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("failed to delete stale session", "user_id", user.UserID, "error", err)
		}
		return nil, fmt.Errorf("%w: role changed", autherr.ErrSessionExpired)
	}

	r, err := role.Parse(user.Role)
	if err != nil {
		return nil, fmt.Errorf("session user has invalid role: %w", err)
	}

	return &Identity{
		Kind:     KindSession,
		UserID:   user.UserID,
		Username: user.Username,
		Role:     r,
		Token:    sess.AccessToken,
	}, nil
}

// logFailure logs an authentication failure with structured context.
func (a *Authenticator) logFailure(req Request, reason string, err error) {
	attrs := []any{"reason", reason, "error", err.Error()}
	if req.RemoteAddr != "" {
		attrs = append(attrs, "peer_addr", req.RemoteAddr)
	}
	a.logger.Warn("auth failure", attrs...)
}
