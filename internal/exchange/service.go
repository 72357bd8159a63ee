// ABOUTME: Token exchange service with cache lookup and per-key call coalescing
// ABOUTME: Validates access-request scopes before and after the upstream exchange

package exchange

//go:generate mockgen -source=service.go -destination=mock_provider_test.go -package=exchange Provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/claims"
	"github.com/2389/bodhi-gateway/internal/role"
	"github.com/2389/bodhi-gateway/internal/store"
	"github.com/2389/bodhi-gateway/internal/tokencache"
)

// AccessRequestScopePrefix marks the scope that ties a token to an access request.
const AccessRequestScopePrefix = "scope_access_request:"

// standardScopes are forwarded to the exchange when the bearer carries them.
var standardScopes = []string{"openid", "email", "profile", "roles"}

// Provider performs the upstream token exchange.
type Provider interface {
	ExchangeToken(ctx context.Context, subjectToken string, scopes []string) (string, error)
}

// TokenVerifier verifies a token and projects its claims.
type TokenVerifier interface {
	Scope(token string) (*claims.ScopeClaims, error)
	Claims(token string) (*claims.Claims, error)
}

// AccessRequestLookup finds the access request owning an IdP-issued scope.
type AccessRequestLookup interface {
	GetAccessRequestByScope(ctx context.Context, scope string) (*store.AccessRequest, error)
}

// Config wires a Service.
type Config struct {
	Provider       Provider
	Verifier       TokenVerifier
	AccessRequests AccessRequestLookup
	Cache          tokencache.Cache
	// ClientID is this server's client id at the IdP; resource roles are read
	// from resource_access[ClientID].
	ClientID string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Service resolves external bearers.
type Service struct {
	provider       Provider
	verifier       TokenVerifier
	accessRequests AccessRequestLookup
	cache          tokencache.Cache
	clientID       string
	now            func() time.Time
	logger         *slog.Logger

	flights singleflight.Group
}

var _ auth.ExternalResolver = (*Service)(nil)

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Provider == nil || cfg.Verifier == nil || cfg.AccessRequests == nil || cfg.Cache == nil {
		return nil, errors.New("exchange: provider, verifier, access requests and cache are required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("exchange: client id is required")
	}

	s := &Service{
		provider:       cfg.Provider,
		verifier:       cfg.Verifier,
		accessRequests: cfg.AccessRequests,
		cache:          cfg.Cache,
		clientID:       cfg.ClientID,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "exchange")
	}
	return s, nil
}

// Resolve returns the identity for an external bearer, exchanging it at most
// once per cache lifetime.
func (s *Service) Resolve(ctx context.Context, bearer string) (*auth.Identity, error) {
	key := tokencache.ExchangedKey(bearer)

	if entry, ok := s.cached(ctx, key); ok {
		return identityFromEntry(entry), nil
	}

	// The shared call must outlive any single waiter.
	shared := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key, func() (any, error) {
		if entry, ok := s.cached(shared, key); ok {
			return entry, nil
		}
		return s.exchange(shared, key, bearer)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return identityFromEntry(res.Val.(*tokencache.Entry)), nil
	}
}

// Evict drops the cached result for bearer, for example after a downstream
// service rejected the exchanged token.
func (s *Service) Evict(ctx context.Context, bearer string) error {
	key := tokencache.ExchangedKey(bearer)
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("evicting exchanged token: %w", err)
	}
	s.logger.Info("evicted exchanged token", "key", key)
	return nil
}

func (s *Service) cached(ctx context.Context, key string) (*tokencache.Entry, bool) {
	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("exchange cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok || entry.Expired(s.now()) {
		return nil, false
	}
	return entry, true
}

func (s *Service) exchange(ctx context.Context, key, bearer string) (*tokencache.Entry, error) {
	external, err := s.verifier.Scope(bearer)
	if err != nil {
		return nil, err
	}

	arScope, hasAR := external.ScopeWithPrefix(AccessRequestScopePrefix)
	var record *store.AccessRequest
	if hasAR {
		record, err = s.validateRecord(ctx, arScope, external)
		if err != nil {
			return nil, err
		}
	}

	scopes := make([]string, 0, len(standardScopes)+1)
	if hasAR {
		scopes = append(scopes, arScope)
	}
	for _, sc := range standardScopes {
		if external.HasScope(sc) {
			scopes = append(scopes, sc)
		}
	}

	start := s.now()
	accessToken, err := s.provider.ExchangeToken(ctx, bearer, scopes)
	if err != nil {
		s.logger.Warn("token exchange failed", "azp", external.AuthorizedParty, "error", err)
		return nil, err
	}

	exchanged, err := s.verifier.Scope(accessToken)
	if err != nil {
		return nil, fmt.Errorf("exchanged token rejected: %w", err)
	}
	if exchanged.Subject != external.Subject {
		return nil, fmt.Errorf("%w: exchanged token subject mismatch", autherr.ErrInvalidCredential)
	}
	if record != nil && exchanged.AccessRequestID != record.ID {
		s.logger.Warn("access request id mismatch after exchange",
			"expected_id", record.ID, "claim_id", exchanged.AccessRequestID)
		return nil, fmt.Errorf("%w: access request id mismatch", autherr.ErrInvalidCredential)
	}

	r, err := s.resolveRole(record, exchanged)
	if err != nil {
		return nil, err
	}

	profile, err := s.verifier.Claims(accessToken)
	if err != nil {
		return nil, fmt.Errorf("exchanged token rejected: %w", err)
	}

	// The entry may not outlive the bearer it was exchanged for.
	expiresAt := exchanged.ExpiresAt
	if external.ExpiresAt.Before(expiresAt) {
		expiresAt = external.ExpiresAt
	}

	entry := &tokencache.Entry{
		AccessToken:     accessToken,
		AuthorizedParty: external.AuthorizedParty,
		UserID:          exchanged.Subject,
		Username:        profile.PreferredUsername,
		Role:            string(r),
		AccessRequestID: exchanged.AccessRequestID,
		ExpiresAt:       expiresAt,
	}
	if err := s.cache.Set(ctx, key, entry); err != nil {
		s.logger.Warn("exchange cache write failed", "key", key, "error", err)
	}

	s.logger.Debug("token exchanged",
		"azp", entry.AuthorizedParty,
		"user_id", entry.UserID,
		"access_request_id", entry.AccessRequestID,
		"duration", s.now().Sub(start),
	)
	return entry, nil
}

// validateRecord checks the access request named by scope against the
// bearer before any upstream call is made.
func (s *Service) validateRecord(ctx context.Context, scope string, external *claims.ScopeClaims) (*store.AccessRequest, error) {
	record, err := s.accessRequests.GetAccessRequestByScope(ctx, scope)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown access request scope", autherr.ErrInvalidCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("loading access request: %w", err)
	}

	var reason string
	switch {
	case record.Status != store.AccessRequestApproved:
		reason = "access request not approved"
	case record.Expired(s.now()):
		reason = "access request expired"
	case record.AppClientID != external.AuthorizedParty:
		reason = "access request app mismatch"
	case record.UserID == "" || record.UserID != external.Subject:
		reason = "access request user mismatch"
	}
	if reason != "" {
		s.logger.Debug("access request validation failed", "id", record.ID, "reason", reason)
		return nil, fmt.Errorf("%w: %s", autherr.ErrInvalidCredential, reason)
	}
	return record, nil
}

// resolveRole picks the identity's role. An approved access request wins but
// may not exceed what the user's resource role allows; otherwise the highest
// user scope in the exchanged token applies.
func (s *Service) resolveRole(record *store.AccessRequest, exchanged *claims.ScopeClaims) (role.Role, error) {
	if record == nil || record.ApprovedRole == "" {
		// No user scope leaves the role empty; route gates reject it.
		r, _ := role.FromUserScope(exchanged.Scope)
		return r, nil
	}

	approved, err := role.FromUserScope(record.ApprovedRole)
	if err != nil {
		return "", fmt.Errorf("%w: access request has invalid approved role", autherr.ErrInvalidCredential)
	}

	resource, err := role.FromResourceRoles(exchanged.ResourceRoles(s.clientID))
	if err != nil {
		return approved, nil
	}
	if !role.MeetsMinimum(maxUserScope(resource), approved) {
		s.logger.Warn("approved role exceeds resource role",
			"approved_role", approved, "resource_role", resource, "access_request_id", record.ID)
		return "", fmt.Errorf("%w: approved role exceeds user's role", autherr.ErrInsufficientRole)
	}
	return approved, nil
}

// maxUserScope is the highest role a user may delegate to an app.
func maxUserScope(resource role.Role) role.Role {
	if role.MeetsMinimum(resource, role.PowerUser) {
		return role.PowerUser
	}
	return role.User
}

func identityFromEntry(e *tokencache.Entry) *auth.Identity {
	return &auth.Identity{
		Kind:            auth.KindExternalApp,
		UserID:          e.UserID,
		Username:        e.Username,
		Role:            role.Role(e.Role),
		AuthorizedParty: e.AuthorizedParty,
		AccessRequestID: e.AccessRequestID,
		Token:           e.AccessToken,
	}
}
