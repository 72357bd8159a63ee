// ABOUTME: API token lifecycle: create, list, rename, invalidate, reactivate
// ABOUTME: Per-request validation with idle timeout and resource-token caching

package apitoken

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/claims"
	"github.com/2389/bodhi-gateway/internal/role"
	"github.com/2389/bodhi-gateway/internal/store"
	"github.com/2389/bodhi-gateway/internal/tokencache"
)

const (
	// DefaultIdleTimeout is how long a token may go unused before it is rejected.
	DefaultIdleTimeout = 30 * 24 * time.Hour
	// DefaultCacheTTL is the lifetime of a cached resource token.
	DefaultCacheTTL = 5 * time.Minute

	DefaultPageSize = 30
	MaxPageSize     = 100
	maxNameLen      = 100

	secretBytes    = 32
	createAttempts = 3
	pepperInfo     = "bodhi-gateway api token pepper"
)

// DerivePepper derives the token digest key from the server secret.
func DerivePepper(secret []byte) ([]byte, error) {
	pepper := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(pepperInfo)), pepper); err != nil {
		return nil, fmt.Errorf("deriving token pepper: %w", err)
	}
	return pepper, nil
}

// Store is the persistence a Service needs: token records plus the owning
// user's profile.
type Store interface {
	store.TokenStore
	GetUser(ctx context.Context, userID string) (*store.User, error)
}

// Config wires a Service.
type Config struct {
	Store       Store
	Cache       tokencache.Cache
	Signer      *claims.Signer
	Pepper      []byte
	IdleTimeout time.Duration
	CacheTTL    time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Service implements the API token lifecycle.
type Service struct {
	store       Store
	cache       tokencache.Cache
	signer      *claims.Signer
	pepper      []byte
	idleTimeout time.Duration
	cacheTTL    time.Duration
	now         func() time.Time
	logger      *slog.Logger

	// mu orders validation misses (read) against status changes (write) so a
	// validation that loaded an active record cannot cache it after a
	// concurrent Invalidate has evicted.
	mu sync.RWMutex
}

var _ auth.TokenValidator = (*Service)(nil)

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Cache == nil || cfg.Signer == nil {
		return nil, errors.New("apitoken: store, cache and signer are required")
	}
	if len(cfg.Pepper) == 0 {
		return nil, errors.New("apitoken: pepper is required")
	}

	s := &Service{
		store:       cfg.Store,
		cache:       cfg.Cache,
		signer:      cfg.Signer,
		pepper:      cfg.Pepper,
		idleTimeout: cfg.IdleTimeout,
		cacheTTL:    cfg.CacheTTL,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = DefaultCacheTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "apitoken")
	}
	return s, nil
}

// CreateRequest describes a new token.
type CreateRequest struct {
	UserID   string
	UserRole role.Role
	Name     string
	// Scope is a token scope such as "scope_token_user". Empty means the
	// lowest scope.
	Scope string
}

// Create issues a new token and returns the raw secret together with the
// stored record. The raw secret cannot be recovered afterwards.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, *store.APIToken, error) {
	if req.UserID == "" {
		return "", nil, autherr.ErrNotAuthenticated
	}
	name, err := cleanName(req.Name)
	if err != nil {
		return "", nil, err
	}
	scope, err := s.allowedScope(req.UserRole, req.Scope)
	if err != nil {
		return "", nil, err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		raw, err := generateRaw()
		if err != nil {
			return "", nil, err
		}

		now := s.now().UTC()
		rec := &store.APIToken{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			Name:      name,
			TokenID:   auth.TokenID(raw),
			TokenHash: s.digest(raw),
			Scope:     scope,
			Status:    store.TokenStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = s.store.CreateAPIToken(ctx, rec)
		if errors.Is(err, store.ErrDuplicateToken) {
			s.logger.Debug("token id collision, retrying", "token_id", rec.TokenID)
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("creating api token: %w", err)
		}

		s.logger.Info("api token created", "user_id", req.UserID, "token_id", rec.TokenID, "scope", scope)
		return raw, rec, nil
	}
	return "", nil, errors.New("could not allocate a unique token id")
}

// List returns one page of the user's tokens, newest first, and the total
// count. page starts at 1.
func (s *Service) List(ctx context.Context, userID string, page, pageSize int) ([]*store.APIToken, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	tokens, total, err := s.store.ListAPITokens(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("listing api tokens: %w", err)
	}
	return tokens, total, nil
}

// Get returns one of the user's tokens.
func (s *Service) Get(ctx context.Context, userID, id string) (*store.APIToken, error) {
	rec, err := s.store.GetAPIToken(ctx, userID, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return rec, nil
}

// Rename changes a token's display name.
func (s *Service) Rename(ctx context.Context, userID, id, name string) (*store.APIToken, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameAPIToken(ctx, userID, id, name); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.Get(ctx, userID, id)
}

// Invalidate deactivates a token. Cached results for it are evicted before
// Invalidate returns.
func (s *Service) Invalidate(ctx context.Context, userID, id string) (*store.APIToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetAPIToken(ctx, userID, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := s.store.SetAPITokenStatus(ctx, userID, id, store.TokenStatusInactive, nil); err != nil {
		return nil, mapStoreErr(err)
	}
	if err := s.cache.DeletePrefix(ctx, tokencache.APITokenKeyPrefix(rec.TokenID)); err != nil {
		return nil, fmt.Errorf("evicting cached token: %w", err)
	}

	s.logger.Info("api token invalidated", "user_id", userID, "token_id", rec.TokenID)
	return s.Get(ctx, userID, id)
}

// Reactivate re-enables a token and restarts its idle clock.
func (s *Service) Reactivate(ctx context.Context, userID, id string) (*store.APIToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if err := s.store.SetAPITokenStatus(ctx, userID, id, store.TokenStatusActive, &now); err != nil {
		return nil, mapStoreErr(err)
	}

	s.logger.Info("api token reactivated", "user_id", userID, "id", id)
	return s.Get(ctx, userID, id)
}

// Validate resolves a raw token presented on a request.
func (s *Service) Validate(ctx context.Context, raw string) (*auth.Identity, error) {
	tokenID := auth.TokenID(raw)
	if tokenID == "" {
		return nil, fmt.Errorf("%w: malformed api token", autherr.ErrInvalidToken)
	}
	key := tokencache.APITokenKey(tokenID, raw)

	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("token cache read failed", "token_id", tokenID, "error", err)
	}
	if ok && !entry.Expired(s.now()) {
		return identityFromEntry(entry), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.store.GetAPITokenByTokenID(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown api token", autherr.ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("loading api token: %w", err)
	}

	if !hmac.Equal([]byte(s.digest(raw)), []byte(rec.TokenHash)) {
		return nil, fmt.Errorf("%w: api token mismatch", autherr.ErrInvalidToken)
	}
	if rec.Status != store.TokenStatusActive {
		return nil, fmt.Errorf("%w: api token is inactive", autherr.ErrTokenRevokedOrIdle)
	}

	now := s.now().UTC()
	lastUsed := rec.CreatedAt
	if rec.LastUsedAt != nil {
		lastUsed = *rec.LastUsedAt
	}
	if now.Sub(lastUsed) > s.idleTimeout {
		return nil, fmt.Errorf("%w: api token unused since %s", autherr.ErrTokenRevokedOrIdle, lastUsed.Format(time.DateOnly))
	}

	r, err := role.FromTokenScope(rec.Scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrInvalidToken, err)
	}

	if err := s.store.TouchAPIToken(ctx, rec.ID, now); err != nil {
		s.logger.Warn("failed to record token use", "token_id", tokenID, "error", err)
	}

	signed, exp, err := s.signer.Sign(rec.UserID, rec.Scope, rec.TokenID, s.cacheTTL)
	if err != nil {
		return nil, err
	}
	entry = &tokencache.Entry{
		AccessToken: signed,
		UserID:      rec.UserID,
		Username:    s.username(ctx, rec.UserID),
		Role:        string(r),
		TokenID:     rec.TokenID,
		ExpiresAt:   exp,
	}
	if err := s.cache.Set(ctx, key, entry); err != nil {
		s.logger.Warn("token cache write failed", "token_id", tokenID, "error", err)
	}

	return identityFromEntry(entry), nil
}

// username looks up the token owner's display name. A missing profile leaves
// it empty rather than failing validation.
func (s *Service) username(ctx context.Context, userID string) string {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to load token owner", "user_id", userID, "error", err)
		}
		return ""
	}
	return u.Username
}

func identityFromEntry(e *tokencache.Entry) *auth.Identity {
	return &auth.Identity{
		Kind:     auth.KindAPIToken,
		UserID:   e.UserID,
		Username: e.Username,
		Role:     role.Role(e.Role),
		TokenID:  e.TokenID,
		Token:    e.AccessToken,
	}
}

// allowedScope resolves the requested scope and checks the creator may mint it.
func (s *Service) allowedScope(creator role.Role, requested string) (string, error) {
	want := role.User
	if requested != "" {
		r, err := role.FromTokenScope(requested)
		if err != nil {
			return "", fmt.Errorf("%w: %v", autherr.ErrInvalidRequest, err)
		}
		want = r
	}
	for _, r := range role.TokenScopesFor(creator) {
		if r == want {
			return want.TokenScope(), nil
		}
	}
	return "", fmt.Errorf("%w: cannot create %s tokens", autherr.ErrInsufficientRole, want.TokenScope())
}

// digest is the stored form of a raw token.
func (s *Service) digest(raw string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func generateRaw() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return auth.APITokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", autherr.ErrInvalidRequest)
	}
	if len(name) > maxNameLen {
		return "", fmt.Errorf("%w: name exceeds %d characters", autherr.ErrInvalidRequest, maxNameLen)
	}
	return name, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: api token", autherr.ErrNotFound)
	}
	return err
}
