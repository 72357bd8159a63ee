// ABOUTME: JWT verification against the IdP's published keys
// ABOUTME: JWKS comes from a configured URL or from OIDC discovery on the issuer

package claims

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/bodhi-gateway/internal/autherr"
)

// Config controls token verification.
type Config struct {
	Issuer string
	// JWKSURL skips discovery when set.
	JWKSURL string
	// Audiences, when non-empty, must intersect the token's aud claim.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
	// Now is the verification clock; nil means time.Now.
	Now func() time.Time
}

// Verifier checks signatures, expiry, issuer and audience before projecting
// a token into a Variant.
type Verifier struct {
	cfg           Config
	keyfunc       jwt.Keyfunc
	tokenEndpoint string
	now           func() time.Time
}

// NewVerifier builds a Verifier whose keys refresh in the background until
// ctx is cancelled.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	jwksURL := cfg.JWKSURL
	var tokenEndpoint string
	if jwksURL == "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery failed: %w", err)
		}
		var meta struct {
			JwksURI string `json:"jwks_uri"`
			Token   string `json:"token_endpoint"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("invalid discovery metadata: %w", err)
		}
		if meta.JwksURI == "" {
			return nil, errors.New("discovery incomplete: missing jwks_uri")
		}
		jwksURL = meta.JwksURI
		tokenEndpoint = meta.Token
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	v, err := NewVerifierWithKeyfunc(cfg, kf.Keyfunc)
	if err != nil {
		return nil, err
	}
	v.tokenEndpoint = tokenEndpoint
	return v, nil
}

// NewVerifierWithKeyfunc builds a Verifier around an existing key lookup.
func NewVerifierWithKeyfunc(cfg Config, kf jwt.Keyfunc) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if kf == nil {
		return nil, errors.New("keyfunc is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Verifier{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
		now: now,
	}, nil
}

// TokenEndpoint returns the token endpoint learned through discovery, or ""
// when the JWKS URL was configured directly.
func (v *Verifier) TokenEndpoint() string { return v.tokenEndpoint }

// Issuer returns the expected issuer.
func (v *Verifier) Issuer() string { return v.cfg.Issuer }

// Decode verifies token and projects it into the Variant named by kind.
// Every failure wraps autherr.ErrInvalidToken.
func (v *Verifier) Decode(token string, kind Kind) (Variant, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", autherr.ErrInvalidToken)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)

	var tc tokenClaims
	if _, err := parser.ParseWithClaims(token, &tc, v.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrInvalidToken, err)
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(tc.Audience, v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", autherr.ErrInvalidToken)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", autherr.ErrInvalidToken)
	}

	return tc.project(kind), nil
}

// Scope decodes token as ScopeClaims.
func (v *Verifier) Scope(token string) (*ScopeClaims, error) {
	variant, err := v.Decode(token, KindScope)
	if err != nil {
		return nil, err
	}
	return variant.(*ScopeClaims), nil
}

// Claims decodes token as Claims.
func (v *Verifier) Claims(token string) (*Claims, error) {
	variant, err := v.Decode(token, KindClaims)
	if err != nil {
		return nil, err
	}
	return variant.(*Claims), nil
}

// UserID decodes token as UserIDClaims.
func (v *Verifier) UserID(token string) (*UserIDClaims, error) {
	variant, err := v.Decode(token, KindUserID)
	if err != nil {
		return nil, err
	}
	return variant.(*UserIDClaims), nil
}

func audIntersects(aud jwt.ClaimStrings, wants []string) bool {
	for _, a := range aud {
		if slices.Contains(wants, a) {
			return true
		}
	}
	return false
}
