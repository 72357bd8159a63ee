// ABOUTME: HS256 resource tokens minted for validated API tokens
// ABOUTME: Short-lived and verified with the same server secret

package claims

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/bodhi-gateway/internal/autherr"
)

// SignerIssuer is the iss claim on tokens minted by Signer.
const SignerIssuer = "bodhi-gateway"

// minSecretLen is the minimum HS256 key length in bytes.
const minSecretLen = 32

// Signer mints and verifies internal resource tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer. The secret must be at least 32 bytes.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLen)
	}
	return &Signer{secret: secret, now: time.Now}, nil
}

// Sign returns a token for subject with the given scope, bound to the API
// token's public id, and its expiry.
func (s *Signer) Sign(subject, scope, tokenID string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl)
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    SignerIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Scope:   scope,
		TokenID: tokenID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &tc).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing resource token: %w", err)
	}
	return signed, exp, nil
}

// Verify validates a token minted by Sign.
func (s *Signer) Verify(token string) (*ScopeClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(SignerIssuer),
		jwt.WithTimeFunc(s.now),
	)

	var tc tokenClaims
	_, err := parser.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrInvalidToken, err)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", autherr.ErrInvalidToken)
	}
	return tc.project(KindScope).(*ScopeClaims), nil
}
