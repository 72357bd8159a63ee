// ABOUTME: Cache interface, entry type, and key derivation for resolved credentials
// ABOUTME: Keys embed a short SHA-256 prefix of the credential, never the credential itself

package tokencache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Key prefixes.
const (
	ExchangedPrefix = "exchanged_token:"
	TokenPrefix     = "token:"
)

// hashPrefixLen is the number of hex characters of the digest kept in keys.
const hashPrefixLen = 12

// Entry is a validated credential result.
type Entry struct {
	AccessToken     string    `json:"access_token"`
	AuthorizedParty string    `json:"azp,omitempty"`
	UserID          string    `json:"user_id"`
	Username        string    `json:"username,omitempty"`
	Role            string    `json:"role"`
	TokenID         string    `json:"token_id,omitempty"`
	AccessRequestID string    `json:"access_request_id,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the entry may no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache stores entries until they expire or are evicted.
type Cache interface {
	// Get returns the entry for key. Expired entries are reported as misses.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Set stores entry under key until entry.ExpiresAt (or the cache's own
	// maximum lifetime, whichever is sooner).
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key beginning with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// HashPrefix returns the first 12 hex characters of SHA-256(s).
func HashPrefix(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashPrefixLen]
}

// ExchangedKey returns the cache key for a third-party bearer token.
func ExchangedKey(bearer string) string {
	return ExchangedPrefix + HashPrefix(bearer)
}

// APITokenKey returns the cache key for a raw first-party API token.
func APITokenKey(tokenID, raw string) string {
	return APITokenKeyPrefix(tokenID) + HashPrefix(raw)
}

// APITokenKeyPrefix returns the prefix covering every entry cached for tokenID.
func APITokenKeyPrefix(tokenID string) string {
	return TokenPrefix + tokenID + ":"
}
