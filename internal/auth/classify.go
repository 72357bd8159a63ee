// ABOUTME: Credential classification from the Authorization header and session cookie
// ABOUTME: Pure parsing; decides which resolver handles the request

package auth

import (
	"fmt"
	"strings"

	"github.com/2389/bodhi-gateway/internal/autherr"
)

// APITokenPrefix starts every first-party API token.
const APITokenPrefix = "bodhiapp_"

// minTokenBody is the shortest body accepted after APITokenPrefix; the first
// eight characters form the public token id.
const minTokenBody = 8

// CredentialKind is the outcome of Classify.
type CredentialKind int

const (
	NoCredential CredentialKind = iota
	SessionCredential
	APITokenCredential
	ExternalBearerCredential
)

func (k CredentialKind) String() string {
	switch k {
	case SessionCredential:
		return "session"
	case APITokenCredential:
		return "api_token"
	case ExternalBearerCredential:
		return "external_bearer"
	default:
		return "none"
	}
}

// Credential is a classified but unverified credential.
type Credential struct {
	Kind      CredentialKind
	Bearer    string
	SessionID string
}

// Classify decides which credential a request carries. A session cookie is
// used only when acceptSession is set and the request is not cross-site;
// otherwise the bearer token's shape decides.
func Classify(authHeader, sessionID, secFetchSite string, acceptSession bool) (Credential, error) {
	if acceptSession && sessionID != "" && sameSite(secFetchSite) {
		return Credential{Kind: SessionCredential, SessionID: sessionID}, nil
	}

	if authHeader == "" {
		return Credential{Kind: NoCredential}, nil
	}

	bearer, err := parseBearer(authHeader)
	if err != nil {
		return Credential{}, err
	}

	if body, ok := strings.CutPrefix(bearer, APITokenPrefix); ok {
		if len(body) < minTokenBody || !isBase64URL(body) {
			return Credential{}, fmt.Errorf("%w: api token has invalid shape", autherr.ErrMalformedCredential)
		}
		return Credential{Kind: APITokenCredential, Bearer: bearer}, nil
	}

	if !looksLikeJWT(bearer) {
		return Credential{}, fmt.Errorf("%w: bearer is not a JWT", autherr.ErrMalformedCredential)
	}
	return Credential{Kind: ExternalBearerCredential, Bearer: bearer}, nil
}

// TokenID returns the public id embedded in a raw API token.
func TokenID(raw string) string {
	body := strings.TrimPrefix(raw, APITokenPrefix)
	if len(body) < minTokenBody {
		return ""
	}
	return APITokenPrefix + body[:minTokenBody]
}

func sameSite(secFetchSite string) bool {
	switch secFetchSite {
	case "", "same-origin", "none":
		return true
	default:
		return false
	}
}

func parseBearer(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: invalid authorization header format", autherr.ErrMalformedCredential)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", autherr.ErrMalformedCredential)
	}
	return token, nil
}

func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || !isBase64URL(p) {
			return false
		}
	}
	return true
}

func isBase64URL(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
