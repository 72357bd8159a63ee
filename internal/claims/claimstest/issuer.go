// ABOUTME: Test identity provider serving OIDC discovery and a JWKS document
// ABOUTME: Mints RS256 tokens with a per-test key; tests may mount extra endpoints

// Package claimstest provides an in-process identity provider for tests.
package claimstest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// KeyID is the kid of the issuer's signing key.
const KeyID = "test-key"

// Issuer is an httptest-backed IdP. Its URL is the issuer value.
type Issuer struct {
	Server *httptest.Server
	URL    string
	Key    *rsa.PrivateKey
	mux    *http.ServeMux
}

// NewIssuer starts an IdP serving /.well-known/openid-configuration and
// /keys. It is closed when the test ends.
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}

	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: KeyID, Algorithm: "RS256", Use: "sig"}
	keys, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	i := &Issuer{Key: pk, mux: http.NewServeMux()}
	i.mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   i.URL,
			"jwks_uri":                 i.URL + "/keys",
			"authorization_endpoint":   i.URL + "/protocol/openid-connect/auth",
			"token_endpoint":           i.URL + "/protocol/openid-connect/token",
			"response_types_supported": []string{"code"},
		})
	})
	i.mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys)
	})

	i.Server = httptest.NewServer(i.mux)
	i.URL = i.Server.URL
	t.Cleanup(i.Server.Close)
	return i
}

// JWKSURL returns the URL of the key set.
func (i *Issuer) JWKSURL() string { return i.URL + "/keys" }

// Handle mounts an extra endpoint, such as a token exchange handler.
func (i *Issuer) Handle(pattern string, h http.HandlerFunc) {
	i.mux.HandleFunc(pattern, h)
}

// Keyfunc returns the issuer's public key without any network access.
func (i *Issuer) Keyfunc() jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return &i.Key.PublicKey, nil }
}

// Sign mints an RS256 token. iss and exp default to the issuer URL and one
// hour from now when absent.
func (i *Issuer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()

	if _, ok := claims["iss"]; !ok {
		claims["iss"] = i.URL
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = KeyID
	s, err := tok.SignedString(i.Key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}
