// ABOUTME: Tests for the identity provider client
// ABOUTME: Uses httptest servers to verify request shape and error classification

package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bodhi-gateway/internal/autherr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Issuer:       srv.URL + "/realms/bodhi",
		ClientID:     "resource-client",
		ClientSecret: "s3cret",
		Timeout:      2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{Issuer: "https://id.example/realms/bodhi/", ClientID: "rc"})
	require.NoError(t, err)
	assert.Equal(t, "https://id.example/realms/bodhi/protocol/openid-connect/token", c.tokenURL)
	assert.Equal(t, "https://id.example/realms/bodhi/bodhi", c.apiURL)
	assert.Equal(t, 10*time.Second, c.httpClient.Timeout)

	_, err = New(Config{Issuer: "https://id.example"})
	assert.Error(t, err, "client id required")

	_, err = New(Config{ClientID: "rc"})
	assert.Error(t, err, "issuer or token url required")
}

func TestExchangeToken_FormParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realms/bodhi/protocol/openid-connect/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, GrantTypeTokenExchange, r.PostForm.Get("grant_type"))
		assert.Equal(t, "external-token", r.PostForm.Get("subject_token"))
		assert.Equal(t, "resource-client", r.PostForm.Get("client_id"))
		assert.Equal(t, "s3cret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "resource-client", r.PostForm.Get("audience"))
		assert.Equal(t, "scope_access_request:ar-1 openid email", r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"exchanged","token_type":"Bearer","expires_in":300}`))
	})

	tok, err := c.ExchangeToken(context.Background(), "external-token", []string{"scope_access_request:ar-1", "openid", "email"})
	require.NoError(t, err)
	assert.Equal(t, "exchanged", tok)
}

func TestExchangeToken_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
		msg    string
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"token expired"}`, autherr.ErrInvalidCredential, "invalid_grant: token expired"},
		{"unauthorized client", http.StatusUnauthorized, `{"error":"unauthorized_client"}`, autherr.ErrInvalidCredential, "unauthorized_client"},
		{"server error", http.StatusInternalServerError, `oops`, autherr.ErrExchangeUnavailable, "oops"},
		{"bad gateway", http.StatusBadGateway, ``, autherr.ErrExchangeUnavailable, "502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.ExchangeToken(context.Background(), "tok", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestExchangeToken_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(Config{TokenURL: srv.URL + "/token", ClientID: "rc"})
	require.NoError(t, err)

	_, err = c.ExchangeToken(context.Background(), "tok", nil)
	assert.ErrorIs(t, err, autherr.ErrExchangeUnavailable)
}

func TestExchangeToken_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{TokenURL: srv.URL, ClientID: "rc", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.ExchangeToken(context.Background(), "tok", nil)
	assert.ErrorIs(t, err, autherr.ErrExchangeUnavailable)
}

func TestExchangeToken_MissingAccessToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	})

	_, err := c.ExchangeToken(context.Background(), "tok", nil)
	assert.ErrorIs(t, err, autherr.ErrExchangeUnavailable)
}

func TestRegisterConsent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/realms/bodhi/bodhi/users/request-access", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "app-client", body["app_client_id"])
		assert.Equal(t, "ar-1", body["access_request_id"])
		assert.Equal(t, "Notebook wants search", body["description"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ConsentResponse{
			Scope:              "scope_resource-rc",
			AccessRequestID:    "ar-1",
			AccessRequestScope: "scope_access_request:ar-1",
		})
	})

	resp, err := c.RegisterConsent(context.Background(), "user-token", "app-client", "ar-1", "Notebook wants search")
	require.NoError(t, err)
	assert.Equal(t, "scope_resource-rc", resp.Scope)
	assert.Equal(t, "scope_access_request:ar-1", resp.AccessRequestScope)
}

func TestRegisterConsent_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"conflict", http.StatusConflict, ErrConsentConflict},
		{"bad request", http.StatusBadRequest, autherr.ErrInvalidRequest},
		{"unavailable", http.StatusServiceUnavailable, autherr.ErrExchangeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			})
			_, err := c.RegisterConsent(context.Background(), "user-token", "app", "ar-1", "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAppClientInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/bodhi/bodhi/users/apps/app-client/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"name":"Notebook","description":"A notebook app"}`))
	})

	info, err := c.AppClientInfo(context.Background(), "user-token", "app-client")
	require.NoError(t, err)
	assert.Equal(t, "Notebook", info.Name)

	_, err = c.AppClientInfo(context.Background(), "user-token", "missing")
	assert.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "invalid_grant: expired", errorMessage([]byte(`{"error":"invalid_grant","error_description":"expired"}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text\n")))
	assert.Len(t, errorMessage([]byte(string(make([]byte, 500)))), 200)
}
