// ABOUTME: Identity provider client for token exchange and app-access APIs
// ABOUTME: Classifies upstream failures as retryable (5xx, network) or credential errors (4xx)

package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/bodhi-gateway/internal/autherr"
)

// GrantTypeTokenExchange is the RFC 8693 grant type.
const GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

// ErrConsentConflict is returned when the IdP already holds a consent for the
// access request id under a different context.
var ErrConsentConflict = errors.New("consent conflict")

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Config configures a Client.
type Config struct {
	// Issuer is the IdP realm URL; TokenURL and APIURL default from it.
	Issuer       string
	TokenURL     string
	APIURL       string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to the identity provider.
type Client struct {
	tokenURL     string
	apiURL       string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// ConsentResponse is the IdP's answer to a consent registration.
type ConsentResponse struct {
	Scope              string `json:"scope"`
	AccessRequestID    string `json:"access_request_id"`
	AccessRequestScope string `json:"access_request_scope"`
}

// AppClientInfo is the display metadata of a registered app client.
type AppClientInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// tokenResponse is the subset of an OAuth token response we read.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")
	if cfg.TokenURL == "" {
		if issuer == "" {
			return nil, errors.New("issuer or token url is required")
		}
		cfg.TokenURL = issuer + "/protocol/openid-connect/token"
	}
	if cfg.APIURL == "" && issuer != "" {
		cfg.APIURL = issuer + "/bodhi"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "idp")
	}

	return &Client{
		tokenURL:     cfg.TokenURL,
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// ClientID returns the resource client id this gateway authenticates as.
func (c *Client) ClientID() string { return c.clientID }

// ExchangeToken trades subjectToken for a token issued to this resource
// client with the requested scopes.
func (c *Client) ExchangeToken(ctx context.Context, subjectToken string, scopes []string) (string, error) {
	form := url.Values{
		"grant_type":    {GrantTypeTokenExchange},
		"subject_token": {subjectToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"audience":      {c.clientID},
		"scope":         {strings.Join(scopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out tokenResponse
	if err := c.do(req, &out); err != nil {
		return "", classify(err, autherr.ErrInvalidCredential)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: token response without access_token", autherr.ErrExchangeUnavailable)
	}
	return out.AccessToken, nil
}

// RegisterConsent records that the user behind userToken approved
// appClientID's access request. A 409 means the id is already bound to a
// different context.
func (c *Client) RegisterConsent(ctx context.Context, userToken, appClientID, accessRequestID, description string) (*ConsentResponse, error) {
	payload, err := json.Marshal(map[string]string{
		"app_client_id":     appClientID,
		"access_request_id": accessRequestID,
		"description":       description,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := c.apiRequest(ctx, http.MethodPost, "/users/request-access", userToken, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out ConsentResponse
	if err := c.do(req, &out); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", ErrConsentConflict, se.Message)
		}
		return nil, classify(err, autherr.ErrInvalidRequest)
	}
	if out.AccessRequestScope == "" {
		return nil, fmt.Errorf("%w: consent response without access_request_scope", autherr.ErrExchangeUnavailable)
	}
	return &out, nil
}

// AppClientInfo fetches display metadata for appClientID.
func (c *Client) AppClientInfo(ctx context.Context, userToken, appClientID string) (*AppClientInfo, error) {
	req, err := c.apiRequest(ctx, http.MethodGet, "/users/apps/"+url.PathEscape(appClientID)+"/info", userToken, nil)
	if err != nil {
		return nil, err
	}

	var out AppClientInfo
	if err := c.do(req, &out); err != nil {
		return nil, classify(err, autherr.ErrNotFound)
	}
	return &out, nil
}

func (c *Client) apiRequest(ctx context.Context, method, path, userToken string, body io.Reader) (*http.Request, error) {
	if c.apiURL == "" {
		return nil, errors.New("idp api url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// StatusError is a non-2xx response from the IdP.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("idp returned %d: %s", e.Status, e.Message)
}

// do sends req and decodes a 2xx JSON body into result. Non-2xx responses
// are returned as *StatusError for the caller to classify.
func (c *Client) do(req *http.Request, result any) error {
	endpoint := req.URL.Path

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("idp request failed", "endpoint", endpoint, "error", err)
		return fmt.Errorf("%w: %v", autherr.ErrExchangeUnavailable, err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Status: resp.StatusCode, Message: errorMessage(body)}
		c.logger.Warn("idp request rejected", "endpoint", endpoint, "status", se.Status, "error", se.Message)
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decoding idp response: %v", autherr.ErrExchangeUnavailable, err)
	}
	return nil
}

// classify maps 4xx responses to clientErr and everything else to
// ErrExchangeUnavailable.
func classify(err, clientErr error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	if se.Status >= 400 && se.Status < 500 {
		return fmt.Errorf("%w: %w", clientErr, se)
	}
	return fmt.Errorf("%w: %w", autherr.ErrExchangeUnavailable, se)
}

// errorMessage extracts "error: error_description" from an OAuth error body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		e := gjson.GetBytes(body, "error").String()
		d := gjson.GetBytes(body, "error_description").String()
		switch {
		case e != "" && d != "":
			return e + ": " + d
		case e != "":
			return e
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
