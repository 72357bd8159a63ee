// ABOUTME: Store interfaces and data types for bodhi-gateway persistence
// ABOUTME: Defines API tokens, access requests, users, and sessions

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateToken is returned when a token_id collides with an existing token
var ErrDuplicateToken = errors.New("token already exists")

// ErrStaleTransition is returned when a conditional state update matched no row
var ErrStaleTransition = errors.New("record is no longer in the expected state")

// TokenStatus is the lifecycle state of an API token.
type TokenStatus string

const (
	TokenStatusActive   TokenStatus = "active"
	TokenStatusInactive TokenStatus = "inactive"
)

// APIToken is a long-lived first-party token. The raw secret is never stored.
type APIToken struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Name       string      `json:"name"`
	TokenID    string      `json:"token_id"`
	TokenHash  string      `json:"-"`
	Scope      string      `json:"scope"`
	Status     TokenStatus `json:"status"`
	LastUsedAt *time.Time  `json:"last_used_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// AccessRequestStatus is the state of an access request.
type AccessRequestStatus string

const (
	AccessRequestDraft    AccessRequestStatus = "draft"
	AccessRequestApproved AccessRequestStatus = "approved"
	AccessRequestRejected AccessRequestStatus = "rejected"
	AccessRequestFailed   AccessRequestStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s AccessRequestStatus) Terminal() bool {
	return s != AccessRequestDraft
}

// FlowType is how the requesting app receives the review outcome.
type FlowType string

const (
	FlowRedirect FlowType = "redirect"
	FlowPopup    FlowType = "popup"
)

// ToolsetTypeRequest names a toolset type an app wants to call.
type ToolsetTypeRequest struct {
	ToolsetType string `json:"toolset_type"`
}

// MCPServerRequest names an MCP server an app wants to call.
type MCPServerRequest struct {
	URL string `json:"url"`
}

// Requested is the capability list an app asked for.
type Requested struct {
	ToolsetTypes []ToolsetTypeRequest `json:"toolset_types"`
	MCPServers   []MCPServerRequest   `json:"mcp_servers,omitempty"`
}

// ApprovalStatus is the per-instance outcome of a review.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovedToolset is one reviewed toolset instance.
type ApprovedToolset struct {
	ToolsetType string         `json:"toolset_type"`
	Status      ApprovalStatus `json:"status"`
	InstanceID  string         `json:"instance_id,omitempty"`
}

// Approved is the capability list granted by the reviewer.
type Approved struct {
	Toolsets []ApprovedToolset `json:"toolset_types"`
}

// AccessRequest records what a third-party app asked for and what a user granted.
type AccessRequest struct {
	ID                 string              `json:"id"`
	AppClientID        string              `json:"app_client_id"`
	AppName            string              `json:"app_name,omitempty"`
	AppDescription     string              `json:"app_description,omitempty"`
	FlowType           FlowType            `json:"flow_type"`
	RedirectURI        string              `json:"redirect_uri,omitempty"`
	Status             AccessRequestStatus `json:"status"`
	Requested          Requested           `json:"requested"`
	Approved           *Approved           `json:"approved,omitempty"`
	UserID             string              `json:"user_id,omitempty"`
	RequestedRole      string              `json:"requested_role"`
	ApprovedRole       string              `json:"approved_role,omitempty"`
	ResourceScope      string              `json:"resource_scope,omitempty"`
	AccessRequestScope string              `json:"access_request_scope,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	ExpiresAt          time.Time           `json:"expires_at"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Expired reports whether the record is past its expiry at now.
func (a *AccessRequest) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// ApprovalUpdate carries the fields written when a draft is approved.
type ApprovalUpdate struct {
	Approved           Approved
	UserID             string
	ApprovedRole       string
	ResourceScope      string
	AccessRequestScope string
	ExpiresAt          time.Time
}

// User is a local user with an assigned role. RoleGeneration increases on
// every role change so sessions captured under an older role can be rejected.
type User struct {
	UserID         string    `json:"user_id"`
	Username       string    `json:"username"`
	Role           string    `json:"role"`
	RoleGeneration int64     `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Session is a browser session resolved from the session cookie.
type Session struct {
	ID             string
	UserID         string
	AccessToken    string
	RoleGeneration int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// TokenStore persists API tokens.
type TokenStore interface {
	CreateAPIToken(ctx context.Context, token *APIToken) error
	GetAPIToken(ctx context.Context, userID, id string) (*APIToken, error)
	GetAPITokenByTokenID(ctx context.Context, tokenID string) (*APIToken, error)
	ListAPITokens(ctx context.Context, userID string, limit, offset int) ([]*APIToken, int, error)
	RenameAPIToken(ctx context.Context, userID, id, name string) error
	SetAPITokenStatus(ctx context.Context, userID, id string, status TokenStatus, lastUsedAt *time.Time) error
	TouchAPIToken(ctx context.Context, id string, at time.Time) error
}

// AccessRequestStore persists access requests.
type AccessRequestStore interface {
	CreateAccessRequest(ctx context.Context, req *AccessRequest) error
	GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error)
	GetAccessRequestByScope(ctx context.Context, scope string) (*AccessRequest, error)
	ApproveAccessRequest(ctx context.Context, id string, update ApprovalUpdate) error
	RejectAccessRequest(ctx context.Context, id, reviewerID string) error
	FailAccessRequest(ctx context.Context, id, message string) error
}

// UserStore persists users and their roles.
type UserStore interface {
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error)
	SetUserRole(ctx context.Context, userID, role string) (*User, error)
	DeleteUser(ctx context.Context, userID string) error
}

// SessionStore persists browser sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) error
}

// Store combines every persistence interface.
type Store interface {
	TokenStore
	AccessRequestStore
	UserStore
	SessionStore
	Close() error
}
