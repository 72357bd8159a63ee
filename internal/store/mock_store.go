// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu             sync.RWMutex
	tokens         map[string]*APIToken      // keyed by ID
	tokenIndex     map[string]string         // keyed by token_id -> ID
	accessRequests map[string]*AccessRequest // keyed by ID
	users          map[string]*User          // keyed by user_id
	sessions       map[string]*Session       // keyed by ID
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tokens:         make(map[string]*APIToken),
		tokenIndex:     make(map[string]string),
		accessRequests: make(map[string]*AccessRequest),
		users:          make(map[string]*User),
		sessions:       make(map[string]*Session),
	}
}

// CreateAPIToken stores a new token.
func (m *MockStore) CreateAPIToken(ctx context.Context, token *APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokenIndex[token.TokenID]; exists {
		return ErrDuplicateToken
	}
	t := copyToken(token)
	m.tokens[t.ID] = t
	m.tokenIndex[t.TokenID] = t.ID
	return nil
}

// GetAPIToken retrieves a token owned by userID.
func (m *MockStore) GetAPIToken(ctx context.Context, userID, id string) (*APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[id]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	return copyToken(t), nil
}

// GetAPITokenByTokenID retrieves a token by its public token_id.
func (m *MockStore) GetAPITokenByTokenID(ctx context.Context, tokenID string) (*APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.tokenIndex[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyToken(m.tokens[id]), nil
}

// ListAPITokens returns a page of a user's tokens, newest first.
func (m *MockStore) ListAPITokens(ctx context.Context, userID string, limit, offset int) ([]*APIToken, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*APIToken
	for _, t := range m.tokens {
		if t.UserID == userID {
			all = append(all, copyToken(t))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return page(all, limit, offset), len(all), nil
}

// RenameAPIToken changes a token's display name.
func (m *MockStore) RenameAPIToken(ctx context.Context, userID, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok || t.UserID != userID {
		return ErrNotFound
	}
	t.Name = name
	t.UpdatedAt = time.Now()
	return nil
}

// SetAPITokenStatus changes a token's status.
func (m *MockStore) SetAPITokenStatus(ctx context.Context, userID, id string, status TokenStatus, lastUsedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok || t.UserID != userID {
		return ErrNotFound
	}
	t.Status = status
	if lastUsedAt != nil {
		at := *lastUsedAt
		t.LastUsedAt = &at
	}
	t.UpdatedAt = time.Now()
	return nil
}

// TouchAPIToken records a successful use of a token.
func (m *MockStore) TouchAPIToken(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.LastUsedAt = &at
	return nil
}

// CreateAccessRequest stores a new access request.
func (m *MockStore) CreateAccessRequest(ctx context.Context, req *AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessRequests[req.ID] = copyAccessRequest(req)
	return nil
}

// GetAccessRequest retrieves an access request by ID.
func (m *MockStore) GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.accessRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccessRequest(r), nil
}

// GetAccessRequestByScope retrieves the access request owning scope.
func (m *MockStore) GetAccessRequestByScope(ctx context.Context, scope string) (*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.accessRequests {
		if scope != "" && r.AccessRequestScope == scope {
			return copyAccessRequest(r), nil
		}
	}
	return nil, ErrNotFound
}

// ApproveAccessRequest moves a draft to approved.
func (m *MockStore) ApproveAccessRequest(ctx context.Context, id string, update ApprovalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.draftLocked(id)
	if err != nil {
		return err
	}
	approved := update.Approved
	approved.Toolsets = append([]ApprovedToolset(nil), update.Approved.Toolsets...)
	r.Status = AccessRequestApproved
	r.Approved = &approved
	r.UserID = update.UserID
	r.ApprovedRole = update.ApprovedRole
	r.ResourceScope = update.ResourceScope
	r.AccessRequestScope = update.AccessRequestScope
	r.ExpiresAt = update.ExpiresAt
	r.UpdatedAt = time.Now()
	return nil
}

// RejectAccessRequest moves a draft to rejected.
func (m *MockStore) RejectAccessRequest(ctx context.Context, id, reviewerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.draftLocked(id)
	if err != nil {
		return err
	}
	r.Status = AccessRequestRejected
	r.UserID = reviewerID
	r.UpdatedAt = time.Now()
	return nil
}

// FailAccessRequest moves a draft to failed.
func (m *MockStore) FailAccessRequest(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.draftLocked(id)
	if err != nil {
		return err
	}
	r.Status = AccessRequestFailed
	r.ErrorMessage = message
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) draftLocked(id string) (*AccessRequest, error) {
	r, ok := m.accessRequests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != AccessRequestDraft {
		return nil, ErrStaleTransition
	}
	return r, nil
}

// UpsertUser creates a user or refreshes the username.
func (m *MockStore) UpsertUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.users[user.UserID]; ok {
		existing.Username = user.Username
		existing.UpdatedAt = now
		return nil
	}
	u := *user
	u.RoleGeneration = 1
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.UserID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// ListUsers returns a page of users ordered by username.
func (m *MockStore) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Username == all[j].Username {
			return all[i].UserID < all[j].UserID
		}
		return all[i].Username < all[j].Username
	})
	return page(all, limit, offset), len(all), nil
}

// SetUserRole assigns a role and bumps the role generation.
func (m *MockStore) SetUserRole(ctx context.Context, userID, role string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	u.Role = role
	u.RoleGeneration++
	u.UpdatedAt = time.Now()
	result := *u
	return &result, nil
}

// DeleteUser removes a user and their sessions.
func (m *MockStore) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	delete(m.users, userID)
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a non-expired session.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || !time.Now().Before(s.ExpiresAt) {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// DeleteSession deletes a session.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

// DeleteExpiredSessions removes all expired sessions.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyToken(t *APIToken) *APIToken {
	c := *t
	if t.LastUsedAt != nil {
		at := *t.LastUsedAt
		c.LastUsedAt = &at
	}
	return &c
}

func copyAccessRequest(r *AccessRequest) *AccessRequest {
	c := *r
	c.Requested.ToolsetTypes = append([]ToolsetTypeRequest(nil), r.Requested.ToolsetTypes...)
	c.Requested.MCPServers = append([]MCPServerRequest(nil), r.Requested.MCPServers...)
	if r.Approved != nil {
		a := Approved{Toolsets: append([]ApprovedToolset(nil), r.Approved.Toolsets...)}
		c.Approved = &a
	}
	return &c
}

func page[T any](all []T, limit, offset int) []T {
	limit, offset = clampPage(limit, offset)
	if offset >= len(all) {
		return []T{}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}
