// ABOUTME: End-to-end HTTP tests for the gateway routes
// ABOUTME: Tokens, access requests, toolset execution, user management and exchange eviction

package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/exchange"
	"github.com/2389/bodhi-gateway/internal/role"
	"github.com/2389/bodhi-gateway/internal/store"
)

func TestUserInfo_Anonymous(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/user", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[UserInfoResponse](t, rec)
	assert.False(t, info.LoggedIn)
	assert.Empty(t, info.UserID)
}

func TestUserInfo_Session(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t, "alice", role.PowerUser)

	rec := env.do(t, http.MethodGet, "/api/user", nil, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[UserInfoResponse](t, rec)
	assert.True(t, info.LoggedIn)
	assert.Equal(t, string(auth.KindSession), info.AuthKind)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, "power_user", info.Role)
}

func TestProtectedRoute_NoCredential(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/models", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenLifecycle(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t, "alice", role.User)

	rec := env.do(t, http.MethodPost, "/api/tokens", CreateTokenRequest{Name: "ci"}, withSession(sid))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	raw, _ := created["token"].(string)
	tokenID, _ := created["id"].(string)
	require.NotEmpty(t, raw)
	require.NotEmpty(t, tokenID)
	assert.Contains(t, raw, auth.APITokenPrefix)

	rec = env.do(t, http.MethodGet, "/api/models", nil, withBearer(raw))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "list", decode[map[string]any](t, rec)["object"])

	rec = env.do(t, http.MethodGet, "/api/user", nil, withBearer(raw))
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[UserInfoResponse](t, rec)
	assert.Equal(t, string(auth.KindAPIToken), info.AuthKind)
	assert.Equal(t, "alice@example.com", info.Username)

	t.Run("api token cannot manage tokens", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/tokens", CreateTokenRequest{Name: "nested"}, withBearer(raw))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("listed without the raw token", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/tokens?page=1&page_size=10", nil, withSession(sid))
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[map[string]any](t, rec)
		assert.EqualValues(t, 1, page["total"])
		assert.NotContains(t, rec.Body.String(), raw)
	})

	inactive := store.TokenStatusInactive
	rec = env.do(t, http.MethodPut, "/api/tokens/"+tokenID, UpdateTokenRequest{Status: &inactive}, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/models", nil, withBearer(raw))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "inactive token must be rejected at once")

	active := store.TokenStatusActive
	rec = env.do(t, http.MethodPut, "/api/tokens/"+tokenID, UpdateTokenRequest{Status: &active}, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/models", nil, withBearer(raw))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateToken_Validation(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t, "alice", role.User)

	rec := env.do(t, http.MethodPost, "/api/tokens", CreateTokenRequest{Name: "ci"}, withSession(sid))
	require.Equal(t, http.StatusCreated, rec.Code)
	tokenID := decode[map[string]any](t, rec)["id"].(string)

	rec = env.do(t, http.MethodPut, "/api/tokens/"+tokenID, map[string]any{}, withSession(sid))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bogus := store.TokenStatus("paused")
	rec = env.do(t, http.MethodPut, "/api/tokens/"+tokenID, UpdateTokenRequest{Status: &bogus}, withSession(sid))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	name := "renamed"
	rec = env.do(t, http.MethodPut, "/api/tokens/"+tokenID, UpdateTokenRequest{Name: &name}, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", decode[map[string]any](t, rec)["name"])

	other := env.seedSession(t, "bob", role.User)
	rec = env.do(t, http.MethodGet, "/api/tokens/"+tokenID, nil, withSession(other))
	assert.Equal(t, http.StatusNotFound, rec.Code, "tokens are private to their owner")
}

func TestCreateToken_ScopeAboveRole(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t, "alice", role.User)

	rec := env.do(t, http.MethodPost, "/api/tokens",
		CreateTokenRequest{Name: "ci", Scope: role.Admin.TokenScope()}, withSession(sid))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// draftAccessRequest creates a popup draft asking for two toolset types.
func (e *testEnv) draftAccessRequest(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/apps/request-access", map[string]any{
		"app_client_id": testAppID,
		"flow_type":     "popup",
		"requested": map[string]any{
			"toolset_types": []map[string]string{
				{"toolset_type": "builtin-web-search"},
				{"toolset_type": "builtin-exa"},
			},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[RequestAccessResponse](t, rec)
	assert.Equal(t, store.AccessRequestDraft, resp.Status)
	assert.Equal(t, "https://bodhi.test/ui/apps/access-requests/review?id="+resp.ID, resp.ReviewURL)
	return resp.ID
}

func TestAccessRequest_ApproveAndExecute(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t, "alice", role.PowerUser)
	id := env.draftAccessRequest(t)

	rec := env.do(t, http.MethodGet, "/api/apps/access-requests/"+id+"?app_client_id=other-app", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "requests are invisible to other apps")

	rec = env.do(t, http.MethodGet, "/api/access-requests/"+id+"/review", nil, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Notebook", decode[map[string]any](t, rec)["app_name"])

	approved := uuid.NewString()
	rec = env.do(t, http.MethodPost, "/api/access-requests/"+id+"/approve", ApproveRequest{
		ApprovedRole: role.User.UserScope(),
		Toolsets: []store.ApprovedToolset{
			{ToolsetType: "builtin-web-search", Status: store.ApprovalApproved, InstanceID: approved},
			{ToolsetType: "builtin-exa", Status: store.ApprovalDenied},
		},
	}, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, env.idp.consents.Load())

	rec = env.do(t, http.MethodGet, "/api/apps/access-requests/"+id+"?app_client_id="+testAppID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[AppAccessRequestStatus](t, rec)
	assert.Equal(t, store.AccessRequestApproved, status.Status)
	assert.Equal(t, exchange.AccessRequestScopePrefix+id, status.AccessRequestScope)
	assert.Equal(t, role.User.UserScope(), status.ApprovedRole)

	bearer := env.idp.appToken(t, "alice", "openid "+status.AccessRequestScope)

	rec = env.do(t, http.MethodPost, "/api/toolsets/"+approved+"/execute", map[string]string{"query": "go"}, withBearer(bearer))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, approved, decode[map[string]any](t, rec)["instance_id"])

	rec = env.do(t, http.MethodPost, "/api/toolsets/"+uuid.NewString()+"/execute", nil, withBearer(bearer))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "access denied", errorMessage(t, rec))

	rec = env.do(t, http.MethodGet, "/api/user", nil, withBearer(bearer))
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[UserInfoResponse](t, rec)
	assert.Equal(t, string(auth.KindExternalApp), info.AuthKind)
	assert.Equal(t, testAppID, info.AuthorizedParty)
	assert.Equal(t, id, info.AccessRequestID)
	assert.Equal(t, "user", info.Role)
	assert.Equal(t, "alice@example.com", info.Username)

	assert.EqualValues(t, 1, env.idp.exchanges.Load(), "exchange result is cached")

	t.Run("second approval conflicts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/access-requests/"+id+"/approve", ApproveRequest{
			ApprovedRole: role.User.UserScope(),
		}, withSession(sid))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("another user's bearer is refused", func(t *testing.T) {
		other := env.idp.appToken(t, "mallory", "openid "+status.AccessRequestScope)
		rec := env.do(t, http.MethodPost, "/api/toolsets/"+approved+"/execute", nil, withBearer(other))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid credential", errorMessage(t, rec), "the failed grant check is not disclosed")
	})
}

func TestAccessRequest_SessionSkipsGrantChecks(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t, "alice", role.User)

	rec := env.do(t, http.MethodPost, "/api/toolsets/"+uuid.NewString()+"/execute", nil, withSession(sid))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/toolsets/not-a-uuid/execute", nil, withSession(sid))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAccessRequest_Deny(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t, "alice", role.User)
	id := env.draftAccessRequest(t)

	rec := env.do(t, http.MethodPost, "/api/access-requests/"+id+"/deny", nil, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/apps/access-requests/"+id+"?app_client_id="+testAppID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.AccessRequestRejected, decode[AppAccessRequestStatus](t, rec).Status)
	assert.Zero(t, env.idp.consents.Load())
}

func TestAccessRequest_ConsentConflict(t *testing.T) {
	env := newTestEnv(t)
	env.idp.consentStatus.Store(http.StatusConflict)
	sid := env.seedSession(t, "alice", role.User)
	id := env.draftAccessRequest(t)

	rec := env.do(t, http.MethodPost, "/api/access-requests/"+id+"/approve", ApproveRequest{
		ApprovedRole: role.User.UserScope(),
		Toolsets: []store.ApprovedToolset{
			{ToolsetType: "builtin-web-search", Status: store.ApprovalApproved, InstanceID: uuid.NewString()},
		},
	}, withSession(sid))
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "failed", decode[map[string]string](t, rec)["status"])

	rec = env.do(t, http.MethodGet, "/api/apps/access-requests/"+id+"?app_client_id="+testAppID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[AppAccessRequestStatus](t, rec)
	assert.Equal(t, store.AccessRequestFailed, status.Status)
	assert.NotEmpty(t, status.ErrorMessage)
}

func TestAccessRequest_InvalidDraft(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing app", map[string]any{"flow_type": "popup"}},
		{"redirect without uri", map[string]any{"app_client_id": testAppID, "flow_type": "redirect"}},
		{"unknown flow", map[string]any{"app_client_id": testAppID, "flow_type": "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/apps/request-access", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := env.do(t, http.MethodGet, "/api/apps/access-requests/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "app_client_id is required")
}

// flakyModels rejects the exchanged token on its first call.
type flakyModels struct {
	calls atomic.Int32
}

func (f *flakyModels) ListModels(context.Context, *auth.Identity) ([]Model, error) {
	if f.calls.Add(1) == 1 {
		return nil, ErrUpstreamUnauthorized
	}
	return []Model{{ID: "llama3:8b", OwnedBy: "local"}}, nil
}

func TestListModels_UpstreamRejectionEvictsExchange(t *testing.T) {
	models := &flakyModels{}
	env := newTestEnv(t, WithModelLister(models))
	bearer := env.idp.appToken(t, "alice", "openid profile")

	rec := env.do(t, http.MethodGet, "/api/models", nil, withBearer(bearer))
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, env.idp.exchanges.Load())

	rec = env.do(t, http.MethodGet, "/api/models", nil, withBearer(bearer))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, env.idp.exchanges.Load(), "evicted entry forces a fresh exchange")

	body := decode[map[string]any](t, rec)
	data, _ := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "model", data[0].(map[string]any)["object"])

	rec = env.do(t, http.MethodGet, "/api/models", nil, withBearer(bearer))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, env.idp.exchanges.Load())
}

func TestListModels_AccessRequestWithinResourceRole(t *testing.T) {
	env := newTestEnv(t)
	env.idp.setResourceRoles(role.User.ResourceRole())
	sid := env.seedSession(t, "alice", role.PowerUser)
	id := env.draftAccessRequest(t)

	// Drafts default to a user-level request, so approve at that level and
	// let the IdP report a weaker resource role than the approval.
	rec := env.do(t, http.MethodPost, "/api/access-requests/"+id+"/approve", ApproveRequest{
		ApprovedRole: role.User.UserScope(),
		Toolsets: []store.ApprovedToolset{
			{ToolsetType: "builtin-web-search", Status: store.ApprovalApproved, InstanceID: uuid.NewString()},
		},
	}, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bearer := env.idp.appToken(t, "alice", "openid "+exchange.AccessRequestScopePrefix+id)
	rec = env.do(t, http.MethodGet, "/api/models", nil, withBearer(bearer))
	assert.Equal(t, http.StatusOK, rec.Code, "user resource role may delegate a user scope")
}

func TestExternalToken_WrongAudience(t *testing.T) {
	env := newTestEnv(t)
	bearer := env.idp.Sign(t, map[string]any{"sub": "alice", "azp": testAppID, "aud": "someone-else", "scope": "openid"})

	rec := env.do(t, http.MethodGet, "/api/models", nil, withBearer(bearer))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.idp.exchanges.Load())
}

func TestUserManagement(t *testing.T) {
	env := newTestEnv(t)
	mgr := env.seedSession(t, "mgr", role.Manager)
	bob := env.seedSession(t, "bob", role.User)
	env.seedSession(t, "root", role.Admin)

	t.Run("regular users cannot list", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/users", nil, withSession(bob))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/users?page_size=2", nil, withSession(mgr))
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[map[string]any](t, rec)
		assert.EqualValues(t, 3, page["total"])
		assert.Len(t, page["data"], 2)
	})

	t.Run("self modification", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/users/mgr/role", ChangeRoleRequest{Role: "user"}, withSession(mgr))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("cannot promote to own rank", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/users/bob/role", ChangeRoleRequest{Role: "manager"}, withSession(mgr))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("cannot touch a higher role", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/api/users/root", nil, withSession(mgr))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown role", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/users/bob/role", ChangeRoleRequest{Role: "wizard"}, withSession(mgr))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/users/nobody/role", ChangeRoleRequest{Role: "user"}, withSession(mgr))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("role change ends sessions", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/users/bob/role", ChangeRoleRequest{Role: "power_user"}, withSession(mgr))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "power_user", decode[map[string]any](t, rec)["role"])

		rec = env.do(t, http.MethodGet, "/api/tokens", nil, withSession(bob))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/api/users/bob", nil, withSession(mgr))
		require.Equal(t, http.StatusNoContent, rec.Code)

		_, err := env.store.GetUser(context.Background(), "bob")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestPageParams(t *testing.T) {
	env := newTestEnv(t)
	sid := env.seedSession(t, "alice", role.User)

	for _, q := range []string{"page=0", "page=x", "page_size=-1"} {
		rec := env.do(t, http.MethodGet, "/api/tokens?"+q, nil, withSession(sid))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec := env.do(t, http.MethodGet, "/api/tokens?page_size=1000", nil, withSession(sid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, maxPageSize, decode[map[string]any](t, rec)["page_size"])
}
