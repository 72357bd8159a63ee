package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bodhi-gateway/internal/auth"
	"github.com/2389/bodhi-gateway/internal/autherr"
	"github.com/2389/bodhi-gateway/internal/role"
	"github.com/2389/bodhi-gateway/internal/store"
)

var (
	instanceX = uuid.NewString()
	instanceY = uuid.NewString()
	deniedZ   = uuid.NewString()
)

// newTestAuthorizer returns an authorizer whose debug log lands in buf.
func newTestAuthorizer(s AccessRequestGetter) (*Authorizer, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewAuthorizer(s, nil, logger), buf
}

func approvedRecord(id string) *store.AccessRequest {
	now := time.Now()
	return &store.AccessRequest{
		ID:            id,
		AppClientID:   "app-notebook",
		FlowType:      store.FlowPopup,
		Status:        store.AccessRequestApproved,
		UserID:        "u1",
		RequestedRole: "scope_user_user",
		ApprovedRole:  "scope_user_user",
		Approved: &store.Approved{Toolsets: []store.ApprovedToolset{
			{ToolsetType: "builtin-exa-search", Status: store.ApprovalApproved, InstanceID: instanceX},
			{ToolsetType: "builtin-web-fetch", Status: store.ApprovalDenied, InstanceID: deniedZ},
		}},
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func externalIdentity(accessRequestID string) *auth.Identity {
	return &auth.Identity{
		Kind:            auth.KindExternalApp,
		UserID:          "u1",
		Role:            role.User,
		AuthorizedParty: "app-notebook",
		AccessRequestID: accessRequestID,
	}
}

// lastReason returns the reason of the most recent denial log line.
func lastReason(t *testing.T, buf *bytes.Buffer) string {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	reason, _ := entry["reason"].(string)
	return reason
}

func TestAuthorize_GrantedInstance(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.CreateAccessRequest(context.Background(), approvedRecord("ar-1")))
	a, _ := newTestAuthorizer(s)

	grant, err := a.Authorize(context.Background(), externalIdentity("ar-1"), instanceX)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, "builtin-exa-search", grant.ToolsetType)
	assert.Equal(t, instanceX, grant.InstanceID)
}

func TestAuthorize_ChainOrder(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*store.AccessRequest)
		identity   func(*auth.Identity)
		instance   string
		wantReason string
	}{
		{
			name:       "missing record",
			identity:   func(id *auth.Identity) { id.AccessRequestID = "nope" },
			instance:   instanceX,
			wantReason: "access request not found",
		},
		{
			// Fails every later check too; must stop at status.
			name: "rejected beats everything",
			mutate: func(r *store.AccessRequest) {
				r.Status = store.AccessRequestRejected
				r.ExpiresAt = time.Now().Add(-time.Hour)
				r.AppClientID = "other-app"
				r.UserID = "other-user"
				r.Approved = nil
			},
			instance:   instanceY,
			wantReason: "access request not approved",
		},
		{
			name: "expired beats app mismatch",
			mutate: func(r *store.AccessRequest) {
				r.ExpiresAt = time.Now().Add(-time.Minute)
				r.AppClientID = "other-app"
			},
			instance:   instanceX,
			wantReason: "access request expired",
		},
		{
			name: "app mismatch beats user mismatch",
			mutate: func(r *store.AccessRequest) {
				r.AppClientID = "other-app"
				r.UserID = "other-user"
			},
			instance:   instanceX,
			wantReason: "app client mismatch",
		},
		{
			name:       "user mismatch",
			identity:   func(id *auth.Identity) { id.UserID = "u2" },
			instance:   instanceY,
			wantReason: "user mismatch",
		},
		{
			name:       "instance not listed",
			instance:   instanceY,
			wantReason: "instance not approved",
		},
		{
			name:       "instance listed but denied",
			instance:   deniedZ,
			wantReason: "instance not approved",
		},
	}

	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMockStore()
			rec := approvedRecord("ar-1")
			if tt.mutate != nil {
				tt.mutate(rec)
			}
			require.NoError(t, s.CreateAccessRequest(context.Background(), rec))

			id := externalIdentity("ar-1")
			if tt.identity != nil {
				tt.identity(id)
			}

			a, logs := newTestAuthorizer(s)
			grant, err := a.Authorize(context.Background(), id, tt.instance)
			assert.Nil(t, grant)
			require.ErrorIs(t, err, autherr.ErrToolsetAccessDenied)
			assert.Equal(t, tt.wantReason, lastReason(t, logs))

			rec2 := httptest.NewRecorder()
			autherr.WriteHTTP(rec2, err)
			assert.Equal(t, http.StatusForbidden, rec2.Code)
			bodies = append(bodies, rec2.Body.String())
		})
	}

	// Callers cannot tell which check failed.
	for _, b := range bodies {
		assert.Equal(t, bodies[0], b)
	}
}

// brokenStore fails every lookup with a storage error.
type brokenStore struct{}

func (brokenStore) GetAccessRequest(context.Context, string) (*store.AccessRequest, error) {
	return nil, errors.New("database is locked")
}

func TestAuthorize_StoreFailureIsUniformDenial(t *testing.T) {
	a, buf := newTestAuthorizer(brokenStore{})

	grant, err := a.Authorize(context.Background(), externalIdentity("ar-1"), instanceX)
	assert.Nil(t, grant)
	assert.ErrorIs(t, err, autherr.ErrToolsetAccessDenied)
	assert.Equal(t, http.StatusForbidden, autherr.HTTPStatus(err))
	assert.Equal(t, "access denied", autherr.Message(err))
	assert.Contains(t, buf.String(), "database is locked")
}

func TestAuthorize_IdentityKinds(t *testing.T) {
	a, _ := newTestAuthorizer(store.NewMockStore())
	ctx := context.Background()

	grant, err := a.Authorize(ctx, &auth.Identity{Kind: auth.KindSession, UserID: "u1", Role: role.User}, instanceX)
	require.NoError(t, err)
	assert.Nil(t, grant)

	for _, kind := range []auth.Kind{auth.KindAPIToken, auth.KindAnonymous} {
		_, err := a.Authorize(ctx, &auth.Identity{Kind: kind, UserID: "u1"}, instanceX)
		assert.ErrorIs(t, err, autherr.ErrToolsetAccessDenied, kind)
	}

	_, err = a.Authorize(ctx, nil, instanceX)
	assert.ErrorIs(t, err, autherr.ErrToolsetAccessDenied)

	_, err = a.Authorize(ctx, externalIdentity(""), instanceX)
	assert.ErrorIs(t, err, autherr.ErrToolsetAccessDenied)
}

func TestInstanceIDFromPath(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{path: "/api/toolsets/" + id + "/execute", want: id, ok: true},
		{path: "/bodhi/v1/mcps/" + id, want: id, ok: true},
		{path: "/api/toolsets/not-a-uuid/execute"},
		{path: "/api/toolsets"},
		{path: "/api/models/" + id},
	}
	for _, tt := range tests {
		got, ok := InstanceIDFromPath(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestMiddleware(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.CreateAccessRequest(context.Background(), approvedRecord("ar-1")))
	a, _ := newTestAuthorizer(s)

	var seen *store.ApprovedToolset
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GrantFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(instance string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/toolsets/"+instance+"/execute", nil)
		req = req.WithContext(auth.WithAuth(req.Context(), externalIdentity("ar-1")))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve(instanceX))
	require.NotNil(t, seen)
	assert.Equal(t, instanceX, seen.InstanceID)

	assert.Equal(t, http.StatusForbidden, serve(instanceY))
	assert.Equal(t, http.StatusForbidden, serve("garbage"))
}
