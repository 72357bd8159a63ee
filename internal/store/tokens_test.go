// ABOUTME: Tests for API token persistence
// ABOUTME: Covers ownership scoping, uniqueness, pagination, and status updates

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPIToken(id, userID, tokenID string, created time.Time) *APIToken {
	return &APIToken{
		ID:        id,
		UserID:    userID,
		Name:      "token " + id,
		TokenID:   tokenID,
		TokenHash: "hash-" + id,
		Scope:     "scope_token_user",
		Status:    TokenStatusActive,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestAPIToken_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateAPIToken(ctx, newAPIToken("t1", "alice", "bodhiapp_abcdefgh", now)))

	got, err := store.GetAPIToken(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "bodhiapp_abcdefgh", got.TokenID)
	assert.Equal(t, "hash-t1", got.TokenHash)
	assert.Equal(t, TokenStatusActive, got.Status)
	assert.Nil(t, got.LastUsedAt)
	assert.True(t, got.CreatedAt.Equal(now))

	byTokenID, err := store.GetAPITokenByTokenID(ctx, "bodhiapp_abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, "t1", byTokenID.ID)
}

func TestAPIToken_OtherUserSeesNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAPIToken(ctx, newAPIToken("t1", "alice", "bodhiapp_abcdefgh", time.Now())))

	_, err := store.GetAPIToken(ctx, "bob", "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.RenameAPIToken(ctx, "bob", "t1", "stolen")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.SetAPITokenStatus(ctx, "bob", "t1", TokenStatusInactive, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIToken_DuplicateTokenID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAPIToken(ctx, newAPIToken("t1", "alice", "bodhiapp_abcdefgh", time.Now())))
	err := store.CreateAPIToken(ctx, newAPIToken("t2", "bob", "bodhiapp_abcdefgh", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestAPIToken_ListNewestFirstWithTotal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := range 5 {
		tok := newAPIToken(fmt.Sprintf("t%d", i), "alice", fmt.Sprintf("bodhiapp_0000000%d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.CreateAPIToken(ctx, tok))
	}
	require.NoError(t, store.CreateAPIToken(ctx, newAPIToken("other", "bob", "bodhiapp_bbbbbbbb", base)))

	page1, total, err := store.ListAPITokens(ctx, "alice", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "t4", page1[0].ID)
	assert.Equal(t, "t3", page1[1].ID)

	page3, total, err := store.ListAPITokens(ctx, "alice", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page3, 1)
	assert.Equal(t, "t0", page3[0].ID)

	empty, total, err := store.ListAPITokens(ctx, "carol", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, empty)
}

func TestAPIToken_StatusAndTouch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAPIToken(ctx, newAPIToken("t1", "alice", "bodhiapp_abcdefgh", time.Now())))

	require.NoError(t, store.SetAPITokenStatus(ctx, "alice", "t1", TokenStatusInactive, nil))
	got, err := store.GetAPIToken(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, TokenStatusInactive, got.Status)
	assert.Nil(t, got.LastUsedAt)

	used := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.TouchAPIToken(ctx, "t1", used))

	reset := time.Now().UTC()
	require.NoError(t, store.SetAPITokenStatus(ctx, "alice", "t1", TokenStatusActive, &reset))
	got, err = store.GetAPIToken(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, TokenStatusActive, got.Status)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(reset))

	assert.ErrorIs(t, store.TouchAPIToken(ctx, "missing", used), ErrNotFound)
}

func TestAPIToken_Rename(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAPIToken(ctx, newAPIToken("t1", "alice", "bodhiapp_abcdefgh", time.Now())))
	require.NoError(t, store.RenameAPIToken(ctx, "alice", "t1", "ci runner"))

	got, err := store.GetAPIToken(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "ci runner", got.Name)
}
