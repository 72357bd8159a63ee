// ABOUTME: Tests for the Redis cache tier
// ABOUTME: Skipped when no Redis server is reachable on localhost

package tokencache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	r, err := NewRedis(RedisConfig{Client: client, KeyPrefix: "bodhi:test:" + t.Name() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.DeletePrefix(context.Background(), "")
		_ = r.Close()
	})
	return r
}

func TestNewRedis_RequiresClient(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	assert.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}

func TestRedis_SetGetDelete(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	entry := &Entry{AccessToken: "at", UserID: "u1", Role: "user", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, r.Set(ctx, "exchanged_token:abc", entry))

	got, ok, err := r.Get(ctx, "exchanged_token:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at", got.AccessToken)
	assert.Equal(t, "u1", got.UserID)

	ttl, err := r.client.TTL(ctx, r.keyPrefix+"exchanged_token:abc").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, r.Delete(ctx, "exchanged_token:abc"))
	_, ok, err = r.Get(ctx, "exchanged_token:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ExpiredEnvelopeIsMiss(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", &Entry{ExpiresAt: time.Now().Add(time.Minute)}))
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_DeletePrefix(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	require.NoError(t, r.Set(ctx, "token:bodhiapp_aaaaaaaa:1", &Entry{ExpiresAt: exp}))
	require.NoError(t, r.Set(ctx, "token:bodhiapp_aaaaaaaa:2", &Entry{ExpiresAt: exp}))
	require.NoError(t, r.Set(ctx, "token:bodhiapp_bbbbbbbb:3", &Entry{ExpiresAt: exp}))

	require.NoError(t, r.DeletePrefix(ctx, APITokenKeyPrefix("bodhiapp_aaaaaaaa")))

	_, ok, _ := r.Get(ctx, "token:bodhiapp_aaaaaaaa:1")
	assert.False(t, ok)
	_, ok, _ = r.Get(ctx, "token:bodhiapp_bbbbbbbb:3")
	assert.True(t, ok)
}
