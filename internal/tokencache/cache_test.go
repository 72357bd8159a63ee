// ABOUTME: Tests for key derivation and the in-memory cache
// ABOUTME: Validates expiry, max TTL capping, LRU eviction, prefix deletes, and concurrency safety

package tokencache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestKeys(t *testing.T) {
	k := ExchangedKey("eyJhbGciOi.payload.sig")
	assert.True(t, strings.HasPrefix(k, "exchanged_token:"))
	assert.Len(t, strings.TrimPrefix(k, "exchanged_token:"), 12)
	assert.NotContains(t, k, "payload")

	assert.Equal(t, k, ExchangedKey("eyJhbGciOi.payload.sig"))
	assert.NotEqual(t, k, ExchangedKey("eyJhbGciOi.payload.sig2"))

	tk := APITokenKey("bodhiapp_abcdefgh", "bodhiapp_abcdefghsecret")
	assert.True(t, strings.HasPrefix(tk, APITokenKeyPrefix("bodhiapp_abcdefgh")))
	assert.Equal(t, "token:bodhiapp_abcdefgh:"+HashPrefix("bodhiapp_abcdefghsecret"), tk)
}

func TestMemory_GetMiss(t *testing.T) {
	m := NewMemory(10, 0)
	defer m.Close()

	_, ok, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_SetGet(t *testing.T) {
	clock := newClock()
	m := NewMemory(10, 0, WithClock(clock.Now))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", &Entry{AccessToken: "at", UserID: "u1", ExpiresAt: clock.Now().Add(time.Minute)}))

	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at", got.AccessToken)

	got.AccessToken = "mutated"
	again, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "at", again.AccessToken, "Get must return a copy")
}

func TestMemory_ExpiredEntryIsNeverReturned(t *testing.T) {
	clock := newClock()
	m := NewMemory(10, 0, WithClock(clock.Now))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", &Entry{ExpiresAt: clock.Now().Add(time.Minute)}))

	clock.Advance(time.Minute)
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry at its expiry instant must be a miss")
	assert.Equal(t, 0, m.Len())
}

func TestMemory_SetIgnoresAlreadyExpired(t *testing.T) {
	clock := newClock()
	m := NewMemory(10, 0, WithClock(clock.Now))
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "k", &Entry{ExpiresAt: clock.Now().Add(-time.Second)}))
	assert.Equal(t, 0, m.Len())
}

func TestMemory_MaxTTLCapsLifetime(t *testing.T) {
	clock := newClock()
	m := NewMemory(10, 5*time.Minute, WithClock(clock.Now))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", &Entry{ExpiresAt: clock.Now().Add(time.Hour)}))

	clock.Advance(4 * time.Minute)
	_, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := newClock()
	m := NewMemory(3, 0, WithClock(clock.Now))
	defer m.Close()
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Set(ctx, k, &Entry{ExpiresAt: exp}))
	}

	// Touch "a" so "b" becomes the oldest.
	_, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, m.Set(ctx, "d", &Entry{ExpiresAt: exp}))

	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok, "b should have been evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok, _ := m.Get(ctx, k)
		assert.True(t, ok, "%s should remain", k)
	}
	assert.Equal(t, 3, m.Len())
}

func TestMemory_DeleteAndDeletePrefix(t *testing.T) {
	clock := newClock()
	m := NewMemory(10, 0, WithClock(clock.Now))
	defer m.Close()
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	require.NoError(t, m.Set(ctx, "token:bodhiapp_aaaaaaaa:111111111111", &Entry{ExpiresAt: exp}))
	require.NoError(t, m.Set(ctx, "token:bodhiapp_aaaaaaaa:222222222222", &Entry{ExpiresAt: exp}))
	require.NoError(t, m.Set(ctx, "token:bodhiapp_bbbbbbbb:333333333333", &Entry{ExpiresAt: exp}))
	require.NoError(t, m.Set(ctx, "exchanged_token:444444444444", &Entry{ExpiresAt: exp}))

	require.NoError(t, m.DeletePrefix(ctx, APITokenKeyPrefix("bodhiapp_aaaaaaaa")))
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.Delete(ctx, "exchanged_token:444444444444"))
	_, ok, _ := m.Get(ctx, "exchanged_token:444444444444")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "token:bodhiapp_bbbbbbbb:333333333333")
	assert.True(t, ok)
}

func TestMemory_CleanupSweepsExpired(t *testing.T) {
	m := NewMemory(10, 0, WithCleanupInterval(10*time.Millisecond))
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "k", &Entry{ExpiresAt: time.Now().Add(20 * time.Millisecond)}))
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemory_NonPositiveCleanupIntervalKeepsDefault(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		var m *Memory
		require.NotPanics(t, func() { m = NewMemory(10, 0, WithCleanupInterval(d)) }, d.String())
		assert.Equal(t, time.Minute, m.interval)

		ctx := context.Background()
		require.NoError(t, m.Set(ctx, "k", &Entry{ExpiresAt: time.Now().Add(time.Hour)}))
		_, ok, err := m.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, m.Close())
	}
}

func TestMemory_CloseIdempotent(t *testing.T) {
	m := NewMemory(10, 0)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestMemory_Concurrent(t *testing.T) {
	m := NewMemory(50, 0)
	defer m.Close()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("k-%d-%d", i, j%10)
				_ = m.Set(ctx, key, &Entry{ExpiresAt: exp})
				_, _, _ = m.Get(ctx, key)
				if j%25 == 0 {
					_ = m.DeletePrefix(ctx, fmt.Sprintf("k-%d-", i))
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Len(), 50)
}

func TestEntry_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Entry{ExpiresAt: now.Add(time.Second)}).Expired(now))
	assert.True(t, (&Entry{ExpiresAt: now}).Expired(now))
	assert.True(t, (&Entry{}).Expired(now))
}
