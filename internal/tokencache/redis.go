// ABOUTME: Redis-backed cache tier shared between gateway replicas
// ABOUTME: Stores JSON entries with a TTL equal to their remaining lifetime

package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis cache.
type RedisConfig struct {
	Client *redis.Client

	// KeyPrefix namespaces every key. Default: "bodhi:cache:"
	KeyPrefix string

	// MaxTTL caps entry lifetimes when positive.
	MaxTTL time.Duration
}

// Redis implements Cache on a Redis server.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	maxTTL    time.Duration
	now       func() time.Time
}

var _ Cache = (*Redis)(nil)

// NewRedis creates a Redis cache. The client is owned by the cache and closed
// by Close.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "bodhi:cache:"
	}
	return &Redis{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		maxTTL:    cfg.MaxTTL,
		now:       time.Now,
	}, nil
}

// Get retrieves an entry, treating expired envelopes as misses.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool, error) {
	redisKey := r.keyPrefix + key

	val, err := r.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	if entry.Expired(r.now()) {
		r.client.Del(ctx, redisKey)
		return nil, false, nil
	}
	return &entry, true, nil
}

// Set stores entry with a TTL equal to its remaining lifetime.
func (r *Redis) Set(ctx context.Context, key string, entry *Entry) error {
	ttl := entry.ExpiresAt.Sub(r.now())
	if r.maxTTL > 0 && ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key beginning with prefix using SCAN.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := escapeGlob(r.keyPrefix+prefix) + "*"

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scanning %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("deleting keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks that the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
