// Package cache provides the redis-backed rollup result cache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pagewise/api/internal/rollup"
)

const DefaultTTL = 5 * time.Minute

type entry struct {
	Value      any       `json:"value"`
	ComputedAt time.Time `json:"computed_at"`
}

// RedisRollupCache stores rollup values under a per-key TTL. Each entry is also listed in a
// dependency set for every related document so a change to any of them drops the entry.
type RedisRollupCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and checks the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisRollupCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

func NewWithClient(client *redis.Client, ttl time.Duration) *RedisRollupCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRollupCache{client: client, prefix: "rollup:", ttl: ttl}
}

func (c *RedisRollupCache) key(k rollup.Key) string {
	h := sha256.New()
	h.Write([]byte(k.ActorID))
	h.Write([]byte{0})
	h.Write([]byte(k.Relation))
	h.Write([]byte{0})
	h.Write([]byte(k.Property))
	h.Write([]byte{0})
	h.Write([]byte(k.Function))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(k.RelatedIDs, "\x00")))
	return c.prefix + "value:" + k.DocumentID + ":" + hex.EncodeToString(h.Sum(nil))
}

func (c *RedisRollupCache) depsKey(documentID string) string {
	return c.prefix + "deps:" + documentID
}

// Get returns the cached value for k. A miss is (nil, false, nil).
func (c *RedisRollupCache) Get(ctx context.Context, k rollup.Key) (any, bool, error) {
	raw, err := c.client.Get(ctx, c.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get rollup: %w", err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal rollup: %w", err)
	}
	return e.Value, true, nil
}

// Set stores value and registers the entry under the document and each related document.
func (c *RedisRollupCache) Set(ctx context.Context, k rollup.Key, value any) error {
	data, err := json.Marshal(entry{Value: value, ComputedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal rollup: %w", err)
	}

	key := c.key(k)
	owners := append([]string{k.DocumentID}, k.RelatedIDs...)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, c.ttl)
		for _, id := range owners {
			deps := c.depsKey(id)
			pipe.SAdd(ctx, deps, key)
			pipe.Expire(ctx, deps, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save rollup: %w", err)
	}
	return nil
}

// InvalidateDocument drops every cached rollup that read documentID.
func (c *RedisRollupCache) InvalidateDocument(ctx context.Context, documentID string) error {
	deps := c.depsKey(documentID)
	keys, err := c.client.SMembers(ctx, deps).Result()
	if err != nil {
		return fmt.Errorf("list rollup dependents: %w", err)
	}
	keys = append(keys, deps)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate rollups: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisRollupCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisRollupCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
