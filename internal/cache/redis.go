package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rcliao/agent-context/internal/model"
)

// Redis is a cache shared between processes. Keys are namespaced by prefix.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// DialRedis creates a client for addr. The connection is established lazily.
func DialRedis(addr, password string, db int, prefix string) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), prefix)
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Put stores value with SET PX.
func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (time.Time, error) {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return time.Time{}, fmt.Errorf("redis set: %w", err)
	}
	return time.Now().Add(ttl), nil
}

// Get reads the value and its remaining TTL in one round trip.
func (r *Redis) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, r.key(key))
	pttl := pipe.PTTL(ctx, r.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	val, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry := &model.CacheEntry{Key: key, Value: val}
	if d, err := pttl.Result(); err == nil && d > 0 {
		entry.ExpiresAt = time.Now().Add(d)
	}
	return entry, nil
}

// Delete removes key with DEL.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// Keys walks the keyspace with SCAN MATCH. SCAN may repeat keys, so results
// are deduplicated before sorting.
func (r *Redis) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	seen := map[string]struct{}{}
	iter := r.client.Scan(ctx, 0, globEscape(r.key(prefix))+"*", 100).Iterator()
	for iter.Next(ctx) {
		seen[strings.TrimPrefix(iter.Val(), r.prefix)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globEscaper.Replace(s)
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
