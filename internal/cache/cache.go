// Package cache implements the volatile TTL-bound key/value tier.
//
// Two backends are provided: an in-process ristretto cache (approximate LFU
// eviction under cost pressure) and Redis for sharing between replicas.
// Expired and evicted keys both present as ErrMiss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/model"
)

// ErrMiss is returned for absent, expired or evicted keys.
var ErrMiss = errors.New("cache miss")

// Cache is the contract shared by the volatile backends.
type Cache interface {
	// Put stores value under key for ttl and returns the expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (time.Time, error)
	// Get returns a live entry or ErrMiss.
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
	// Delete removes key and reports whether a live entry existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns up to limit live keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string, limit int) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// New builds the backend selected by cfg.Backend.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemory(cfg.MaxCost, cfg.NumCounters)
	case "redis":
		return DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
