package service

import (
	"context"
	"time"

	"github.com/rcliao/agent-context/internal/apperr"
	"github.com/rcliao/agent-context/internal/cache"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/telemetry"
)

const (
	defaultKeyLimit = 100
	maxKeyLimit     = 1000
)

// CachePut stores a value. TTLs above the configured maximum are clamped;
// the returned entry carries the effective expiry.
func (s *Service) CachePut(ctx context.Context, req CachePutRequest) (*model.CacheEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "cache.put")
	defer span.End()

	if err := s.check(req); err != nil {
		return nil, s.invalid(tierCache, "put", err)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if max := s.cfg.Cache.MaxTTL; max > 0 && ttl > max {
		ttl = max
	}

	expiresAt, err := s.cache.Put(ctx, req.Key, req.Value, ttl)
	if err != nil {
		return nil, s.fail(span, tierCache, "put", "cache key "+req.Key, err)
	}
	s.ok(tierCache, "put")
	return &model.CacheEntry{Key: req.Key, Value: req.Value, ExpiresAt: expiresAt}, nil
}

// CacheGet returns a live entry. Expired and evicted keys are not_found.
func (s *Service) CacheGet(ctx context.Context, key string) (*model.CacheEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "cache.get")
	defer span.End()

	if err := s.check(struct {
		Key string `json:"key" validate:"notblank"`
	}{key}); err != nil {
		return nil, s.invalid(tierCache, "get", err)
	}
	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, s.fail(span, tierCache, "get", "cache key "+key, err)
	}
	s.ok(tierCache, "get")
	return entry, nil
}

// CacheDelete removes a key. Deleting an absent key is not_found.
func (s *Service) CacheDelete(ctx context.Context, key string) error {
	ctx, span := telemetry.StartSpan(ctx, "cache.delete")
	defer span.End()

	if err := s.check(struct {
		Key string `json:"key" validate:"notblank"`
	}{key}); err != nil {
		return s.invalid(tierCache, "delete", err)
	}
	existed, err := s.cache.Delete(ctx, key)
	if err != nil {
		return s.fail(span, tierCache, "delete", "cache key "+key, err)
	}
	if !existed {
		return s.fail(span, tierCache, "delete", "cache key "+key, cache.ErrMiss)
	}
	s.ok(tierCache, "delete")
	return nil
}

// CacheKeys lists live keys starting with prefix, sorted. An empty prefix
// lists everything up to the limit.
func (s *Service) CacheKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "cache.keys")
	defer span.End()

	if limit < 0 {
		return nil, s.invalid(tierCache, "keys", apperr.Validation("limit must be at least 0"))
	}
	keys, err := s.cache.Keys(ctx, prefix, clampLimit(limit, defaultKeyLimit, maxKeyLimit))
	if err != nil {
		return nil, s.fail(span, tierCache, "keys", "cache keys", err)
	}
	if keys == nil {
		keys = []string{}
	}
	s.ok(tierCache, "keys")
	return keys, nil
}
