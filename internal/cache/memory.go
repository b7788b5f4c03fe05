package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/rcliao/agent-context/internal/model"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process cache backed by ristretto. Entry cost is the value
// size in bytes, so MaxCost bounds memory use.
type Memory struct {
	c *ristretto.Cache

	mu  sync.RWMutex
	now func() time.Time

	// ristretto cannot enumerate its keys, so written keys are indexed with
	// their expiry. Entries are verified against the cache on listing.
	idxMu sync.Mutex
	index map[string]time.Time
}

// NewMemory creates an in-process cache holding up to maxCost bytes of values.
func NewMemory(maxCost, numCounters int64) (*Memory, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	if numCounters <= 0 {
		numCounters = 1e6
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Memory{c: c, now: time.Now, index: map[string]time.Time{}}, nil
}

// SetClock replaces the time source used for expiry checks. Intended for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}

// Put stores a copy of value. A write rejected by the admission policy is not
// an error; the key simply reads as a miss.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) (time.Time, error) {
	expiresAt := m.clock().Add(ttl)
	buf := make([]byte, len(value))
	copy(buf, value)

	cost := int64(len(buf))
	if cost == 0 {
		cost = 1
	}
	m.c.SetWithTTL(key, memEntry{value: buf, expiresAt: expiresAt}, cost, ttl)
	m.c.Wait()

	m.idxMu.Lock()
	m.index[key] = expiresAt
	m.idxMu.Unlock()
	return expiresAt, nil
}

// Get returns the entry if present and not past its expiry.
func (m *Memory) Get(_ context.Context, key string) (*model.CacheEntry, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	e, ok := v.(memEntry)
	if !ok || !m.clock().Before(e.expiresAt) {
		return nil, ErrMiss
	}
	buf := make([]byte, len(e.value))
	copy(buf, e.value)
	return &model.CacheEntry{Key: key, Value: buf, ExpiresAt: e.expiresAt}, nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	m.c.Del(key)
	m.c.Wait()

	m.idxMu.Lock()
	delete(m.index, key)
	m.idxMu.Unlock()
	return err == nil, nil
}

// Keys lists live keys with prefix. Expired or evicted keys found in the
// index are dropped from it.
func (m *Memory) Keys(_ context.Context, prefix string, limit int) ([]string, error) {
	now := m.clock()

	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	var keys []string
	for k, exp := range m.index {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !now.Before(exp) {
			delete(m.index, k)
			continue
		}
		if _, ok := m.c.Get(k); !ok {
			delete(m.index, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Ping always succeeds for the in-process cache.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close stops ristretto's background goroutines.
func (m *Memory) Close() error {
	m.c.Close()
	return nil
}
