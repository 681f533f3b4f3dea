// Package cache backs the rendered-export cache: exports are
// immutable per version, so cached documents only ever fall out by
// TTL or explicit invalidation after a dedup-relevant write.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mailcortex/triage/common/logger"
)

// Cache interface for key-value storage
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryCache is the in-process backend, suitable for single-instance
// deployments. Multi-instance deployments use the redis backend so
// every replica serves the same cached export.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	stop chan struct{}
	once sync.Once
	log  *logger.Logger
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates an in-memory cache and starts its expiry
// sweeper.
func NewMemoryCache(log *logger.Logger) *MemoryCache {
	c := &MemoryCache{
		data: make(map[string]memoryEntry),
		stop: make(chan struct{}),
		log:  log,
	}
	go c.sweep()
	return c
}

// Get retrieves a value. The second return is false for both missing
// and expired keys.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores a value with a TTL.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes a key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Close stops the sweeper and drops the data. Safe to call more than
// once.
func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.mu.Lock()
		c.data = nil
		c.mu.Unlock()
		c.log.Info("memory cache closed")
	})
	return nil
}

// sweep removes expired entries once a minute until Close.
func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if now.After(entry.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Len reports the number of live entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
