package gamematch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gmboard/gmboard/internal/models"
)

const defaultCacheTTL = 5 * time.Minute

// Loader fetches the configured game mappings.
type Loader interface {
	ListGameMappings(ctx context.Context) ([]models.GameMapping, error)
}

// Cache keeps game mappings for a bounded time so matching does not refetch
// configuration on every event. Owners must call Invalidate after mappings change.
type Cache struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	mappings  []models.GameMapping
	fetchedAt time.Time
	loaded    bool
}

// NewCache builds a cache. A non-positive ttl uses the five minute default.
func NewCache(loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		loader: loader,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the clock used for expiry.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Mappings returns cached mappings, reloading them once the TTL has elapsed.
func (c *Cache) Mappings(ctx context.Context) ([]models.GameMapping, error) {
	if c == nil || c.loader == nil {
		return nil, fmt.Errorf("game mapping cache is not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.loaded && now.Sub(c.fetchedAt) < c.ttl {
		return c.mappings, nil
	}

	mappings, err := c.loader.ListGameMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load game mappings: %w", err)
	}
	c.mappings = mappings
	c.fetchedAt = now
	c.loaded = true
	return c.mappings, nil
}

// Match resolves title against the cached mappings.
func (c *Cache) Match(ctx context.Context, title string) (Result, bool, error) {
	mappings, err := c.Mappings(ctx)
	if err != nil {
		return Result{}, false, err
	}
	result, ok := Match(title, mappings)
	return result, ok, nil
}

// Invalidate drops the cached mappings so the next call reloads them.
func (c *Cache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.mappings = nil
	c.loaded = false
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
