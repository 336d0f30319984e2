package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"logsnarf/internal/logging"
)

// DefaultTTL is how long a lookup result is reused.
const DefaultTTL = 5 * time.Minute

// CacheConfig configures a Cache.
type CacheConfig struct {
	TTL    time.Duration
	Clock  clockwork.Clock
	Logger *slog.Logger
}

type cacheEntry struct {
	creds   Credentials
	err     error // nil or ErrNotFound
	fetched time.Time
}

// Cache is a Resolver that remembers results of another Resolver for a TTL.
// Unknown tokens are cached as well. Concurrent lookups of one token share
// a single backend call.
type Cache struct {
	next   Resolver
	ttl    time.Duration
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache wraps next.
func NewCache(next Resolver, cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Cache{
		next:    next,
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		logger:  logging.Default(cfg.Logger).With("component", "credentials-cache"),
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) Lookup(ctx context.Context, token string) (Credentials, error) {
	if e, ok := c.get(token); ok {
		return e.creds, e.err
	}
	v, err, _ := c.group.Do(token, func() (any, error) {
		if e, ok := c.get(token); ok {
			return e.creds, e.err
		}
		creds, err := c.next.Lookup(ctx, token)
		if err == nil || errors.Is(err, ErrNotFound) {
			c.mu.Lock()
			c.entries[token] = cacheEntry{creds: creds, err: err, fetched: c.clock.Now()}
			c.mu.Unlock()
		}
		return creds, err
	})
	creds, _ := v.(Credentials)
	return creds, err
}

func (c *Cache) get(token string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok || c.clock.Since(e.fetched) >= c.ttl {
		return cacheEntry{}, false
	}
	return e, true
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for token, e := range c.entries {
		if c.clock.Since(e.fetched) >= c.ttl {
			delete(c.entries, token)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("swept credentials", "evicted", n, "remaining", len(c.entries))
	}
	return n
}

// Purge drops every cached entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// PurgeOn purges the cache each time the channel returned by changed is
// closed, until ctx is done. File.Changed fits, so tenants added by a reload
// are not hidden behind a cached miss.
func (c *Cache) PurgeOn(ctx context.Context, changed func() <-chan struct{}) error {
	ch := changed()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			ch = changed()
			c.Purge()
			c.logger.Debug("purged credentials after reload")
		}
	}
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
