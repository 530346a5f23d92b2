package principal

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultRoleTTL is how long a fetched role set is trusted.
	DefaultRoleTTL = 2 * time.Minute
	// DefaultRoleCacheSize bounds the number of cached users.
	DefaultRoleCacheSize = 4096
)

type roleEntry struct {
	roles     []string
	expiresAt time.Time
}

// RoleCache maps user ids to role sets with a TTL measured from the write.
// It is safe for concurrent use.
type RoleCache struct {
	entries *expirable.LRU[uuid.UUID, roleEntry]
	ttl     time.Duration
	now     func() time.Time
}

// CacheOption configures a RoleCache.
type CacheOption func(*RoleCache)

// WithCacheClock overrides the clock that stamps and checks entries.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *RoleCache) { c.now = now }
}

// NewRoleCache returns a cache holding up to size users for ttl each.
func NewRoleCache(size int, ttl time.Duration, opts ...CacheOption) *RoleCache {
	if size <= 0 {
		size = DefaultRoleCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultRoleTTL
	}
	c := &RoleCache{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	// The LRU's own expiry runs on the wall clock and only reclaims memory;
	// freshness is decided by expiresAt.
	c.entries = expirable.NewLRU[uuid.UUID, roleEntry](size, nil, ttl)
	return c
}

// Get returns a copy of the cached roles for userID if still fresh.
func (c *RoleCache) Get(userID uuid.UUID) ([]string, bool) {
	e, ok := c.entries.Get(userID)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Remove(userID)
		return nil, false
	}
	return slices.Clone(e.roles), true
}

// Set stores roles for userID, replacing any entry.
func (c *RoleCache) Set(userID uuid.UUID, roles []string) {
	c.entries.Add(userID, roleEntry{
		roles:     slices.Clone(roles),
		expiresAt: c.now().Add(c.ttl),
	})
}

// Invalidate evicts userID.
func (c *RoleCache) Invalidate(userID uuid.UUID) {
	c.entries.Remove(userID)
}

// Len returns the number of entries, fresh or not.
func (c *RoleCache) Len() int {
	return c.entries.Len()
}

// Purge evicts every entry.
func (c *RoleCache) Purge() {
	c.entries.Purge()
}
