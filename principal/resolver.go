package principal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// RoleSource is the source of truth for role assignments.
type RoleSource interface {
	UserRoles(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// RoleResolver answers role lookups from a RoleCache, falling back to a
// RoleSource on a miss.
type RoleResolver struct {
	source   RoleSource
	cache    *RoleCache
	group    singleflight.Group
	logger   *slog.Logger
	onLookup func(hit bool)

	// A fill only writes the cache if no invalidation for its user, and no
	// InvalidateAll, happened while it was fetching.
	gens  sync.Map // uuid.UUID -> *atomic.Uint64
	epoch atomic.Uint64
}

// ResolverOption configures a RoleResolver.
type ResolverOption func(*RoleResolver)

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *RoleResolver) { r.logger = logger }
}

// WithLookupObserver registers fn to be called with the cache outcome of
// every lookup.
func WithLookupObserver(fn func(hit bool)) ResolverOption {
	return func(r *RoleResolver) { r.onLookup = fn }
}

// NewRoleResolver returns a resolver over source and cache.
func NewRoleResolver(source RoleSource, cache *RoleCache, opts ...ResolverOption) *RoleResolver {
	r := &RoleResolver{source: source, cache: cache, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Roles returns the roles held by userID. Concurrent misses for the same
// user share one backend call.
func (r *RoleResolver) Roles(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if roles, ok := r.cache.Get(userID); ok {
		r.observe(true)
		return roles, nil
	}
	r.observe(false)

	v, err, _ := r.group.Do(userID.String(), func() (any, error) {
		gen, epoch := r.generation(userID), r.epoch.Load()
		roles, err := r.source.UserRoles(ctx, userID)
		if err != nil {
			return nil, err
		}
		if r.generation(userID) == gen && r.epoch.Load() == epoch {
			r.cache.Set(userID, roles)
		} else {
			r.logger.Debug("discarding role fill invalidated mid-flight", "user_id", userID)
		}
		return roles, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching roles for %s: %w", userID, err)
	}
	return slices.Clone(v.([]string)), nil
}

// Invalidate evicts userID so the next lookup reaches the source. Call it
// after any change to the user's roles or enabled state.
func (r *RoleResolver) Invalidate(userID uuid.UUID) {
	v, _ := r.gens.LoadOrStore(userID, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
	r.group.Forget(userID.String())
	r.cache.Invalidate(userID)
}

// InvalidateAll evicts every cached user. Role deletion affects users the
// caller cannot enumerate.
func (r *RoleResolver) InvalidateAll() {
	r.epoch.Add(1)
	r.cache.Purge()
}

func (r *RoleResolver) generation(userID uuid.UUID) uint64 {
	if v, ok := r.gens.Load(userID); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (r *RoleResolver) observe(hit bool) {
	if r.onLookup != nil {
		r.onLookup(hit)
	}
}
