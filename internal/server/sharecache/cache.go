// Package sharecache caches grant-existence lookups for (account, user)
// pairs. Only the boolean "a grant row exists" is cached; the access tier is
// always computed by the caller.
package sharecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// GrantLoader answers the uncached question. grants.Repository satisfies it.
type GrantLoader interface {
	Exists(ctx context.Context, accountID, userID string) (bool, error)
}

// Broadcaster forwards invalidations to other server instances.
type Broadcaster interface {
	Publish(ctx context.Context, userIDs []string) error
}

type key struct {
	accountID string
	userID    string
}

// Cache is a read-through, TTL-bounded LRU over GrantLoader.
//
// mu guards the per-user index and generation counters and is held across
// every LRU mutation, so an invalidation can never interleave with the
// insertion of a value loaded before it. A load inserts only when neither its
// user's generation nor the cache epoch moved while it ran.
type Cache struct {
	loader GrantLoader
	lru    *expirable.LRU[key, bool]
	size   int

	mu     sync.Mutex
	byUser map[string]map[key]struct{}
	// gen is only consulted by loads in flight; it is cleared whenever none
	// are, and reset together with an epoch bump when it grows too large.
	gen     map[string]uint64
	epoch   uint64
	loading int
	// indexed counts keys across byUser; the index is rebuilt from the LRU
	// once it drifts past twice the LRU capacity.
	indexed int
	// suspended turns the cache into a pass-through while remote
	// invalidations cannot be received.
	suspended bool

	broadcaster Broadcaster
}

// New builds a cache holding at most size entries for at most ttl each.
func New(loader GrantLoader, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1
	}
	return &Cache{
		loader: loader,
		lru:    expirable.NewLRU[key, bool](size, nil, ttl),
		size:   size,
		byUser: make(map[string]map[key]struct{}),
		gen:    make(map[string]uint64),
	}
}

// SetBroadcaster enables cross-instance invalidation.
func (c *Cache) SetBroadcaster(b Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcaster = b
}

// IsShared reports whether a grant row exists for (accountID, userID).
func (c *Cache) IsShared(ctx context.Context, accountID, userID string) (bool, error) {
	k := key{accountID: accountID, userID: userID}
	if v, ok := c.lru.Get(k); ok {
		return v, nil
	}

	c.mu.Lock()
	g, epoch := c.gen[userID], c.epoch
	c.loading++
	c.mu.Unlock()

	v, err := c.loader.Exists(ctx, accountID, userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.loaded()
	if err != nil {
		return false, fmt.Errorf("load grant: %w", err)
	}
	if c.suspended || c.epoch != epoch || c.gen[userID] != g {
		// invalidated while loading; answer from the fresh read but do not cache it
		return v, nil
	}
	c.lru.Add(k, v)
	c.index(k)
	return v, nil
}

// loaded is called with mu held when a load finishes.
func (c *Cache) loaded() {
	c.loading--
	if c.loading == 0 && len(c.gen) > 0 {
		clear(c.gen)
	}
}

func (c *Cache) index(k key) {
	set, ok := c.byUser[k.userID]
	if !ok {
		set = make(map[key]struct{})
		c.byUser[k.userID] = set
	}
	if _, ok := set[k]; ok {
		return
	}
	set[k] = struct{}{}
	c.indexed++
	if c.indexed > 2*c.size {
		c.rebuildIndex()
	}
}

func (c *Cache) rebuildIndex() {
	c.byUser = make(map[string]map[key]struct{})
	c.indexed = 0
	for _, k := range c.lru.Keys() {
		set, ok := c.byUser[k.userID]
		if !ok {
			set = make(map[key]struct{})
			c.byUser[k.userID] = set
		}
		set[k] = struct{}{}
		c.indexed++
	}
}

// InvalidateLocal drops every cached entry for the given users on this
// instance only.
func (c *Cache) InvalidateLocal(userIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		if c.loading > 0 {
			c.gen[id]++
		}
		for k := range c.byUser[id] {
			c.lru.Remove(k)
			c.indexed--
		}
		delete(c.byUser, id)
	}
	if len(c.gen) > 2*c.size {
		// loads in flight compare the epoch too, so none of them can insert
		clear(c.gen)
		c.epoch++
	}
}

// Purge drops every entry. Loads in flight do not insert their result.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge()
}

func (c *Cache) purge() {
	c.epoch++
	clear(c.gen)
	c.lru.Purge()
	c.byUser = make(map[string]map[key]struct{})
	c.indexed = 0
}

// Suspend purges the cache and stops it from caching until Resume. Used
// while invalidations from other instances cannot be received.
func (c *Cache) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
	c.purge()
}

// Resume purges whatever a suspended period may have let through and turns
// caching back on.
func (c *Cache) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge()
	c.suspended = false
}

// Invalidate drops the users' entries locally, then publishes the
// invalidation when a broadcaster is configured. The local part always
// completes; only the publish can fail.
func (c *Cache) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	c.InvalidateLocal(userIDs...)

	c.mu.Lock()
	b := c.broadcaster
	c.mu.Unlock()
	if b == nil {
		return nil
	}
	if err := b.Publish(ctx, userIDs); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
