package permissions

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/events"
)

// cacheEntry holds one cached permission evaluation. A nil fields slice is
// the no-access sentinel; expiresAt zero means the entry does not expire.
type cacheEntry struct {
	key        string
	collection string
	item       *string
	fields     []string
	noAccess   bool
	tags       []string
	expiresAt  time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// Cache stores allowed-field evaluations keyed by (accountability fingerprint,
// collection, item, action) with dependency-tag invalidation. Entries past
// their expiry are never returned; eviction happens lazily on read and on
// insert beyond capacity (oldest-access first).
type Cache struct {
	logger   *zap.Logger
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	order    []string // access order, least recent first
	capacity int
}

// NewCache creates a permission cache bounded to capacity entries
func NewCache(logger *zap.Logger, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 5000
	}
	return &Cache{
		logger:   logger.Named("permissions.cache"),
		entries:  make(map[string]*cacheEntry),
		capacity: capacity,
	}
}

func cacheKey(acc *Accountability, collection string, item *string, action cnst.PermissionAction) string {
	var b strings.Builder
	b.WriteString(acc.Fingerprint())
	b.WriteByte(':')
	b.WriteString(collection)
	b.WriteByte(':')
	if item != nil {
		b.WriteString(*item)
	}
	b.WriteByte(':')
	b.WriteString(string(action))
	return b.String()
}

// Get returns the cached allowed fields. ok reports a cache hit; on a hit a
// nil fields slice with noAccess true means "no access or item missing".
func (c *Cache) Get(acc *Accountability, collection string, item *string, action cnst.PermissionAction) (fields []string, noAccess bool, ok bool) {
	key := cacheKey(acc, collection, item, action)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false, false
	}

	if entry.expired(time.Now()) {
		c.removeLocked(key)
		return nil, false, false
	}

	c.touchLocked(key)

	if entry.noAccess {
		return nil, true, true
	}
	return append([]string(nil), entry.fields...), false, true
}

// Set stores an evaluation result. fields == nil records the no-access
// sentinel. ttl == 0 means the entry never expires on its own.
func (c *Cache) Set(acc *Accountability, collection string, item *string, action cnst.PermissionAction, fields []string, tags []string, ttl time.Duration) {
	key := cacheKey(acc, collection, item, action)

	entry := &cacheEntry{
		key:        key,
		collection: collection,
		item:       item,
		noAccess:   fields == nil,
		tags:       tags,
	}
	if fields != nil {
		entry.fields = append([]string(nil), fields...)
	}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	c.entries[key] = entry
	c.touchLocked(key)
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = c.order[:0]
}

// Len returns the current entry count
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate evicts every entry affected by a domain-change event. Mutations
// on the permission or policy system collections flush the whole cache, since
// any entry may depend on them. Returns the number of evicted entries.
func (c *Cache) Invalidate(event *events.Event) int {
	if event.Collection == cnst.CollectionPermissions || event.Collection == cnst.CollectionPolicies {
		c.mu.Lock()
		n := len(c.entries)
		c.entries = make(map[string]*cacheEntry)
		c.order = c.order[:0]
		c.mu.Unlock()

		c.logger.Debug("permission system collection changed, cleared cache",
			zap.String("collection", event.Collection),
			zap.Int("evicted", n))
		return n
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []string
	for key, entry := range c.entries {
		if c.entryAffected(entry, event) {
			evicted = append(evicted, key)
		}
	}
	for _, key := range evicted {
		c.removeLocked(key)
	}

	return len(evicted)
}

// entryAffected reports whether an event touches the entry's own record or
// any of its dependency tags.
func (c *Cache) entryAffected(entry *cacheEntry, event *events.Event) bool {
	if entry.collection == event.Collection {
		// No keys on the event means the whole collection may have changed
		if len(event.Keys) == 0 || entry.item == nil {
			return true
		}
		if event.HasKey(*entry.item) {
			return true
		}
	}

	for _, tag := range entry.tags {
		coll, key, keyed := strings.Cut(tag, ":")
		if coll != event.Collection {
			continue
		}
		// Collection-wide tag matches any event on that collection; a keyed
		// tag matches its own key, or a keyless event (unknown which record
		// changed, so assume the worst).
		if !keyed || len(event.Keys) == 0 || event.HasKey(key) {
			return true
		}
	}

	return false
}

func (c *Cache) touchLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}
