// Package cache is the in-memory read-through, write-through layer in front of
// the record store.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tapgame-core/internal/domain"
)

// LoaderFunc reads a record from the backing store.
type LoaderFunc func() (*domain.PlayerRecord, error)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Loads     uint64 `json:"loads"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Dirty     int    `json:"dirty"`
}

type entry struct {
	record     *domain.PlayerRecord
	writers    int
	lastAccess time.Time
}

func (e *entry) dirty() bool { return e.writers > 0 }

// RecordCache holds recently used player records. Records handed out are
// always clones; callers can mutate them freely.
type RecordCache struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	loads     atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache whose clean entries expire after ttl without access.
func New(ttl time.Duration, logger *slog.Logger) *RecordCache {
	return &RecordCache{
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Get returns a clone of the cached record for key.
func (c *RecordCache) Get(key string) (*domain.PlayerRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.record == nil || c.expired(e) {
		c.misses.Add(1)
		return nil, false
	}
	e.lastAccess = c.now()
	c.hits.Add(1)
	return e.record.Clone(), true
}

// Load returns the cached record or calls loader once for all concurrent
// callers missing the same key.
func (c *RecordCache) Load(key string, loader LoaderFunc) (*domain.PlayerRecord, error) {
	if rec, ok := c.Get(key); ok {
		return rec, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		c.loads.Add(1)
		rec, err := loader()
		if err != nil {
			return nil, err
		}
		c.store(key, rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("shared record load", "player_key", key)
	}
	return v.(*domain.PlayerRecord).Clone(), nil
}

// store caches a loaded record unless a newer version is already present.
func (c *RecordCache) store(key string, rec *domain.PlayerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.entries[key] = &entry{record: rec.Clone(), lastAccess: c.now()}
		return
	}
	if e.record == nil || e.record.Version < rec.Version {
		e.record = rec.Clone()
	}
	e.lastAccess = c.now()
}

// BeginWrite marks key dirty until the matching Commit or Abort.
func (c *RecordCache) BeginWrite(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.writers++
	e.lastAccess = c.now()
}

// Commit stores the record written to disk and clears the dirty mark.
func (c *RecordCache) Commit(key string, rec *domain.PlayerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	} else if e.writers > 0 {
		e.writers--
	}
	if e.record == nil || e.record.Version <= rec.Version {
		e.record = rec.Clone()
	}
	e.lastAccess = c.now()
}

// Abort clears the dirty mark after a failed write and drops the cached
// value; the next read goes back to disk.
func (c *RecordCache) Abort(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.writers > 0 {
		e.writers--
	}
	e.record = nil
	if !e.dirty() {
		delete(c.entries, key)
	}
}

// Invalidate drops a clean entry, e.g. after the record was archived.
func (c *RecordCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !e.dirty() {
		delete(c.entries, key)
	}
}

// Evict removes clean entries idle for longer than the TTL and returns how
// many were removed. Dirty entries are never evicted.
func (c *RecordCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.dirty() {
			continue
		}
		if e.record == nil || c.expired(e) {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions.Add(uint64(removed))
	return removed
}

// RunJanitor calls Evict every interval until ctx is done.
func (c *RecordCache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Evict(); n > 0 {
				c.logger.Debug("evicted idle records", "count", n, "size", c.Len())
			}
		}
	}
}

// Len returns the number of cached entries.
func (c *RecordCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// DirtyKeys returns the keys with a write in progress, sorted.
func (c *RecordCache) DirtyKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key, e := range c.entries {
		if e.dirty() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Stats returns the current counters.
func (c *RecordCache) Stats() Stats {
	c.mu.Lock()
	size := len(c.entries)
	dirty := 0
	for _, e := range c.entries {
		if e.dirty() {
			dirty++
		}
	}
	c.mu.Unlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Loads:     c.loads.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
		Dirty:     dirty,
	}
}

func (c *RecordCache) expired(e *entry) bool {
	if e.dirty() || c.ttl <= 0 {
		return false
	}
	return c.now().Sub(e.lastAccess) > c.ttl
}
