// Package cache memoizes successful execution results by spec
// fingerprint. Entries expire after a TTL, the in-memory footprint is
// bounded with least-recently-used eviction, and concurrent requests for
// the same fingerprint are coalesced into one execution. With a store
// path configured, entries survive restarts in a bolt file.
package cache

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/drover-sh/drover/internal/task"
)

const (
	DefaultTTL      = time.Hour
	DefaultMaxBytes = 64 << 20

	// entryOverhead approximates the bookkeeping cost per entry beyond
	// the captured strings
	entryOverhead = 256
)

// Options configures a cache. Zero values select the defaults; an empty
// Path keeps the cache memory-only.
type Options struct {
	TTL      time.Duration
	MaxBytes int64
	Path     string
	Logger   *slog.Logger
}

// Stats is a point-in-time snapshot of cache activity
type Stats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entry struct {
	fp        string
	result    task.ExecutionResult
	expiresAt time.Time
	size      int64
}

// Cache is safe for concurrent use
type Cache struct {
	mu        sync.Mutex
	ttl       time.Duration
	maxBytes  int64
	bytes     int64
	ll        *list.List
	items     map[string]*list.Element
	hits      uint64
	misses    uint64
	evictions uint64

	group  singleflight.Group
	store  *store
	logger *slog.Logger
}

// New creates a cache. When opts.Path names a file, previously persisted
// entries are loaded and future entries are written through to it.
func New(opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Cache{
		ttl:      opts.TTL,
		maxBytes: opts.MaxBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		logger:   opts.Logger,
	}

	if opts.Path != "" {
		st, err := openStore(opts.Path, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open result cache at %s: %w", opts.Path, err)
		}
		c.store = st
		if err := c.loadPersisted(); err != nil {
			st.close()
			return nil, err
		}
	}
	return c, nil
}

// loadPersisted fills the in-memory index from the store, then trims to
// the byte cap. Recency was lost across the restart so eviction order is
// arbitrary among the loaded entries.
func (c *Cache) loadPersisted() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.store.load(time.Now(), func(fp string, res task.ExecutionResult, expiresAt time.Time) {
		en := &entry{fp: fp, result: res, expiresAt: expiresAt, size: entrySize(res)}
		c.items[fp] = c.ll.PushFront(en)
		c.bytes += en.size
	})
	if err != nil {
		return fmt.Errorf("failed to load persisted cache: %w", err)
	}
	c.evictOverCapLocked()
	count := c.ll.Len()
	if count > 0 {
		c.logger.Info("result cache loaded", "entries", count, "bytes", c.bytes)
	}
	return nil
}

// Get returns the cached result for a fingerprint. A hit is marked
// FromCache; expired entries behave as misses and are dropped.
func (c *Cache) Get(fp string) (task.ExecutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fp]
	if !ok {
		c.misses++
		return task.ExecutionResult{}, false
	}
	en := el.Value.(*entry)
	if time.Now().After(en.expiresAt) {
		c.removeLocked(el)
		c.misses++
		return task.ExecutionResult{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	res := en.result
	res.FromCache = true
	return res, true
}

// Put stores a result under a fingerprint. Only successful results are
// cached; anything else is a transient outcome worth retrying.
func (c *Cache) Put(fp string, res task.ExecutionResult) {
	if !res.OK() {
		return
	}
	res.FromCache = false
	size := entrySize(res)
	if size > c.maxBytes {
		c.logger.Debug("result too large to cache", "fingerprint", fp, "bytes", size)
		return
	}

	c.mu.Lock()
	if el, ok := c.items[fp]; ok {
		c.removeLocked(el)
	}
	en := &entry{fp: fp, result: res, expiresAt: time.Now().Add(c.ttl), size: size}
	c.items[fp] = c.ll.PushFront(en)
	c.bytes += size
	c.evictOverCapLocked()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.put(fp, res, en.expiresAt); err != nil {
			c.logger.Warn("failed to persist cache entry", "fingerprint", fp, "error", err)
		}
	}
}

// GetOrRun returns the cached result for a fingerprint or executes run to
// produce one, storing it on success. Concurrent callers with the same
// fingerprint share a single execution and all receive its result.
func (c *Cache) GetOrRun(fp string, run func() (task.ExecutionResult, error)) (task.ExecutionResult, error) {
	v, err, _ := c.group.Do(fp, func() (any, error) {
		if res, ok := c.Get(fp); ok {
			return res, nil
		}
		res, err := run()
		if err != nil {
			return task.ExecutionResult{}, err
		}
		c.Put(fp, res)
		return res, nil
	})
	if err != nil {
		return task.ExecutionResult{}, err
	}
	return v.(task.ExecutionResult), nil
}

// Invalidate drops one fingerprint from memory and the store
func (c *Cache) Invalidate(fp string) {
	c.mu.Lock()
	if el, ok := c.items[fp]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.delete(fp); err != nil {
			c.logger.Warn("failed to delete persisted cache entry", "fingerprint", fp, "error", err)
		}
	}
}

// Clear drops everything, including persisted entries
func (c *Cache) Clear() {
	c.mu.Lock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.clear(); err != nil {
			c.logger.Warn("failed to clear persisted cache", "error", err)
		}
	}
}

// Stats returns a snapshot of cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.ll.Len(),
		Bytes:     c.bytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close releases the store, if any. The in-memory cache stays usable.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.close()
}

// evictOverCapLocked drops least-recently-used entries until the cache
// fits its byte cap
func (c *Cache) evictOverCapLocked() {
	for c.bytes > c.maxBytes {
		el := c.ll.Back()
		if el == nil {
			return
		}
		en := el.Value.(*entry)
		c.removeLocked(el)
		c.evictions++
		c.logger.Debug("evicted cache entry", "fingerprint", en.fp, "bytes", en.size)
		if c.store != nil {
			if err := c.store.delete(en.fp); err != nil {
				c.logger.Warn("failed to delete persisted cache entry", "fingerprint", en.fp, "error", err)
			}
		}
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	en := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, en.fp)
	c.bytes -= en.size
}

func entrySize(res task.ExecutionResult) int64 {
	return int64(len(res.Stdout)+len(res.Stderr)+len(res.Display)+len(res.Diagnostic)) + entryOverhead
}
