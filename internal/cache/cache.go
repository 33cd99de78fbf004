// Package cache holds compiled artifacts for one worker.
//
// Entries are keyed by the canonical absolute path of the source file and are
// only valid while the file's modification time and the compile options
// fingerprint still match what was recorded at compile time. The cache never
// expires entries on its own; stale entries are dropped lazily by Get and
// eagerly by Evict when the watcher reports a change.
package cache

import (
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one compiled artifact.
type Entry struct {
	Compiled    []byte
	ContentType string
	ModTime     time.Time
	Fingerprint string
	CompiledAt  time.Time
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Puts      int64 `json:"puts"`
	Evictions int64 `json:"evictions"`
}

// StatFunc reports file metadata; os.Stat outside of tests.
type StatFunc func(name string) (fs.FileInfo, error)

// Cache maps source identities to compiled output. Safe for concurrent use.
type Cache struct {
	entries map[Key]*Entry
	mutex   sync.RWMutex
	stat    StatFunc

	hits      int64
	misses    int64
	puts      int64
	evictions int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithStat replaces the function used to read modification times.
func WithStat(stat StatFunc) Option {
	return func(c *Cache) {
		c.stat = stat
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Key]*Entry),
		stat:    os.Stat,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for key if the source file is unchanged on disk and
// the entry was compiled under fingerprint. A stale entry is discarded and
// reported as a miss.
func (c *Cache) Get(key Key, fingerprint string) (Entry, bool) {
	c.mutex.RLock()
	entry, ok := c.entries[key]
	c.mutex.RUnlock()

	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return Entry{}, false
	}

	info, err := c.stat(key.String())
	if err == nil && entry.Fingerprint == fingerprint && info.ModTime().Equal(entry.ModTime) {
		atomic.AddInt64(&c.hits, 1)
		return *entry, true
	}

	c.mutex.Lock()
	// Only drop the entry we validated; a concurrent Put may have replaced it.
	if current, ok := c.entries[key]; ok && current == entry {
		delete(c.entries, key)
		atomic.AddInt64(&c.evictions, 1)
	}
	c.mutex.Unlock()

	atomic.AddInt64(&c.misses, 1)
	return Entry{}, false
}

// Put stores entry under key, replacing any previous value.
func (c *Cache) Put(key Key, entry Entry) {
	if entry.CompiledAt.IsZero() {
		entry.CompiledAt = time.Now()
	}

	c.mutex.Lock()
	c.entries[key] = &entry
	c.mutex.Unlock()

	atomic.AddInt64(&c.puts, 1)
}

// Evict removes key. It reports whether an entry was present.
func (c *Cache) Evict(key Key) bool {
	c.mutex.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mutex.Unlock()

	if ok {
		atomic.AddInt64(&c.evictions, 1)
	}
	return ok
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mutex.Lock()
	n := len(c.entries)
	c.entries = make(map[Key]*Entry)
	c.mutex.Unlock()

	atomic.AddInt64(&c.evictions, int64(n))
}

// Len returns the number of stored entries, stale or not.
func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// Stats returns counters for monitoring.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Puts:      atomic.LoadInt64(&c.puts),
		Evictions: atomic.LoadInt64(&c.evictions),
	}
}
