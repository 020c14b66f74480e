package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/chatrelay/pkg/models"
)

// ErrCacheIO marks failures of the persistent store. Callers treat it as a
// cache miss; it never fails a request.
var ErrCacheIO = errors.New("cache store unavailable")

const (
	defaultShards      = 16
	defaultBusyTimeout = 5000
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS response_cache (
	fingerprint TEXT PRIMARY KEY,
	answer TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	hit_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_response_cache_created ON response_cache(created_at);
`

// Options configures a Cache.
type Options struct {
	Path string
	// TTL expires entries older than this; zero keeps entries forever.
	TTL time.Duration
	// MaxEntries bounds the cache during eviction sweeps; zero is unbounded.
	MaxEntries int
	Shards     int
	Logger     *slog.Logger
	Now        func() time.Time
}

// entry is the in-memory copy of a cached answer. hits and dirty are
// updated under the shard read lock.
type entry struct {
	answer    string
	createdAt time.Time
	hits      atomic.Int64
	// dirty is set when the entry differs from the persisted row.
	dirty atomic.Bool
	// persisted is set once the row exists in the store.
	persisted atomic.Bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// flushMu serialises persistence of keys in this shard so an older
	// snapshot never overwrites a newer one.
	flushMu sync.Mutex
}

// Cache is an exact-match answer cache. An in-memory index is the
// authority for reads; SQLite is the durability backstop written through
// Flush.
type Cache struct {
	db         *sql.DB
	shards     []*shard
	ttl        time.Duration
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time
	hits       atomic.Int64
	misses     atomic.Int64
}

// New opens the cache database at opts.Path and migrates the schema.
func New(opts Options) (*Cache, error) {
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout),
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure cache db: %w", err)
		}
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		db:         db,
		shards:     make([]*shard, opts.Shards),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c, nil
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *Cache) expired(createdAt time.Time) bool {
	return c.ttl > 0 && c.now().Sub(createdAt) > c.ttl
}

// Warm loads persisted entries into the in-memory index, newest first and
// at most MaxEntries of them. It returns the number of entries loaded.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	limit := -1
	if c.maxEntries > 0 {
		limit = c.maxEntries
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT fingerprint, answer, created_at, hit_count FROM response_cache
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return 0, fmt.Errorf("warm cache: %w: %w", ErrCacheIO, err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var (
			key, answer string
			createdNs   int64
			hits        int64
		)
		if err := rows.Scan(&key, &answer, &createdNs, &hits); err != nil {
			return loaded, fmt.Errorf("scan cache row: %w: %w", ErrCacheIO, err)
		}
		createdAt := time.Unix(0, createdNs).UTC()
		if c.expired(createdAt) {
			continue
		}
		if c.promote(key, answer, createdAt, hits) {
			loaded++
		}
	}
	return loaded, rows.Err()
}

// promote inserts a persisted row into the index unless the key is
// already present. It reports whether the row was inserted.
func (c *Cache) promote(key, answer string, createdAt time.Time, hits int64) bool {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[key]; ok {
		return false
	}
	e := &entry{answer: answer, createdAt: createdAt}
	e.hits.Store(hits)
	e.persisted.Store(true)
	sh.entries[key] = e
	return true
}

// Lookup returns the entry for key and increments its hit count. Index
// misses fall back to the persistent store; store failures are logged and
// reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key string) (models.CacheEntry, bool) {
	sh := c.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	if ok && !c.expired(e.createdAt) {
		out := c.hit(key, e)
		sh.mu.RUnlock()
		return out, true
	}
	sh.mu.RUnlock()

	if ok {
		c.misses.Add(1)
		return models.CacheEntry{}, false
	}

	answer, createdAt, hits, found, err := c.load(ctx, key)
	if err != nil {
		c.logger.Warn("cache: lookup fell back to miss", "fingerprint", key, "error", err)
		c.misses.Add(1)
		return models.CacheEntry{}, false
	}
	if !found || c.expired(createdAt) {
		c.misses.Add(1)
		return models.CacheEntry{}, false
	}

	c.promote(key, answer, createdAt, hits)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok = sh.entries[key]
	if !ok {
		// Evicted between promote and read.
		c.misses.Add(1)
		return models.CacheEntry{}, false
	}
	return c.hit(key, e), true
}

func (c *Cache) hit(key string, e *entry) models.CacheEntry {
	hits := e.hits.Add(1)
	e.dirty.Store(true)
	c.hits.Add(1)
	return models.CacheEntry{
		Fingerprint: key,
		Answer:      e.answer,
		CreatedAt:   e.createdAt,
		HitCount:    hits,
	}
}

func (c *Cache) load(ctx context.Context, key string) (answer string, createdAt time.Time, hits int64, found bool, err error) {
	var createdNs int64
	err = c.db.QueryRowContext(ctx,
		`SELECT answer, created_at, hit_count FROM response_cache WHERE fingerprint = ?`, key,
	).Scan(&answer, &createdNs, &hits)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, 0, false, nil
	}
	if err != nil {
		return "", time.Time{}, 0, false, fmt.Errorf("%w: %w", ErrCacheIO, err)
	}
	return answer, time.Unix(0, createdNs).UTC(), hits, true, nil
}

// Store inserts or overwrites the answer for key in the index. The entry
// is visible to Lookup immediately; Flush persists it.
func (c *Cache) Store(key, answer string) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := &entry{answer: answer, createdAt: c.now().UTC()}
	if prev, ok := sh.entries[key]; ok {
		e.hits.Store(prev.hits.Load())
		e.persisted.Store(prev.persisted.Load())
	}
	e.dirty.Store(true)
	sh.entries[key] = e
}

// Flush writes the current index entry for key to the store. Keys that
// are clean or no longer indexed are skipped.
func (c *Cache) Flush(ctx context.Context, key string) error {
	sh := c.shardFor(key)
	sh.flushMu.Lock()
	defer sh.flushMu.Unlock()

	sh.mu.RLock()
	e, ok := sh.entries[key]
	if !ok || !e.dirty.Load() {
		sh.mu.RUnlock()
		return nil
	}
	e.dirty.Store(false)
	answer, createdAt, hits := e.answer, e.createdAt, e.hits.Load()
	sh.mu.RUnlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO response_cache (fingerprint, answer, created_at, hit_count)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
			answer = excluded.answer,
			created_at = excluded.created_at,
			hit_count = excluded.hit_count`,
		key, answer, createdAt.UnixNano(), hits,
	)
	if err != nil {
		e.dirty.Store(true)
		return fmt.Errorf("cache flush: %w: %w", ErrCacheIO, err)
	}
	e.persisted.Store(true)
	return nil
}

// DirtyKeys returns the keys whose in-memory state has not been persisted.
func (c *Cache) DirtyKeys() []string {
	var keys []string
	for _, sh := range c.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			if e.dirty.Load() {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// FlushAll persists every dirty entry and returns the first error seen.
func (c *Cache) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, key := range c.DirtyKeys() {
		if err := c.Flush(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Evict removes expired entries and, when MaxEntries is set, the oldest
// entries beyond it. It returns how many entries left the cache.
func (c *Cache) Evict(ctx context.Context) (int, error) {
	removed := make(map[string]struct{})

	type aged struct {
		key       string
		createdAt time.Time
	}
	var live []aged
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if c.expired(e.createdAt) {
				delete(sh.entries, k)
				removed[k] = struct{}{}
				continue
			}
			live = append(live, aged{k, e.createdAt})
		}
		sh.mu.Unlock()
	}

	if c.maxEntries > 0 && len(live) > c.maxEntries {
		sort.Slice(live, func(i, j int) bool { return live[i].createdAt.After(live[j].createdAt) })
		for _, a := range live[c.maxEntries:] {
			sh := c.shardFor(a.key)
			sh.mu.Lock()
			delete(sh.entries, a.key)
			sh.mu.Unlock()
			removed[a.key] = struct{}{}
		}
	}

	var dbRemoved int64
	if c.ttl > 0 {
		cutoff := c.now().Add(-c.ttl).UnixNano()
		res, err := c.db.ExecContext(ctx, `DELETE FROM response_cache WHERE created_at < ?`, cutoff)
		if err != nil {
			return len(removed), fmt.Errorf("evict expired: %w: %w", ErrCacheIO, err)
		}
		n, _ := res.RowsAffected()
		dbRemoved += n
	}
	if c.maxEntries > 0 {
		res, err := c.db.ExecContext(ctx,
			`DELETE FROM response_cache WHERE fingerprint NOT IN (
				SELECT fingerprint FROM response_cache ORDER BY created_at DESC LIMIT ?)`,
			c.maxEntries)
		if err != nil {
			return len(removed), fmt.Errorf("evict overflow: %w: %w", ErrCacheIO, err)
		}
		n, _ := res.RowsAffected()
		dbRemoved += n
	}

	if int(dbRemoved) > len(removed) {
		return int(dbRemoved), nil
	}
	return len(removed), nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM response_cache`).Scan(&count); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}

	var pending, unpersisted int64
	for _, sh := range c.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if e.dirty.Load() {
				pending++
			}
			if !e.persisted.Load() {
				unpersisted++
			}
		}
		sh.mu.RUnlock()
	}

	return models.CacheStats{
		Entries: count + unpersisted,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Pending: pending,
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) error {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !expiredOnly || c.expired(e.createdAt) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}

	var err error
	switch {
	case !expiredOnly:
		_, err = c.db.ExecContext(ctx, `DELETE FROM response_cache`)
	case c.ttl > 0:
		_, err = c.db.ExecContext(ctx, `DELETE FROM response_cache WHERE created_at < ?`,
			c.now().Add(-c.ttl).UnixNano())
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
