package mvcc

import (
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"
)

// numCacheShards bounds lock contention on the timestamp cache. Rather than
// pre-sizing a single table from a capacity hint, this map grows its
// shards' Go maps on demand; tsCacheLogSlots is kept on config purely as a
// capacity hint surfaced to PrintState and is not required for correctness.
const numCacheShards = 64

// tsCacheEntry is a refcounted timestamp record plus the key bytes the
// cache has adopted. Refcounting the shared record, rather than the row
// itself, is what lets GetAndRemove reclaim a key the instant the last
// transaction holding it finishes.
type tsCacheEntry struct {
	rec      TimestampRecord
	refcount atomic.Int64
	key      []byte
}

type tsCacheShard struct {
	mu sync.Mutex
	m  map[string]*tsCacheEntry
}

// TimestampCache is the concurrent, reference-counted key -> timestamp
// record map backing every tuple's version state. Pointer identity is
// guaranteed stable for a key between a matching InsertOrGet/
// InsertOrGetNoRefcount and GetAndRemove call: the returned
// *TimestampRecord is embedded in the shard-owned entry and outlives the
// shard mutex critical section.
type TimestampCache struct {
	shards  [numCacheShards]*tsCacheShard
	logSlots int
}

// NewTimestampCache builds a cache sized by logSlots, a log2 capacity hint
// surfaced for diagnostics.
func NewTimestampCache(logSlots int) *TimestampCache {
	c := &TimestampCache{logSlots: logSlots}
	for i := range c.shards {
		c.shards[i] = &tsCacheShard{m: make(map[string]*tsCacheEntry)}
	}
	return c
}

func shardFor(shards *[numCacheShards]*tsCacheShard, key []byte) *tsCacheShard {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return shards[h.Sum64()%numCacheShards]
}

// InsertOrGet installs a fresh record with refcount 1 if key is absent, or
// increments the refcount of the existing one. The tid parameter is
// accepted for symmetry with the rest of the thread-registration API, but
// this implementation shards purely by key hash, since two callers racing
// on the same key must land on the same shard regardless of which OS
// thread got there first.
func (c *TimestampCache) InsertOrGet(key []byte, _ int) (rec *TimestampRecord, wasNew bool) {
	sh := shardFor(&c.shards, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.m[string(key)]; ok {
		e.refcount.Add(1)
		return &e.rec, false
	}

	e := &tsCacheEntry{key: append([]byte(nil), key...)}
	e.refcount.Store(1)
	sh.m[string(key)] = e
	return &e.rec, true
}

// InsertOrGetNoRefcount is the keep-all-keys variant: it never bumps the
// refcount, so an entry stays at the refcount of 1 it was installed with.
// Used by the façade when WithKeepAllKeys is set; the façade then never
// calls GetAndRemove, so the entry is never removed.
func (c *TimestampCache) InsertOrGetNoRefcount(key []byte, _ int) (rec *TimestampRecord, wasNew bool) {
	sh := shardFor(&c.shards, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.m[string(key)]; ok {
		return &e.rec, false
	}

	e := &tsCacheEntry{key: append([]byte(nil), key...)}
	e.refcount.Store(1)
	sh.m[string(key)] = e
	return &e.rec, true
}

// GetAndRemove decrements the refcount for key and, if it reaches zero,
// removes the entry. Must only be called by a façade configured without
// KeepAllKeys: the keep-all-keys mode is meant to retain every key for the
// lifetime of the cache, so it never calls this.
func (c *TimestampCache) GetAndRemove(key []byte, _ int) (wasPresent bool) {
	sh := shardFor(&c.shards, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.m[string(key)]
	if !ok {
		return false
	}
	if e.refcount.Add(-1) <= 0 {
		delete(sh.m, string(key))
	}
	return true
}

// PrintState dumps non-empty shards for diagnostics.
func (c *TimestampCache) PrintState(w io.Writer) {
	total := 0
	for i, sh := range c.shards {
		sh.mu.Lock()
		n := len(sh.m)
		sh.mu.Unlock()
		if n == 0 {
			continue
		}
		total += n
		fmt.Fprintf(w, "shard %d: %d live keys\n", i, n)
	}
	fmt.Fprintf(w, "total: %d live keys across %d shards (log2 capacity hint %d)\n",
		total, numCacheShards, c.logSlots)
}
