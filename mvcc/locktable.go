package mvcc

import (
	"hash/fnv"
	"sync"
	"time"
)

// LockResult is the outcome set returned by TryAcquire and QueryState.
type LockResult uint8

const (
	LockOK LockResult = iota
	LockBusy
	LockDeadlk
)

const numLockShards = 64

type lockHolder struct {
	ownerTxID  uint64
	acquiredAt time.Time
}

type lockShard struct {
	mu sync.Mutex
	m  map[string]lockHolder
}

// LockTable is the non-blocking, per-key mutual exclusion coordinator used
// only by the commit path. It owns no data beyond the owner-tracking map
// itself; the same key bytes stored in RWEntry.Key are used to address it.
//
// LockDeadlk is defined but this implementation never returns it: the
// sort-before-lock discipline in the façade's commit loop precludes cycles,
// so callers can assert on it rather than handle it.
type LockTable struct {
	shards [numLockShards]*lockShard
}

func NewLockTable() *LockTable {
	lt := &LockTable{}
	for i := range lt.shards {
		lt.shards[i] = &lockShard{m: make(map[string]lockHolder)}
	}
	return lt
}

func lockShardFor(shards *[numLockShards]*lockShard, key []byte) *lockShard {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return shards[h.Sum64()%numLockShards]
}

// TryAcquire attempts exclusive acquisition of key on behalf of txID.
func (lt *LockTable) TryAcquire(key []byte, txID uint64) LockResult {
	sh := lockShardFor(&lt.shards, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if holder, busy := sh.m[string(key)]; busy && holder.ownerTxID != txID {
		return LockBusy
	}
	sh.m[string(key)] = lockHolder{ownerTxID: txID, acquiredAt: time.Now()}
	return LockOK
}

// Release drops txID's ownership of key, if held.
func (lt *LockTable) Release(key []byte, txID uint64) {
	sh := lockShardFor(&lt.shards, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if holder, ok := sh.m[string(key)]; ok && holder.ownerTxID == txID {
		delete(sh.m, string(key))
	}
}

// QueryState is a non-mutating poll of key's lock state.
func (lt *LockTable) QueryState(key []byte) LockResult {
	sh := lockShardFor(&lt.shards, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, busy := sh.m[string(key)]; busy {
		return LockBusy
	}
	return LockOK
}

// StaleLock describes a lock-table entry held longer than an audit
// threshold, surfaced by AuditStale for the background lock auditor to
// warn about — a held lock should never outlive its owning transaction.
type StaleLock struct {
	Key      []byte
	OwnerTx  uint64
	HeldFor  time.Duration
}

// AuditStale returns every currently-held lock older than threshold. It
// does not resolve anything — TicToc's protocol makes deadlocks
// unreachable by construction, so this is a liveness diagnostic, not a
// cycle-breaker.
func (lt *LockTable) AuditStale(threshold time.Duration) []StaleLock {
	now := time.Now()
	var stale []StaleLock
	for _, sh := range lt.shards {
		sh.mu.Lock()
		for k, holder := range sh.m {
			if held := now.Sub(holder.acquiredAt); held > threshold {
				stale = append(stale, StaleLock{
					Key:     []byte(k),
					OwnerTx: holder.ownerTxID,
					HeldFor: held,
				})
			}
		}
		sh.mu.Unlock()
	}
	return stale
}
