package mvcc

import "sync/atomic"

// deltaMask is the largest value the packed delta field holds. A narrower delta makes
// the shift in ExtendRTS a live, exercised path rather than a permanent
// no-op. uint32 is a middle ground: wide enough that shifting is rare in
// practice, narrow enough that the shift path still gets exercised.
const deltaMask = uint64(^uint32(0))

// TimestampRecord is the packed (wts, delta) pair attached to every tuple.
// rts is never stored directly; it is always wts+delta.
//
// Updates happen only while the caller holds the row lock for this key
// (via LockTable), but reads are lock-free: Load uses a seqlock so a
// concurrent Store is never observed torn.
type TimestampRecord struct {
	seq   atomic.Uint64
	wts   uint64
	delta uint32
}

// Load returns a consistent (wts, delta) snapshot.
func (r *TimestampRecord) Load() (wts uint64, delta uint32) {
	for {
		s1 := r.seq.Load()
		if s1&1 == 1 {
			continue
		}
		wts = r.wts
		delta = r.delta
		s2 := r.seq.Load()
		if s1 == s2 {
			return wts, delta
		}
	}
}

// RTS returns the current read timestamp, wts+delta.
func (r *TimestampRecord) RTS() uint64 {
	wts, delta := r.Load()
	return wts + uint64(delta)
}

// Store assigns a new (wts, delta) pair. The caller must hold the row lock
// for this record's key.
func (r *TimestampRecord) Store(wts uint64, delta uint32) {
	r.seq.Add(1)
	r.wts = wts
	r.delta = delta
	r.seq.Add(1)
}

// ExtendRTS raises rts to at least commitTS without moving wts, shifting
// wts forward by the overflow when commitTS-wts no longer fits in delta's
// range. The caller must hold the row lock for this record's key and must
// already know commitTS > wts.
func (r *TimestampRecord) ExtendRTS(commitTS uint64) {
	wts := r.wts
	deltaNew := commitTS - wts
	if deltaNew > deltaMask {
		shift := deltaNew - (deltaNew & deltaMask)
		wts += shift
		deltaNew -= shift
	}
	r.Store(wts, uint32(deltaNew))
}
