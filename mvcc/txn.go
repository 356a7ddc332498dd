package mvcc

import (
	"context"
	"sync/atomic"
)

// RWSetSizeLimit bounds the number of distinct keys a single transaction
// may touch. The read/write set is expected to stay small — tens of
// entries — since findOrCreateEntry resolves it with a linear scan.
const RWSetSizeLimit = 64

type txState int32

const (
	txActive txState = iota
	txCommitted
	txAborted
)

// Transaction is the bounded, ordered collection of read/write entries
// belonging to one in-flight transaction. It is not safe for concurrent
// use from more than one goroutine: a transaction belongs to whichever
// goroutine called Begin, the same convention database/sql uses.
type Transaction struct {
	id      uint64
	entries []*RWEntry
	state   atomic.Int32

	thread *ThreadHandle

	ctx    context.Context
	cancel context.CancelFunc
}

// findOrCreateEntry looks up or allocates the entry for key, using the
// caller's key-compare function rather than byte equality, and reuses an
// existing entry's buffered state if the key already has one.
func (t *Transaction) findOrCreateEntry(cfg DataConfig, key []byte, isRead bool) (*RWEntry, error) {
	for _, e := range t.entries {
		if cfg.KeyCompare(e.Key, key) == 0 {
			e.IsRead = e.IsRead || isRead
			return e, nil
		}
	}
	if len(t.entries) >= RWSetSizeLimit {
		return nil, ErrRWSetFull
	}
	e := &RWEntry{
		Key:    append([]byte(nil), key...),
		IsRead: isRead,
	}
	t.entries = append(t.entries, e)
	return e, nil
}

func (t *Transaction) isActive() bool {
	return txState(t.state.Load()) == txActive
}

// partition splits entries into the read set and write set used by the
// commit protocol. An entry may appear in both.
func partition(entries []*RWEntry) (readSet, writeSet []*RWEntry) {
	for _, e := range entries {
		if e.IsRead {
			readSet = append(readSet, e)
		}
		if e.IsWrite() {
			writeSet = append(writeSet, e)
		}
	}
	return readSet, writeSet
}
