package mvcc

// RWEntry is a transaction-local scratch record for one distinct key.
// Created by Transaction.findOrCreateEntry, one per key the transaction has
// read or written.
//
// A manually-managed key buffer would need a tri-state flag tracking
// whether the timestamp cache had adopted ownership of it, so the entry
// knew whether it was still responsible for freeing it. Go's garbage
// collector makes that bookkeeping unnecessary: TimestampCache always
// keeps its own copy of the key bytes (see tscache.go), so an RWEntry's
// Key is never aliased by the cache and there is nothing to hand off.
type RWEntry struct {
	Key []byte
	Msg *Message

	IsRead bool

	// TupleTS is nil until the entry has been published into the
	// timestamp cache.
	TupleTS *TimestampRecord

	// WTS/RTS snapshot the tuple's timestamp record as observed at read
	// time, used during commit validation.
	WTS uint64
	RTS uint64
}

// IsWrite reports whether this entry carries a buffered mutation.
func (e *RWEntry) IsWrite() bool {
	return e.Msg != nil
}
