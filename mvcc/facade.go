package mvcc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TransactionalKVS orchestrates begin/read/write/commit/abort over an
// underlying KVS using the TicToc/Silo optimistic timestamp protocol. It
// owns the timestamp cache and lock table itself, rather than reaching
// for process globals, so multiple independent instances never share
// state, and hands both to every transaction created through it.
type TransactionalKVS struct {
	kvs        KVS
	dataConfig DataConfig

	tscache        *TimestampCache
	lockTable      *LockTable
	threadRegistry *ThreadRegistry
	metrics        *metrics
	cfg            config

	nextTxID atomic.Uint64
	closed   atomic.Bool

	stopBackground context.CancelFunc
	backgroundDone sync.WaitGroup
}

func newTransactionalKVS(kvs KVS, dataConfig DataConfig, opts ...Option) (*TransactionalKVS, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxThreads <= 0 || cfg.maxThreads > MaxThreads {
		return nil, fmt.Errorf("mvcc: max threads must be in (0, %d], got %d", MaxThreads, cfg.maxThreads)
	}

	f := &TransactionalKVS{
		kvs:            kvs,
		dataConfig:     dataConfig,
		tscache:        NewTimestampCache(cfg.tsCacheLogSlots),
		lockTable:      NewLockTable(),
		threadRegistry: NewThreadRegistry(),
		metrics:        newMetrics(cfg.registry),
		cfg:            cfg,
	}
	if cfg.maxThreads < MaxThreads {
		f.threadRegistry.bitmask = 1<<uint(cfg.maxThreads) - 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.stopBackground = cancel
	f.backgroundDone.Add(2)
	go f.runCacheReporter(ctx, cfg.reportInterval)
	go f.runLockAuditor(ctx, cfg.reportInterval, cfg.staleLockThreshold)

	return f, nil
}

// Create builds a fresh TransactionalKVS atop kvs. It does not initialize
// kvs itself — whether the backend is being created fresh or opened from
// existing data is the caller's responsibility when constructing the KVS
// backend (e.g. boltkvs.Create vs boltkvs.Open).
func Create(kvs KVS, dataConfig DataConfig, opts ...Option) (*TransactionalKVS, error) {
	return newTransactionalKVS(kvs, dataConfig, opts...)
}

// Open wraps an already-populated kvs. See Create.
func Open(kvs KVS, dataConfig DataConfig, opts ...Option) (*TransactionalKVS, error) {
	return newTransactionalKVS(kvs, dataConfig, opts...)
}

// Close stops background goroutines and blocks until they exit. The
// transactional layer persists nothing of its own; closing the
// underlying KVS remains the caller's responsibility.
func (f *TransactionalKVS) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	f.stopBackground()
	f.backgroundDone.Wait()
}

// RegisterThread allocates a thread ordinal and registers it with the
// underlying KVS. Call once per goroutine intended to run transactions
// concurrently, and pass the returned handle to Begin.
func (f *TransactionalKVS) RegisterThread() (*ThreadHandle, error) {
	h, err := f.threadRegistry.Register()
	if err != nil {
		return nil, err
	}
	f.kvs.RegisterThread()
	return h, nil
}

// DeregisterThread releases h and deregisters it from the underlying KVS.
func (f *TransactionalKVS) DeregisterThread(h *ThreadHandle) {
	f.kvs.DeregisterThread()
	f.threadRegistry.Deregister(h)
}

// SetIsolationLevel validates and stores the isolation level. Only
// IsolationSerializable is implemented.
func (f *TransactionalKVS) SetIsolationLevel(level IsolationLevel) error {
	if level != IsolationSerializable {
		return ErrInvalidIsolationLevel
	}
	f.cfg.isolation = level
	return nil
}

// Begin starts a new transaction bound to thread. ctx governs cancellation
// of in-flight reads/writes; it is not a distributed or durable construct,
// just a way for a caller to give up on a stuck transaction locally.
func (f *TransactionalKVS) Begin(ctx context.Context, thread *ThreadHandle) (*Transaction, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	txCtx, cancel := context.WithCancel(ctx)
	return &Transaction{
		id:     f.nextTxID.Add(1),
		thread: thread,
		ctx:    txCtx,
		cancel: cancel,
	}, nil
}

func (f *TransactionalKVS) checkTxnActive(txn *Transaction) error {
	if !txn.isActive() {
		return ErrTxDone
	}
	if err := txn.ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (f *TransactionalKVS) threadOrdinal(txn *Transaction) int {
	if txn.thread == nil {
		return 0
	}
	return txn.thread.Ordinal()
}

func (f *TransactionalKVS) publish(key []byte, tid int) *TimestampRecord {
	var (
		rec    *TimestampRecord
		wasNew bool
	)
	if f.cfg.keepAllKeys {
		rec, wasNew = f.tscache.InsertOrGetNoRefcount(key, tid)
	} else {
		rec, wasNew = f.tscache.InsertOrGet(key, tid)
	}
	_ = wasNew
	assertf(rec != nil, "timestamp cache returned a nil record for key %q", key)
	return rec
}

// localWrite buffers a write into the transaction's own entry for key,
// folding it into whatever is already buffered there rather than hitting
// the KVS immediately.
func (f *TransactionalKVS) localWrite(txn *Transaction, key []byte, msg Message) error {
	entry, err := txn.findOrCreateEntry(f.dataConfig, key, false)
	if err != nil {
		return err
	}

	if entry.Msg == nil {
		m := msg
		entry.Msg = &m
		return nil
	}

	if msg.Class.IsDefinitive() {
		m := msg
		entry.Msg = &m
		return nil
	}

	assertf(entry.Msg.Class != MessageDelete,
		"buffered DELETE for key %q followed by non-definitive UPDATE", key)

	merged, err := f.dataConfig.MergeTuples(key, *entry.Msg, msg)
	if err != nil {
		return err
	}
	entry.Msg = &merged
	return nil
}

// Insert buffers an INSERT message for key.
func (f *TransactionalKVS) Insert(txn *Transaction, key, value []byte) error {
	if err := f.checkTxnActive(txn); err != nil {
		return err
	}
	return f.localWrite(txn, key, Message{Class: MessageInsert, Payload: value})
}

// Update buffers an UPDATE message (delta) for key.
func (f *TransactionalKVS) Update(txn *Transaction, key, delta []byte) error {
	if err := f.checkTxnActive(txn); err != nil {
		return err
	}
	return f.localWrite(txn, key, Message{Class: MessageUpdate, Payload: delta})
}

// Delete buffers a DELETE message for key.
func (f *TransactionalKVS) Delete(txn *Transaction, key []byte) error {
	if err := f.checkTxnActive(txn); err != nil {
		return err
	}
	return f.localWrite(txn, key, Message{Class: MessageDelete})
}

// readOwnWrite satisfies a read from a transaction's own buffered write.
//
// For INSERT/DELETE this is exact. For UPDATE we look up the committed
// base value and run it through MergeTuplesFinal, rather than returning
// the raw buffered delta, so upsert-style reads observe the same value a
// fresh transaction would see after this one commits.
func (f *TransactionalKVS) readOwnWrite(entry *RWEntry, key []byte) ([]byte, bool, error) {
	switch entry.Msg.Class {
	case MessageInsert:
		return append([]byte(nil), entry.Msg.Payload...), true, nil
	case MessageDelete:
		return nil, false, nil
	case MessageUpdate:
		base, found, err := f.kvs.Lookup(key)
		if err != nil {
			return nil, false, err
		}
		if !found {
			base = nil
		}
		merged, err := f.dataConfig.MergeTuplesFinal(key, base, *entry.Msg)
		if err != nil {
			return nil, false, err
		}
		return merged, true, nil
	default:
		assertf(false, "unknown message class %v for key %q", entry.Msg.Class, key)
		return nil, false, nil
	}
}

// Lookup resolves key against the transaction's own buffered write first,
// then the underlying KVS, retrying the seqlock snapshot of the tuple's
// timestamp record until it can confirm the value it read matches what
// that snapshot described.
func (f *TransactionalKVS) Lookup(txn *Transaction, key []byte) ([]byte, bool, error) {
	if err := f.checkTxnActive(txn); err != nil {
		return nil, false, err
	}

	entry, err := txn.findOrCreateEntry(f.dataConfig, key, true)
	if err != nil {
		return nil, false, err
	}

	if entry.TupleTS == nil {
		entry.TupleTS = f.publish(entry.Key, f.threadOrdinal(txn))
	}

	var (
		v1wts, v2wts     uint64
		v1delta, v2delta uint32
		value            []byte
		found            bool
		lookupErr        error
	)
	for {
		v1wts, v1delta = entry.TupleTS.Load()

		switch {
		case f.cfg.bypassBackend:
			// Skips the KVS (and the read-own-write path) entirely,
			// standing in for a fixed-cost lookup so benchmarks can
			// isolate the transaction protocol from the backend.
			time.Sleep(100 * time.Nanosecond)
			value, found, lookupErr = nil, false, nil
		case entry.IsWrite():
			value, found, lookupErr = f.readOwnWrite(entry, key)
		default:
			value, found, lookupErr = f.kvs.Lookup(key)
		}

		v2wts, v2delta = entry.TupleTS.Load()
		if v1wts == v2wts && v1delta == v2delta && f.lockTable.QueryState(entry.Key) != LockBusy {
			break
		}
	}

	entry.WTS = v1wts
	entry.RTS = v1wts + uint64(v1delta)
	return value, found, lookupErr
}

// lockWriteSet acquires every write lock in the set, in the caller's
// sorted order, without blocking: if any key is already busy it releases
// everything it had acquired so far, backs off, and retries from the
// start.
func (f *TransactionalKVS) lockWriteSet(writeSet []*RWEntry, txID uint64) {
	for {
		acquired := 0
		busy := false
		for _, w := range writeSet {
			rc := f.lockTable.TryAcquire(w.Key, txID)
			assertf(rc != LockDeadlk, "lock table reported deadlock for key %q", w.Key)
			if rc == LockBusy {
				busy = true
				break
			}
			acquired++
		}
		if !busy {
			return
		}
		for i := 0; i < acquired; i++ {
			f.lockTable.Release(writeSet[i].Key, txID)
		}
		f.metrics.lockRetriesTotal.Inc()
		time.Sleep(f.cfg.lockRetryBackoff)
	}
}

// Commit runs the TicToc/Silo validation protocol: compute a candidate
// commit timestamp from the read set, lock and publish the write set,
// then validate every read against its current timestamp record. It
// returns ErrAborted, not a logged error, when validation finds a lost
// conflict — that outcome is routine under contention, not a fault.
func (f *TransactionalKVS) Commit(txn *Transaction) error {
	if !txn.state.CompareAndSwap(int32(txActive), int32(txCommitted)) {
		return ErrTxDone
	}
	defer f.teardown(txn)

	if err := txn.ctx.Err(); err != nil {
		txn.state.Store(int32(txAborted))
		return err
	}

	readSet, writeSet := partition(txn.entries)
	tid := f.threadOrdinal(txn)

	// Step 2: initial commit_ts.
	var commitTS uint64
	for _, r := range readSet {
		wts := r.WTS
		if f.cfg.silo() {
			wts++
		}
		if wts > commitTS {
			commitTS = wts
		}
	}

	// Step 3: sort writes to make the lock order a total order.
	sort.Slice(writeSet, func(i, j int) bool {
		return f.dataConfig.KeyCompare(writeSet[i].Key, writeSet[j].Key) < 0
	})

	// Step 4: lock all writes.
	f.lockWriteSet(writeSet, txn.id)

	// Step 5: publish writes, fold their rts into commit_ts.
	for _, w := range writeSet {
		if w.TupleTS == nil {
			w.TupleTS = f.publish(w.Key, tid)
		}
		if rts := w.TupleTS.RTS() + 1; rts > commitTS {
			commitTS = rts
		}
	}

	// Step 6: validate every read.
	aborted := false
	for _, r := range readSet {
		needValidate := f.cfg.silo() || r.RTS < commitTS
		if !needValidate {
			continue
		}

		rc := f.lockTable.TryAcquire(r.Key, txn.id)
		assertf(rc != LockDeadlk, "lock table reported deadlock for key %q", r.Key)

		if rc == LockBusy && r.TupleTS.RTS() <= commitTS {
			aborted = true
			f.metrics.readValidationFailures.Inc()
			break
		}

		wts, delta := r.TupleTS.Load()
		if wts != r.WTS {
			if rc == LockOK {
				f.lockTable.Release(r.Key, txn.id)
			}
			aborted = true
			f.metrics.readValidationFailures.Inc()
			break
		}

		if !f.cfg.silo() && wts+uint64(delta) < commitTS {
			r.TupleTS.ExtendRTS(commitTS)
			f.metrics.rtsExtensionsTotal.Inc()
		}

		if rc == LockOK {
			f.lockTable.Release(r.Key, txn.id)
		}
	}

	if aborted {
		for _, w := range writeSet {
			f.lockTable.Release(w.Key, txn.id)
		}
		txn.state.Store(int32(txAborted))
		f.metrics.abortsTotal.Inc()
		f.cfg.logger.Debug().Uint64("txID", txn.id).Uint64("commitTS", commitTS).Msg("transaction aborted")
		return ErrAborted
	}

	// Step 8: apply writes and bump their timestamp records.
	for _, w := range writeSet {
		if f.cfg.bypassBackend {
			time.Sleep(100 * time.Nanosecond)
		} else {
			var err error
			switch w.Msg.Class {
			case MessageInsert:
				err = f.kvs.Insert(w.Key, w.Msg.Payload)
			case MessageUpdate:
				err = f.kvs.Update(w.Key, w.Msg.Payload)
			case MessageDelete:
				err = f.kvs.Delete(w.Key)
			default:
				assertf(false, "unknown message class %v for key %q", w.Msg.Class, w.Key)
			}
			// A KVS failure here indicates backend corruption, not a
			// recoverable condition: validation already succeeded, so
			// this write was guaranteed to be applicable.
			assertf(err == nil, "kvs write failed for key %q after commit validation: %v", w.Key, err)
		}

		w.TupleTS.Store(commitTS, 0)
		f.lockTable.Release(w.Key, txn.id)
	}

	f.metrics.commitsTotal.Inc()
	f.cfg.logger.Debug().Uint64("txID", txn.id).Uint64("commitTS", commitTS).
		Int("writtenKeys", len(writeSet)).Msg("transaction committed")
	return nil
}

// Abort discards a transaction's buffered writes. Idempotent: calling it
// again, or after Commit, is a no-op.
func (f *TransactionalKVS) Abort(txn *Transaction) error {
	if !txn.state.CompareAndSwap(int32(txActive), int32(txAborted)) {
		return nil
	}
	f.teardown(txn)
	return nil
}

// teardown releases a finished transaction's timestamp-cache refcounts and
// cancels its context.
func (f *TransactionalKVS) teardown(txn *Transaction) {
	txn.cancel()
	if f.cfg.keepAllKeys {
		return
	}
	tid := f.threadOrdinal(txn)
	for _, e := range txn.entries {
		if e.TupleTS != nil {
			f.tscache.GetAndRemove(e.Key, tid)
		}
	}
}
