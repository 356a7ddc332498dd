package mvcc_test

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tictockv/kvs/memkvs"
	"tictockv/mvcc"
)

// counterConfig is a minimal DataConfig for tests: keys compare
// lexicographically, and an UPDATE's single-byte payload is a delta added
// to whatever counter is currently stored.
type counterConfig struct{}

func (counterConfig) KeyCompare(a, b []byte) int { return bytes.Compare(a, b) }

func (counterConfig) MergeTuples(_ []byte, older, newer mvcc.Message) (mvcc.Message, error) {
	return mvcc.Message{Class: older.Class, Payload: []byte{older.Payload[0] + newer.Payload[0]}}, nil
}

func (counterConfig) MergeTuplesFinal(_ []byte, base []byte, acc mvcc.Message) ([]byte, error) {
	var b byte
	if len(base) > 0 {
		b = base[0]
	}
	return []byte{b + acc.Payload[0]}, nil
}

func newTestFacade(t *testing.T) (*mvcc.TransactionalKVS, *mvcc.ThreadHandle) {
	t.Helper()
	store := memkvs.New(counterConfig{})
	f, err := mvcc.Create(store, counterConfig{},
		mvcc.WithReportInterval(time.Hour),
		mvcc.WithStaleLockThreshold(time.Hour),
		mvcc.WithLockRetryBackoff(time.Microsecond),
	)
	require.NoError(t, err)
	t.Cleanup(f.Close)

	thread, err := f.RegisterThread()
	require.NoError(t, err)
	t.Cleanup(func() { f.DeregisterThread(thread) })

	return f, thread
}

func TestInsertCommitThenLookup(t *testing.T) {
	f, thread := newTestFacade(t)
	ctx := context.Background()

	txn, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(txn, []byte("K"), []byte{10}))
	require.NoError(t, f.Commit(txn))

	txn2, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	v, found, err := f.Lookup(txn2, []byte("K"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{10}, v)
	require.NoError(t, f.Commit(txn2))
}

func TestReadYourOwnWrites(t *testing.T) {
	f, thread := newTestFacade(t)
	ctx := context.Background()

	txn, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(txn, []byte("K"), []byte{5}))

	v, found, err := f.Lookup(txn, []byte("K"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{5}, v)

	require.NoError(t, f.Commit(txn))
}

func TestReadYourOwnUpdateMergesAgainstBase(t *testing.T) {
	f, thread := newTestFacade(t)
	ctx := context.Background()

	txn, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(txn, []byte("K"), []byte{5}))
	require.NoError(t, f.Commit(txn))

	txn2, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Update(txn2, []byte("K"), []byte{3}))

	v, found, err := f.Lookup(txn2, []byte("K"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, byte(8), v[0], "read-own-write on a buffered UPDATE should merge against the committed base")

	require.NoError(t, f.Commit(txn2))

	txn3, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	v, _, err = f.Lookup(txn3, []byte("K"))
	require.NoError(t, err)
	assert.Equal(t, byte(8), v[0])
	require.NoError(t, f.Commit(txn3))
}

func TestDisjointReadWriteBothCommit(t *testing.T) {
	f, thread := newTestFacade(t)
	ctx := context.Background()

	setup, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(setup, []byte("A"), []byte{1}))
	require.NoError(t, f.Insert(setup, []byte("B"), []byte{2}))
	require.NoError(t, f.Commit(setup))

	reader, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	_, _, err = f.Lookup(reader, []byte("A"))
	require.NoError(t, err)

	writer, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Update(writer, []byte("B"), []byte{5}))
	require.NoError(t, f.Commit(writer))

	require.NoError(t, f.Commit(reader), "a reader of A should not be affected by a concurrent writer of B")
}

// TestWriteWriteConflictAbortsStaleReader exercises a read-after-write
// conflict: reader reads K, writer commits a fresh value for K, and the
// reader's attempt to also write K must abort at commit because its
// recorded wts is now stale.
func TestWriteWriteConflictAbortsStaleReader(t *testing.T) {
	f, thread := newTestFacade(t)
	ctx := context.Background()

	setup, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(setup, []byte("K"), []byte{0}))
	require.NoError(t, f.Commit(setup))

	reader, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	_, _, err = f.Lookup(reader, []byte("K"))
	require.NoError(t, err)
	require.NoError(t, f.Update(reader, []byte("K"), []byte{1}))

	writer, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Update(writer, []byte("K"), []byte{9}))
	require.NoError(t, f.Commit(writer))

	err = f.Commit(reader)
	require.Error(t, err)
	assert.ErrorIs(t, err, mvcc.ErrAborted)
}

func TestPureBlindWritesToSameKeyBothCommit(t *testing.T) {
	// Neither transaction ever reads K, so neither has a read-set entry
	// to invalidate: TicToc's validation only covers reads, so two blind
	// writers racing the same key both succeed, with whichever locks
	// last determining the final committed value.
	f, thread := newTestFacade(t)
	ctx := context.Background()

	t1, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(t1, []byte("K"), []byte{1}))

	t2, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(t2, []byte("K"), []byte{2}))

	require.NoError(t, f.Commit(t1))
	require.NoError(t, f.Commit(t2))
}

func TestEmptyTransactionCommits(t *testing.T) {
	f, thread := newTestFacade(t)
	txn, err := f.Begin(context.Background(), thread)
	require.NoError(t, err)
	assert.NoError(t, f.Commit(txn))
}

func TestAbortIsIdempotentAndReleasesLocks(t *testing.T) {
	f, thread := newTestFacade(t)
	ctx := context.Background()

	txn, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(txn, []byte("K"), []byte{1}))
	require.NoError(t, f.Abort(txn))
	require.NoError(t, f.Abort(txn), "Abort must be idempotent")

	assert.ErrorIs(t, f.Commit(txn), mvcc.ErrTxDone)

	// A fresh transaction must be able to take the same key's lock
	// immediately: the aborted transaction must not have left it held.
	txn2, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(txn2, []byte("K"), []byte{2}))
	require.NoError(t, f.Commit(txn2))
}

func TestSiloAlwaysRevalidatesReads(t *testing.T) {
	store := memkvs.New(counterConfig{})
	f, err := mvcc.Create(store, counterConfig{},
		mvcc.WithProtocolVariant(mvcc.Silo),
		mvcc.WithLockRetryBackoff(time.Microsecond),
	)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	thread, err := f.RegisterThread()
	require.NoError(t, err)
	t.Cleanup(func() { f.DeregisterThread(thread) })

	ctx := context.Background()
	setup, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(setup, []byte("K"), []byte{1}))
	require.NoError(t, f.Commit(setup))

	txn, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	_, _, err = f.Lookup(txn, []byte("K"))
	require.NoError(t, err)
	require.NoError(t, f.Commit(txn), "an unchanged read should still validate cleanly under Silo")
}

func TestRWSetSizeLimitEnforced(t *testing.T) {
	f, thread := newTestFacade(t)
	txn, err := f.Begin(context.Background(), thread)
	require.NoError(t, err)

	for i := 0; i < mvcc.RWSetSizeLimit; i++ {
		key := []byte{byte(i)}
		require.NoError(t, f.Insert(txn, key, []byte{1}))
	}
	err = f.Insert(txn, []byte{byte(mvcc.RWSetSizeLimit)}, []byte{1})
	assert.ErrorIs(t, err, mvcc.ErrRWSetFull)
}

func TestNoLockLeftHeldAfterHighConcurrencyStress(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	const numGoroutines = 10
	const txnsPerGoroutine = 100
	keys := [][]byte{[]byte("A"), []byte("B"), []byte("C"), []byte("D"), []byte("E")}

	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			thread, err := f.RegisterThread()
			if err != nil {
				return
			}
			defer f.DeregisterThread(thread)

			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < txnsPerGoroutine; i++ {
				txn, err := f.Begin(ctx, thread)
				if err != nil {
					continue
				}
				key := keys[rng.Intn(len(keys))]
				if _, _, err := f.Lookup(txn, key); err != nil {
					_ = f.Abort(txn)
					continue
				}
				if err := f.Update(txn, key, []byte{1}); err != nil {
					_ = f.Abort(txn)
					continue
				}
				_ = f.Commit(txn) // conflicts are expected and fine here
			}
		}(int64(g))
	}
	wg.Wait()

	// If the stress loop above left any key's row lock orphaned, this
	// final pass of one transaction per key would hang retrying
	// lockWriteSet forever instead of completing.
	thread, err := f.RegisterThread()
	require.NoError(t, err)
	defer f.DeregisterThread(thread)

	for _, k := range keys {
		txn, err := f.Begin(ctx, thread)
		require.NoError(t, err)
		require.NoError(t, f.Update(txn, k, []byte{1}))
		require.NoError(t, f.Commit(txn), "no orphaned lock should block a fresh commit on key %q", k)
	}
}

func TestTransactionContextCancellation(t *testing.T) {
	f, thread := newTestFacade(t)
	ctx, cancel := context.WithCancel(context.Background())

	txn, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(txn, []byte("K"), []byte{1}))

	cancel()

	err = f.Commit(txn)
	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimestampRecordSeqlockRoundTrip(t *testing.T) {
	var rec mvcc.TimestampRecord
	rec.Store(100, 5)
	wts, delta := rec.Load()
	assert.Equal(t, uint64(100), wts)
	assert.Equal(t, uint32(5), delta)
	assert.Equal(t, uint64(105), rec.RTS())
}

func TestTimestampRecordExtendRTSShiftsWtsOnOverflow(t *testing.T) {
	var rec mvcc.TimestampRecord
	rec.Store(0, 0)
	rec.ExtendRTS(uint64(^uint32(0)) + 100)
	wts, delta := rec.Load()
	assert.Greater(t, wts, uint64(0), "wts should absorb the overflowed high bits")
	assert.Equal(t, wts+uint64(delta), uint64(^uint32(0))+100)
}

func TestTimestampCacheRefcountBalance(t *testing.T) {
	c := mvcc.NewTimestampCache(10)

	rec1, wasNew := c.InsertOrGet([]byte("x"), 0)
	require.True(t, wasNew)
	rec2, wasNew := c.InsertOrGet([]byte("x"), 1)
	require.False(t, wasNew)
	assert.Same(t, rec1, rec2, "matched inserts for the same key must return the same record pointer")

	assert.True(t, c.GetAndRemove([]byte("x"), 0))
	// Refcount was 2 (two InsertOrGet calls); one GetAndRemove should not
	// have evicted the entry yet.
	rec3, wasNew := c.InsertOrGet([]byte("x"), 0)
	assert.False(t, wasNew)
	assert.Same(t, rec1, rec3)

	assert.True(t, c.GetAndRemove([]byte("x"), 0))
	assert.True(t, c.GetAndRemove([]byte("x"), 0))
	assert.False(t, c.GetAndRemove([]byte("x"), 0), "key should be gone once refcount reaches zero")
}

func TestLockTableBusyThenRelease(t *testing.T) {
	lt := mvcc.NewLockTable()
	key := []byte("K")

	assert.Equal(t, mvcc.LockOK, lt.TryAcquire(key, 1))
	assert.Equal(t, mvcc.LockBusy, lt.TryAcquire(key, 2))
	assert.Equal(t, mvcc.LockOK, lt.TryAcquire(key, 1), "the same owner re-acquiring its own lock is not busy")

	lt.Release(key, 1)
	assert.Equal(t, mvcc.LockOK, lt.TryAcquire(key, 2))
}

func TestLockTableAuditStale(t *testing.T) {
	lt := mvcc.NewLockTable()
	key := []byte("K")
	require.Equal(t, mvcc.LockOK, lt.TryAcquire(key, 1))

	stale := lt.AuditStale(0)
	require.Len(t, stale, 1)
	assert.Equal(t, uint64(1), stale[0].OwnerTx)

	lt.Release(key, 1)
	assert.Empty(t, lt.AuditStale(0))
}

func TestThreadRegistryExhaustion(t *testing.T) {
	reg := mvcc.NewThreadRegistry()
	handles := make([]*mvcc.ThreadHandle, 0, mvcc.MaxThreads)
	for i := 0; i < mvcc.MaxThreads; i++ {
		h, err := reg.Register()
		require.NoError(t, err)
		handles = append(handles, h)
	}

	_, err := reg.Register()
	assert.Error(t, err)

	reg.Deregister(handles[0])
	h, err := reg.Register()
	require.NoError(t, err)
	assert.Equal(t, 0, h.Ordinal())
}

func TestKeepAllKeysNeverEvicts(t *testing.T) {
	store := memkvs.New(counterConfig{})
	f, err := mvcc.Create(store, counterConfig{}, mvcc.WithKeepAllKeys(true))
	require.NoError(t, err)
	t.Cleanup(f.Close)
	thread, err := f.RegisterThread()
	require.NoError(t, err)

	ctx := context.Background()
	txn, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	require.NoError(t, f.Insert(txn, []byte("K"), []byte{1}))
	require.NoError(t, f.Commit(txn))

	// With KeepAllKeys set, teardown skips GetAndRemove entirely
	// (InsertOrGetNoRefcount never installs a refcount to balance), so
	// repeated transactions against the same key must keep working
	// without a premature eviction corrupting the timestamp record.
	for i := byte(2); i < 10; i++ {
		txn, err := f.Begin(ctx, thread)
		require.NoError(t, err)
		require.NoError(t, f.Update(txn, []byte("K"), []byte{1}))
		require.NoError(t, f.Commit(txn))
	}

	final, err := f.Begin(ctx, thread)
	require.NoError(t, err)
	v, found, err := f.Lookup(final, []byte("K"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, byte(9), v[0])
	require.NoError(t, f.Commit(final))
}

func TestErrTxDoneOnDoubleCommit(t *testing.T) {
	f, thread := newTestFacade(t)
	txn, err := f.Begin(context.Background(), thread)
	require.NoError(t, err)
	require.NoError(t, f.Commit(txn))
	assert.ErrorIs(t, f.Commit(txn), mvcc.ErrTxDone)
}

func TestSetIsolationLevelRejectsInvalid(t *testing.T) {
	f, _ := newTestFacade(t)
	assert.ErrorIs(t, f.SetIsolationLevel(mvcc.IsolationInvalid), mvcc.ErrInvalidIsolationLevel)
	assert.NoError(t, f.SetIsolationLevel(mvcc.IsolationSerializable))
}
