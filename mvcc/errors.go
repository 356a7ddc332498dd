package mvcc

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed handling on the caller side, wrapped with %w
// so errors.Is keeps working through the façade.
var (
	// ErrAborted is returned by Commit on a TicToc/Silo validation
	// failure. Not a logged error condition — the caller is expected to
	// retry.
	ErrAborted = errors.New("mvcc: transaction aborted (validation failed)")

	// ErrTxDone is returned when Commit, Insert, Update, Delete or
	// Lookup is called on a transaction that has already finished.
	// Abort on a finished transaction is a no-op and returns nil.
	ErrTxDone = errors.New("mvcc: transaction already completed")

	// ErrRWSetFull is returned when a transaction would exceed
	// RWSetSizeLimit distinct keys.
	ErrRWSetFull = errors.New("mvcc: read/write set size limit exceeded")

	// ErrClosed is returned by Begin after Close. Transactions begun
	// before Close are not checked against it.
	ErrClosed = errors.New("mvcc: transactional kvs is closed")

	// ErrInvalidIsolationLevel is returned by SetIsolationLevel for any
	// level other than Serializable, the only level this layer implements.
	ErrInvalidIsolationLevel = errors.New("mvcc: only SERIALIZABLE isolation is implemented")
)

// assertf panics with a formatted message. Protocol violations (a
// buffered DELETE followed by a non-definitive UPDATE, a LockDeadlk
// result, rts < wts, a nil record pointer from the timestamp cache)
// indicate bugs in this layer or its caller, not runtime conditions
// worth a typed error. A panic is the idiomatic way to surface them.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("mvcc: protocol violation: "+format, args...))
	}
}
