package mvcc

import (
	"context"
	"time"
)

// runLockAuditor periodically scans the lock table for entries held past
// staleThreshold and logs a warning for each, following the same
// ticker-goroutine pattern as the cache reporter. TicToc's sort-before-lock
// commit discipline makes a wait-for cycle unreachable, so there is no
// cycle to detect or victim to pick here — this is a liveness diagnostic
// for a committer stuck inside the KVS, not a deadlock resolver. What it
// protects is the invariant that no lock outlives its owning transaction.
func (f *TransactionalKVS) runLockAuditor(ctx context.Context, interval, staleThreshold time.Duration) {
	defer f.backgroundDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stale := range f.lockTable.AuditStale(staleThreshold) {
				f.cfg.logger.Warn().
					Bytes("key", stale.Key).
					Uint64("ownerTxID", stale.OwnerTx).
					Dur("heldFor", stale.HeldFor).
					Msg("lock held past stale threshold")
			}
		}
	}
}
