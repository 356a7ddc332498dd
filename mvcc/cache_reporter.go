package mvcc

import (
	"context"
	"strings"
	"time"
)

// runCacheReporter periodically logs a PrintState summary of the timestamp
// cache, following the usual ticker-goroutine pattern for a background
// reporter. A periodic compaction pass would have nothing to do here:
// TimestampCache.GetAndRemove already reclaims entries synchronously when
// a refcount hits zero, so this goroutine only reports, it never sweeps.
func (f *TransactionalKVS) runCacheReporter(ctx context.Context, interval time.Duration) {
	defer f.backgroundDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var sb strings.Builder
			f.tscache.PrintState(&sb)
			f.cfg.logger.Debug().Str("state", sb.String()).Msg("timestamp cache report")
		}
	}
}
