package mvcc

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ProtocolVariant selects the commit validation protocol at runtime:
// TicToc (disk or memory flavor) or Silo.
type ProtocolVariant uint8

const (
	// TicTocMemory runs the full TicToc protocol: commit_ts is the max
	// of observed read wts (not wts+1), and a read only needs
	// revalidation when rts < commit_ts, with successful revalidation
	// extending rts in place.
	TicTocMemory ProtocolVariant = iota

	// TicTocDisk is the same validation protocol as TicTocMemory; a
	// disk-backed KVS would lay messages out on storage differently, but
	// this in-memory transactional layer does not model that distinction.
	// Kept as a distinct named variant for interface parity.
	TicTocDisk

	// Silo treats every read as needing revalidation, uses wts+1 (not
	// wts) when folding a read into commit_ts, and never extends rts.
	Silo
)

// IsolationLevel names the isolation level a TransactionalKVS runs under.
// SERIALIZABLE is the only level this layer implements; the field exists
// so SetIsolationLevel has something to validate against.
type IsolationLevel uint8

const (
	IsolationInvalid IsolationLevel = iota
	IsolationSerializable
)

// config holds the settings assembled by Option functions, using the usual
// functional-option pattern so new settings never break existing callers.
type config struct {
	protocol    ProtocolVariant
	keepAllKeys bool
	tsCacheLogSlots int
	isolation   IsolationLevel
	maxThreads  int

	lockRetryBackoff   time.Duration
	reportInterval     time.Duration
	staleLockThreshold time.Duration

	// bypassBackend makes writes sleep instead of touching the KVS, for
	// benchmark isolation of the transaction protocol from the backend.
	// Never set by default.
	bypassBackend bool

	logger   zerolog.Logger
	registry prometheus.Registerer
}

func defaultConfig() config {
	return config{
		protocol:           TicTocMemory,
		keepAllKeys:        false,
		tsCacheLogSlots:    20,
		isolation:          IsolationSerializable,
		maxThreads:         MaxThreads,
		lockRetryBackoff:   time.Microsecond, // "1us is the value mentioned in the paper"
		reportInterval:     5 * time.Second,
		staleLockThreshold: 2 * time.Second,
		bypassBackend:      false,
		logger:             zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger().Level(zerolog.WarnLevel),
		registry:           prometheus.DefaultRegisterer,
	}
}

func (c config) silo() bool {
	return c.protocol == Silo
}

// Option configures a TransactionalKVS at Create/Open time.
type Option func(*config)

// WithProtocolVariant selects TicToc (disk or memory) vs Silo validation.
func WithProtocolVariant(v ProtocolVariant) Option {
	return func(c *config) { c.protocol = v }
}

// WithKeepAllKeys enables the retain-forever timestamp cache policy:
// entries are never evicted, even once their refcount would otherwise
// reach zero.
func WithKeepAllKeys(keep bool) Option {
	return func(c *config) { c.keepAllKeys = keep }
}

// WithTSCacheLogSlots sets the capacity hint (log2 of slot count), purely
// informational since this implementation grows its shard maps on demand.
func WithTSCacheLogSlots(logSlots int) Option {
	return func(c *config) { c.tsCacheLogSlots = logSlots }
}

// WithIsolationLevel sets the isolation level. Only IsolationSerializable
// is implemented; anything else is rejected by SetIsolationLevel, not here.
func WithIsolationLevel(level IsolationLevel) Option {
	return func(c *config) { c.isolation = level }
}

// WithMaxThreads overrides the thread-ordinal pool size (default
// MaxThreads = 64).
func WithMaxThreads(n int) Option {
	return func(c *config) { c.maxThreads = n }
}

// WithLockRetryBackoff overrides the sleep between failed write-lock
// acquisition attempts in the commit loop.
func WithLockRetryBackoff(d time.Duration) Option {
	return func(c *config) { c.lockRetryBackoff = d }
}

// WithReportInterval sets how often the background cache reporter logs a
// PrintState summary.
func WithReportInterval(d time.Duration) Option {
	return func(c *config) { c.reportInterval = d }
}

// WithStaleLockThreshold sets how long a lock may be held before the
// background lock auditor logs a warning.
func WithStaleLockThreshold(d time.Duration) Option {
	return func(c *config) { c.staleLockThreshold = d }
}

// WithBypassBackend turns backend bypass, useful for isolating the
// transaction protocol's cost in benchmarks, into a runtime configuration
// toggle rather than a build flag.
func WithBypassBackend(bypass bool) Option {
	return func(c *config) { c.bypassBackend = bypass }
}

// WithLogger installs a custom zerolog.Logger in place of the default
// console writer.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetricsRegisterer installs a custom prometheus.Registerer for the
// façade's counters (mvcc/metrics.go). Defaults to
// prometheus.DefaultRegisterer.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(c *config) { c.registry = r }
}
