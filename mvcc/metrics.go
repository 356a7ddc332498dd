package mvcc

import "github.com/prometheus/client_golang/prometheus"

// metrics are the façade's commit-path counters, grounded on the
// Prometheus vocabulary cuemby-warren's pkg/metrics/metrics.go uses for its
// own counters/gauges: plain prometheus.Counter values registered against
// whatever Registerer the caller configured.
type metrics struct {
	commitsTotal            prometheus.Counter
	abortsTotal             prometheus.Counter
	readValidationFailures  prometheus.Counter
	rtsExtensionsTotal      prometheus.Counter
	lockRetriesTotal        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tictockv_commits_total",
			Help: "Total number of transactions that committed.",
		}),
		abortsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tictockv_aborts_total",
			Help: "Total number of transactions that aborted during commit validation.",
		}),
		readValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tictockv_read_validation_failures_total",
			Help: "Total number of read-set entries that failed wts revalidation at commit.",
		}),
		rtsExtensionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tictockv_rts_extensions_total",
			Help: "Total number of timestamp records whose rts was extended during commit validation.",
		}),
		lockRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tictockv_lock_retries_total",
			Help: "Total number of write-lock acquisition attempts that hit LockBusy and retried.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.commitsTotal, m.abortsTotal, m.readValidationFailures,
			m.rtsExtensionsTotal, m.lockRetriesTotal,
		} {
			// Ignore AlreadyRegisteredError: a second façade instance
			// sharing the default registry just keeps counting on its
			// own unregistered collector instead of failing construction.
			_ = reg.Register(c)
		}
	}
	return m
}
