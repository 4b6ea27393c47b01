package offlinecache

import (
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "offlinecache"

// metrics holds the engine's Prometheus collectors.
// Collectors are always created so that call sites need no nil checks.
type metrics struct {
	requests       *prometheus.CounterVec // By class and outcome (hit/network/stale/offline)
	revalidations  *prometheus.CounterVec // By result (updated/unchanged/failed/skipped)
	installs       *prometheus.CounterVec // By result (ok/failed)
	storageErrors  prometheus.Counter
	sweptEntries   prometheus.Counter
	reclaimedTiers prometheus.Counter
}

// newMetrics creates the engine metrics and registers them with reg.
// Nothing is registered if reg is nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of GET requests handled, by request class and outcome",
		}, []string{"class", "outcome"}),

		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "revalidations_total",
			Help:      "Total number of background revalidations of static assets, by result",
		}, []string{"result"}),

		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "installs_total",
			Help:      "Total number of generation installs, by result",
		}, []string{"result"}),

		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "storage_errors_total",
			Help:      "Total number of failed cache reads and writes",
		}),

		sweptEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "swept_entries_total",
			Help:      "Total number of expired or unreadable API responses deleted",
		}),

		reclaimedTiers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reclaimed_tiers_total",
			Help:      "Total number of tiers deleted on activation",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.requests,
		m.revalidations,
		m.installs,
		m.storageErrors,
		m.sweptEntries,
		m.reclaimedTiers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observe records the outcome of a single fetch event.
// Forwarded non-GET requests are not counted.
func (m *metrics) observe(class Class, cs cachestatus.CacheStatus, err error) {
	if cs.FwdReason == cachestatus.FwdReasonMethod {
		return
	}
	outcome := "network"
	switch {
	case err != nil || cs.Detail == cachestatus.DetailOffline:
		outcome = "offline"
	case cs.Detail == cachestatus.DetailStale:
		outcome = "stale"
	case cs.Status == cachestatus.StatusHit:
		outcome = "hit"
	}
	m.requests.WithLabelValues(class.String(), outcome).Inc()
}
