package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-cms/internal/observability"
)

const (
	tierLocal  = "local"
	tierShared = "shared"

	reasonExpired     = "expired"
	reasonCapacity    = "capacity"
	reasonRemoved     = "removed"
	reasonInvalidated = "invalidated"
	reasonStale       = "stale"
	reasonCorrupt     = "corrupt"
)

// CacheMetrics observes the session cache tiers.
type CacheMetrics struct {
	hits        *prometheus.CounterVec
	misses      prometheus.Counter
	evictions   *prometheus.CounterVec
	tier2Errors *prometheus.CounterVec
	entries     prometheus.Gauge
}

// NewCacheMetrics builds the collectors, registering them when reg is not nil.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_session_cache_hits_total",
			Help: "Session cache hits by tier.",
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_session_cache_misses_total",
			Help: "Session lookups that missed both tiers.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_session_cache_evictions_total",
			Help: "Session cache evictions by reason.",
		}, []string{"reason"}),
		tier2Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_session_cache_shared_errors_total",
			Help: "Shared cache failures by operation.",
		}, []string{"op"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odyssey_session_cache_entries",
			Help: "Sessions held in the local tier.",
		}),
	}
	if reg == nil {
		return m
	}
	m.hits = observability.RegisterOrReuse(reg, m.hits)
	m.misses = observability.RegisterOrReuse(reg, m.misses)
	m.evictions = observability.RegisterOrReuse(reg, m.evictions)
	m.tier2Errors = observability.RegisterOrReuse(reg, m.tier2Errors)
	m.entries = observability.RegisterOrReuse(reg, m.entries)
	return m
}

func (m *CacheMetrics) hit(tier string) {
	if m != nil {
		m.hits.WithLabelValues(tier).Inc()
	}
}

func (m *CacheMetrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *CacheMetrics) evicted(reason string, n int) {
	if m != nil && n > 0 {
		m.evictions.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *CacheMetrics) tier2Error(op string) {
	if m != nil {
		m.tier2Errors.WithLabelValues(op).Inc()
	}
}

func (m *CacheMetrics) size(n int64) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}
