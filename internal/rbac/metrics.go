package rbac

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-cms/internal/observability"
)

// ResolverMetrics observes the permission resolver caches.
type ResolverMetrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	fallbacks prometheus.Counter
	failures  *prometheus.CounterVec
}

// NewResolverMetrics builds the collectors and registers them when reg is not
// nil. Collectors already registered by a previous instance are reused.
func NewResolverMetrics(reg prometheus.Registerer) *ResolverMetrics {
	m := &ResolverMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_permission_cache_hits_total",
			Help: "Permission resolver cache hits by kind (role, user).",
		}, []string{"kind"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_permission_cache_misses_total",
			Help: "Permission resolver cache misses by kind (role, user).",
		}, []string{"kind"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_permission_baseline_fallbacks_total",
			Help: "Role permission lookups answered from the hardcoded baseline.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_permission_store_failures_total",
			Help: "Permission store failures by kind (role, user).",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m
	}
	m.hits = observability.RegisterOrReuse(reg, m.hits)
	m.misses = observability.RegisterOrReuse(reg, m.misses)
	m.fallbacks = observability.RegisterOrReuse(reg, m.fallbacks)
	m.failures = observability.RegisterOrReuse(reg, m.failures)
	return m
}

func (m *ResolverMetrics) hit(kind string) {
	if m != nil {
		m.hits.WithLabelValues(kind).Inc()
	}
}

func (m *ResolverMetrics) miss(kind string) {
	if m != nil {
		m.misses.WithLabelValues(kind).Inc()
	}
}

func (m *ResolverMetrics) fallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *ResolverMetrics) failure(kind string) {
	if m != nil {
		m.failures.WithLabelValues(kind).Inc()
	}
}
