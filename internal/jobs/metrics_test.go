package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	assert.NoError(t, m.Track("cache:invalidate:role").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("cache:invalidate:role").End(boom), boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("cache:invalidate:role", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("cache:invalidate:role")))
}

func TestAddInvalidation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddInvalidation("user", false)
	m.AddInvalidation("user", true)
	m.AddInvalidation("", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidations.WithLabelValues("user", "partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidations.WithLabelValues("user", "complete")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddInvalidation("user", false)
	assert.NoError(t, m.Track("job").End(nil))
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics(reg)
	second := NewMetrics(reg)
	first.AddInvalidation("pattern", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(second.invalidations.WithLabelValues("pattern", "complete")))
}
