package resolver

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for permission checks.
type Metrics struct {
	decisions *prometheus.CounterVec
	cache     *prometheus.CounterVec
	duration  prometheus.Histogram
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the resolver metrics. A nil registerer uses the default
// Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func (m *Metrics) observeCheck(outcome, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, source).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) cacheResult(result string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(result).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boardauthz_checks_total",
		Help: "Permission checks partitioned by outcome and deciding source.",
	}, []string{"outcome", "source"})
	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boardauthz_decision_cache_total",
		Help: "Decision cache lookups partitioned by result.",
	}, []string{"result"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "boardauthz_check_duration_seconds",
		Help:    "Duration in seconds of permission checks.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	registerer.MustRegister(decisions, cache, duration)
	return &Metrics{decisions: decisions, cache: cache, duration: duration}
}
