package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type OracleMetrics struct {
	fetchFailures *prometheus.CounterVec
	degradedReads prometheus.Counter
	trackedAssets prometheus.Gauge
}

var (
	oracleOnce     sync.Once
	oracleRegistry *OracleMetrics
)

func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "oracle_fetch_failures_total",
				Help: "Failed quote fetches by source.",
			}, []string{"source"}),
			degradedReads: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "oracle_degraded_reads_total",
				Help: "Valuations served from a stale cache or a fallback.",
			}),
			trackedAssets: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "oracle_tracked_assets",
				Help: "Assets with an active refresh subscription.",
			}),
		}
		prometheus.MustRegister(
			oracleRegistry.fetchFailures,
			oracleRegistry.degradedReads,
			oracleRegistry.trackedAssets,
		)
	})
	return oracleRegistry
}

func (m *OracleMetrics) ObserveFetchFailure(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.fetchFailures.WithLabelValues(source).Inc()
}

func (m *OracleMetrics) ObserveDegradedRead() {
	if m != nil {
		m.degradedReads.Inc()
	}
}

func (m *OracleMetrics) SetTrackedAssets(count int) {
	if m != nil {
		m.trackedAssets.Set(float64(count))
	}
}
