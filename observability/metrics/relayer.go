package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type RelayerMetrics struct {
	eventsReceived   prometheus.Counter
	eventsDuplicate  prometheus.Counter
	eventsApplied    prometheus.Counter
	eventsDead       prometheus.Counter
	applyRetries     prometheus.Counter
	bufferedEvents   *prometheus.GaugeVec
	haltedSequencers prometheus.Gauge
	applyLatency     prometheus.Histogram
}

var (
	relayerOnce     sync.Once
	relayerRegistry *RelayerMetrics
)

func Relayer() *RelayerMetrics {
	relayerOnce.Do(func() {
		relayerRegistry = &RelayerMetrics{
			eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relayer_events_received_total",
				Help: "Custody events accepted into the journal.",
			}),
			eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relayer_events_duplicate_total",
				Help: "Redelivered custody receipts collapsed onto an existing journal row.",
			}),
			eventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relayer_events_applied_total",
				Help: "Custody events confirmed against the mirror registry.",
			}),
			eventsDead: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relayer_events_deadlettered_total",
				Help: "Custody events parked for operator review after exhausting retries.",
			}),
			applyRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relayer_apply_retries_total",
				Help: "Failed apply attempts that were retried.",
			}),
			bufferedEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "relayer_buffered_events",
				Help: "Out-of-order custody events waiting on a predecessor nonce.",
			}, []string{"asset"}),
			haltedSequencers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "relayer_halted_sequencers",
				Help: "Asset pipelines halted behind a dead-lettered event.",
			}),
			applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "relayer_apply_duration_seconds",
				Help:    "Latency of a single mirror registry apply.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			relayerRegistry.eventsReceived,
			relayerRegistry.eventsDuplicate,
			relayerRegistry.eventsApplied,
			relayerRegistry.eventsDead,
			relayerRegistry.applyRetries,
			relayerRegistry.bufferedEvents,
			relayerRegistry.haltedSequencers,
			relayerRegistry.applyLatency,
		)
	})
	return relayerRegistry
}

func (m *RelayerMetrics) ObserveReceived(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.eventsDuplicate.Inc()
		return
	}
	m.eventsReceived.Inc()
}

func (m *RelayerMetrics) ObserveApplied() {
	if m != nil {
		m.eventsApplied.Inc()
	}
}

func (m *RelayerMetrics) ObserveDeadLettered() {
	if m != nil {
		m.eventsDead.Inc()
	}
}

func (m *RelayerMetrics) ObserveRetry() {
	if m != nil {
		m.applyRetries.Inc()
	}
}

func (m *RelayerMetrics) SetBuffered(originAssetID uint64, count int) {
	if m != nil {
		m.bufferedEvents.WithLabelValues(strconv.FormatUint(originAssetID, 10)).Set(float64(count))
	}
}

func (m *RelayerMetrics) AddHalted(delta int) {
	if m != nil {
		m.haltedSequencers.Add(float64(delta))
	}
}

func (m *RelayerMetrics) ObserveApplyDuration(seconds float64) {
	if m != nil {
		m.applyLatency.Observe(seconds)
	}
}
