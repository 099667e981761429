package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusTelemetry implements Telemetry on prometheus collectors.
type PrometheusTelemetry struct {
	fanoutTruncations *prometheus.CounterVec
	seenStatesCap     *prometheus.CounterVec
	syntheticInjected *prometheus.CounterVec
	syntheticSupers   *prometheus.CounterVec
	timeToSupersede   *prometheus.HistogramVec
	syntheticActive   *prometheus.GaugeVec
}

// NewPrometheusTelemetry registers the transition metrics on the given
// registerer (pass prometheus.DefaultRegisterer in main).
func NewPrometheusTelemetry(reg prometheus.Registerer) *PrometheusTelemetry {
	t := &PrometheusTelemetry{
		fanoutTruncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transition_fanout_truncations_total",
			Help: "Counter fan-outs truncated by the maxFromStates guardrail",
		}, []string{"object_type", "counter"}),
		seenStatesCap: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transition_seen_states_cap_exceeded_total",
			Help: "State additions dropped by the maxSeenStates guardrail",
		}, []string{"object_type"}),
		syntheticInjected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transition_synthetic_injected_total",
			Help: "Synthetic terminal events injected by the inference sweep",
		}, []string{"object_type", "rule"}),
		syntheticSupers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transition_synthetic_superseded_total",
			Help: "Synthetic terminals superseded by real terminal events",
		}, []string{"object_type", "rule"}),
		timeToSupersede: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transition_synthetic_time_to_supersede_seconds",
			Help:    "Time between the synthetic timestamp and the superseding real event",
			Buckets: prometheus.ExponentialBuckets(60, 4, 10),
		}, []string{"object_type", "rule"}),
		syntheticActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transition_synthetic_active",
			Help: "Synthetic terminal records currently ACTIVE",
		}, []string{"object_type"}),
	}
	reg.MustRegister(
		t.fanoutTruncations,
		t.seenStatesCap,
		t.syntheticInjected,
		t.syntheticSupers,
		t.timeToSupersede,
		t.syntheticActive,
	)
	return t
}

func (t *PrometheusTelemetry) RecordFanoutTruncation(objectType, counterName string, originalSize, truncatedSize int) {
	t.fanoutTruncations.WithLabelValues(objectType, counterName).Inc()
}

func (t *PrometheusTelemetry) RecordSeenStatesCapExceeded(objectType string) {
	t.seenStatesCap.WithLabelValues(objectType).Inc()
}

func (t *PrometheusTelemetry) RecordSyntheticInjection(objectType, ruleID string) {
	t.syntheticInjected.WithLabelValues(objectType, ruleID).Inc()
}

func (t *PrometheusTelemetry) RecordSyntheticSuperseded(objectType, ruleID string, timeToSupersede time.Duration) {
	t.syntheticSupers.WithLabelValues(objectType, ruleID).Inc()
	t.timeToSupersede.WithLabelValues(objectType, ruleID).Observe(timeToSupersede.Seconds())
}

func (t *PrometheusTelemetry) AdjustSyntheticActive(objectType string, delta int) {
	t.syntheticActive.WithLabelValues(objectType).Add(float64(delta))
}
