// Package metrics provides Prometheus collectors for the gateway's own
// operational signals: queue depth, send outcomes, reconnects, and
// provider health. Adapted from the teacher's internal/metrics/collector.go
// (same promauto-registered CounterVec/HistogramVec/GaugeVec shape),
// retargeted from LLM/agent/cache metrics to this domain's own.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus metric the gateway exposes.
type Collector struct {
	sessionTransitionsTotal *prometheus.CounterVec
	sessionsByStatus        *prometheus.GaugeVec
	reconnectAttemptsTotal  *prometheus.CounterVec

	sendsTotal    *prometheus.CounterVec
	sendDuration  *prometheus.HistogramVec
	providerHealthy *prometheus.GaugeVec

	queueDepth        *prometheus.GaugeVec
	queueEvictedTotal *prometheus.CounterVec

	webhookForwardsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers every metric under namespace (e.g. "gateway").
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.sessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session status transitions.",
		},
		[]string{"from_status", "to_status"},
	)

	c.sessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_by_status",
			Help:      "Current number of sessions in each status.",
		},
		[]string{"status"},
	)

	c.reconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts made.",
		},
		[]string{"tenant"},
	)

	c.sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Total number of outbound send attempts.",
		},
		[]string{"provider", "kind", "outcome"}, // outcome: success, failure
	)

	c.sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Outbound send duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "kind"},
	)

	c.providerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "1 if the provider is currently healthy, 0 otherwise.",
		},
		[]string{"tenant", "provider"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_queue_depth",
			Help:      "Current number of entries in the inbound delivery queue.",
		},
		[]string{"tenant"},
	)

	c.queueEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_queue_evicted_total",
			Help:      "Total number of queue entries evicted for exceeding TTL or attempt budget.",
		},
		[]string{"reason"}, // "ttl" or "attempts"
	)

	c.webhookForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_forwards_total",
			Help:      "Total number of webhook forward attempts.",
		},
		[]string{"outcome"}, // "success", "rejected", "queued"
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordSessionTransition records one status transition and updates the
// live status gauge: it decrements fromStatus (skipped when fromStatus is
// empty, i.e. a newly created session) and increments toStatus.
func (c *Collector) RecordSessionTransition(fromStatus, toStatus string) {
	c.sessionTransitionsTotal.WithLabelValues(fromStatus, toStatus).Inc()
	if fromStatus != "" {
		c.sessionsByStatus.WithLabelValues(fromStatus).Dec()
	}
	c.sessionsByStatus.WithLabelValues(toStatus).Inc()
}

// RecordReconnectAttempt increments a tenant's reconnect counter.
func (c *Collector) RecordReconnectAttempt(tenantID string) {
	c.reconnectAttemptsTotal.WithLabelValues(tenantID).Inc()
}

// RecordSend records the outcome and latency of one outbound send.
func (c *Collector) RecordSend(providerID, kind, outcome string, duration time.Duration) {
	c.sendsTotal.WithLabelValues(providerID, kind, outcome).Inc()
	c.sendDuration.WithLabelValues(providerID, kind).Observe(duration.Seconds())
}

// SetProviderHealthy sets the gauge reflecting a provider's live health.
func (c *Collector) SetProviderHealthy(tenantID string, providerID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.providerHealthy.WithLabelValues(tenantID, providerID).Set(v)
}

// SetQueueDepth sets the current queue depth gauge for a tenant.
func (c *Collector) SetQueueDepth(tenantID string, depth int) {
	c.queueDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// RecordQueueEviction increments the eviction counter for a reason.
func (c *Collector) RecordQueueEviction(reason string) {
	c.queueEvictedTotal.WithLabelValues(reason).Inc()
}

// RecordWebhookForward records one webhook forward outcome.
func (c *Collector) RecordWebhookForward(outcome string) {
	c.webhookForwardsTotal.WithLabelValues(outcome).Inc()
}
