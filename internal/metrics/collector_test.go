package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// gather returns the current value of the first sample matching name and
// labels, or (0, false) if no such series has been observed yet.
func gather(t *testing.T, metricName string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != metricName {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.Counter.GetValue(), true
			case m.Gauge != nil:
				return m.Gauge.GetValue(), true
			}
		}
	}
	return 0, false
}

func TestRecordSessionTransitionUpdatesGauges(t *testing.T) {
	c := NewCollector("metricstest_transition", zap.NewNop())
	c.RecordSessionTransition("", "connected")
	c.RecordSessionTransition("connected", "disconnected")

	v, ok := gather(t, "metricstest_transition_sessions_by_status", map[string]string{"status": "disconnected"})
	if !ok || v != 1 {
		t.Fatalf("expected disconnected gauge = 1, got %v (found=%v)", v, ok)
	}
	v, ok = gather(t, "metricstest_transition_sessions_by_status", map[string]string{"status": "connected"})
	if !ok || v != 0 {
		t.Fatalf("expected connected gauge decremented back to 0, got %v (found=%v)", v, ok)
	}
}

func TestRecordSendIncrementsCounter(t *testing.T) {
	c := NewCollector("metricstest_sends", zap.NewNop())
	c.RecordSend("p1", "text", "success", 0)
	c.RecordSend("p1", "text", "success", 0)

	v, ok := gather(t, "metricstest_sends_sends_total", map[string]string{"provider": "p1", "kind": "text", "outcome": "success"})
	if !ok || v != 2 {
		t.Fatalf("expected 2 successful sends recorded, got %v (found=%v)", v, ok)
	}
}

func TestSetProviderHealthyTogglesGauge(t *testing.T) {
	c := NewCollector("metricstest_health", zap.NewNop())
	c.SetProviderHealthy("tenant-a", "p1", true)
	v, ok := gather(t, "metricstest_health_provider_healthy", map[string]string{"tenant": "tenant-a", "provider": "p1"})
	if !ok || v != 1 {
		t.Fatalf("expected healthy gauge = 1, got %v (found=%v)", v, ok)
	}

	c.SetProviderHealthy("tenant-a", "p1", false)
	v, ok = gather(t, "metricstest_health_provider_healthy", map[string]string{"tenant": "tenant-a", "provider": "p1"})
	if !ok || v != 0 {
		t.Fatalf("expected healthy gauge = 0 after toggling unhealthy, got %v (found=%v)", v, ok)
	}
}

func TestRecordQueueEvictionIncrementsByReason(t *testing.T) {
	c := NewCollector("metricstest_eviction", zap.NewNop())
	c.RecordQueueEviction("ttl")
	c.RecordQueueEviction("ttl")
	c.RecordQueueEviction("attempts")

	v, ok := gather(t, "metricstest_eviction_inbound_queue_evicted_total", map[string]string{"reason": "ttl"})
	if !ok || v != 2 {
		t.Fatalf("expected 2 ttl evictions, got %v (found=%v)", v, ok)
	}
}
