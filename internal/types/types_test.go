package types

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyNonFallbackClasses(t *testing.T) {
	for _, class := range []ErrorClass{ErrClassInvalidPhone, ErrClassAuthError, ErrClassTemplateNotSupported} {
		ce := Classify(class, errors.New("x"))
		if ce.Retryable || ce.TriggersFallback {
			t.Fatalf("class %s: expected non-retryable, non-fallback, got retryable=%v fallback=%v", class, ce.Retryable, ce.TriggersFallback)
		}
	}
}

func TestClassifyFallbackEligibleClasses(t *testing.T) {
	for _, class := range []ErrorClass{ErrClassTimeout, ErrClassRateLimit, ErrClassTemplateError, ErrClassServerError} {
		ce := Classify(class, errors.New("x"))
		if !ce.Retryable || !ce.TriggersFallback {
			t.Fatalf("class %s: expected retryable and fallback-eligible, got retryable=%v fallback=%v", class, ce.Retryable, ce.TriggersFallback)
		}
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	ce := Classify(ErrClassOther, cause)
	if !errors.Is(ce, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestQueuedDeliveryExpiredByAttempts(t *testing.T) {
	d := QueuedDelivery{Attempts: MaxAttempts, QueuedAt: time.Now().UnixMilli()}
	if !d.Expired(time.Now()) {
		t.Fatal("expected entry at max attempts to be expired")
	}
}

func TestQueuedDeliveryExpiredByTTL(t *testing.T) {
	d := QueuedDelivery{Attempts: 0, QueuedAt: time.Now().Add(-(QueueTTL + time.Minute)).UnixMilli()}
	if !d.Expired(time.Now()) {
		t.Fatal("expected entry past TTL to be expired")
	}
}

func TestQueuedDeliveryNotExpired(t *testing.T) {
	d := QueuedDelivery{Attempts: 1, QueuedAt: time.Now().UnixMilli()}
	if d.Expired(time.Now()) {
		t.Fatal("expected fresh, low-attempt entry to not be expired")
	}
}

func TestHealthMetricsIsHealthyWithNoObservations(t *testing.T) {
	h := HealthMetrics{}
	if !h.IsHealthy() {
		t.Fatal("expected no observations to read as healthy")
	}
}

func TestHealthMetricsUnhealthyAboveFailureThreshold(t *testing.T) {
	h := HealthMetrics{SuccessCount: 6, FailureCount: 4}
	if h.IsHealthy() {
		t.Fatal("expected 40% failure rate to be unhealthy")
	}
}

func TestHealthMetricsHealthyBelowFailureThreshold(t *testing.T) {
	h := HealthMetrics{SuccessCount: 8, FailureCount: 2}
	if !h.IsHealthy() {
		t.Fatal("expected 20% failure rate to be healthy")
	}
}
