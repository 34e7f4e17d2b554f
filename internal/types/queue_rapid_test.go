package types

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestQueuedDeliveryExpiredMatchesSpecRule exercises the §3 rule
// (Attempts >= MaxAttempts OR age >= QueueTTL implies expired) against
// randomly generated attempts/ages instead of a handful of fixed cases.
func TestQueuedDeliveryExpiredMatchesSpecRule(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		attempts := rapid.IntRange(0, 20).Draw(rt, "attempts")
		ageMillis := rapid.Int64Range(0, int64(48*time.Hour/time.Millisecond)).Draw(rt, "ageMillis")

		now := time.Now()
		queuedAt := now.Add(-time.Duration(ageMillis) * time.Millisecond)
		d := QueuedDelivery{Attempts: attempts, QueuedAt: queuedAt.UnixMilli()}

		want := attempts >= MaxAttempts || time.Duration(ageMillis)*time.Millisecond >= QueueTTL
		got := d.Expired(now)
		if got != want {
			t.Fatalf("Expired mismatch: attempts=%d age=%v want=%v got=%v", attempts, time.Duration(ageMillis)*time.Millisecond, want, got)
		}
	})
}

// TestHealthMetricsIsHealthyMatchesThreshold exercises the §3 30%-failure
// rule against randomly generated success/failure counts.
func TestHealthMetricsIsHealthyMatchesThreshold(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		success := rapid.Int64Range(0, 1000).Draw(rt, "success")
		failure := rapid.Int64Range(0, 1000).Draw(rt, "failure")

		h := HealthMetrics{SuccessCount: success, FailureCount: failure}
		total := success + failure
		want := total == 0 || float64(failure)/float64(total) < 0.30
		if got := h.IsHealthy(); got != want {
			t.Fatalf("IsHealthy mismatch: success=%d failure=%d want=%v got=%v", success, failure, want, got)
		}
	})
}

// TestClassifyIsConsistentWithFallbackTable checks that Classify's
// retryable/fallback flags always agree with the class partition that
// Classify (types.go) applies, for every known ErrorClass.
func TestClassifyIsConsistentWithFallbackTable(t *testing.T) {
	nonFallback := map[ErrorClass]bool{
		ErrClassInvalidPhone:          true,
		ErrClassAuthError:             true,
		ErrClassTemplateNotSupported: true,
	}
	all := []ErrorClass{
		ErrClassRateLimit, ErrClassTemplateError, ErrClassServerError, ErrClassTimeout,
		ErrClassInvalidPhone, ErrClassAuthError, ErrClassTemplateNotSupported, ErrClassOther,
	}
	rapid.Check(t, func(rt *rapid.T) {
		class := all[rapid.IntRange(0, len(all)-1).Draw(rt, "classIndex")]
		ce := Classify(class, nil)
		if nonFallback[class] {
			if ce.Retryable || ce.TriggersFallback {
				t.Fatalf("class %s expected non-retryable/non-fallback, got %+v", class, ce)
			}
		}
	})
}
