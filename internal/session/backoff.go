package session

import (
	"math/rand"
	"time"
)

// computeReconnectDelay implements the exact formula from spec.md §4.3/§8:
// min(60s, 2^attempts * 1s) plus additive jitter drawn uniformly from
// [0, 30%] of that base. cenkalti/backoff (available in the dependency
// closure) was considered and dropped for this one piece of arithmetic —
// see DESIGN.md — its jitter is multiplicative and its Retry loop doesn't
// compose with the actor's own command-driven scheduling, while this
// formula is small and precisely bounded enough that hand-rolling it
// against math/rand is the more faithful implementation.
func computeReconnectDelay(attempt int) time.Duration {
	base := time.Duration(1) << uint(attempt) * time.Second
	const cap = 60 * time.Second
	if base > cap {
		base = cap
	}
	jitter := time.Duration(rand.Float64() * 0.30 * float64(base))
	return base + jitter
}
