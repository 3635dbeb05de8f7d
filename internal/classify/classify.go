// Package classify implements the Error Classifier & Backoff component
// (D): retryable/connection-lost/non-retryable predicates over gRPC status
// codes, plus the two distinct backoff formulas used on the call-retry path
// and the reconnect path.
package classify

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
)

// Retryable reports whether a wire status code should be retried by the
// Call Orchestrator.
func Retryable(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// ConnectionLost reports whether a wire status code should additionally
// trigger the Connection Manager's lost-connection path. Only Unavailable
// does; the other retryable codes are attempt-local failures.
func ConnectionLost(code codes.Code) bool {
	return code == codes.Unavailable
}

// CallRetryDelay computes the Call Orchestrator's retry backoff for the
// given zero-based attempt number. Per spec §4.D / §9 this is intentionally
// uncapped and unjittered — preserve this even though it differs from the
// reconnect formula below.
func CallRetryDelay(retryDelay time.Duration, attempt int) time.Duration {
	return retryDelay * time.Duration(1<<uint(attempt))
}

// ReconnectDelay computes the Connection Manager's reconnect backoff:
// min(initial*2^attempts + U(0,1000ms), max). attempts is the number of
// reconnect attempts made so far (pre-increment).
//
// The coarse doubling-and-capping is computed with backoff.ExponentialBackOff
// (the teacher's own reconnect-backoff library, used the same way
// internal/transport/grpctransport.go's connectLoop uses it), configured with
// RandomizationFactor 0 so NextBackOff returns the bare exponential curve.
// backoff.ExponentialBackOff's own jitter is multiplicative
// (currentInterval*(1±RandomizationFactor)), which cannot produce the
// additive U(0,1000ms) term this package's reconnect formula is pinned to
// (S4 expects a fixed-width delay window added on top of the doubled base,
// not a window that widens as the base grows), so the jitter term is added
// by hand after the library computes the base.
func ReconnectDelay(initial, max time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	base := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		base = b.NextBackOff()
	}
	if base == backoff.Stop {
		base = max
	}

	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	delay := base + jitter
	if delay > max {
		delay = max
	}
	return delay
}
