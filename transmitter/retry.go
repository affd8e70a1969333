package transmitter

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds the per-call retry loop. Retries apply to
// connect/read failures, 5xx, 408 and 429; no other 4xx is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, first included.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the receptor's transmitter contract.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Backoff returns the jittered delay before retry |attempt| (1-based:
// the delay after the attempt'th failure).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	var d = p.BaseDelay << uint(attempt-1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if d < 2 {
		return d
	}
	// Full jitter over [d/2, d).
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}
