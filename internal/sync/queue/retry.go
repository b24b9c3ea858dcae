package queue

import (
	"time"

	"github.com/fieldops/fieldsync/internal/errors"
)

// RetryPolicy bounds the attempts of an operation and spaces them with
// capped exponential backoff.
type RetryPolicy struct {
	// Ceiling is the retryCount at which an operation becomes failed.
	Ceiling int
	Base    time.Duration
	Max     time.Duration
}

// DefaultRetryPolicy allows three attempts spaced 2s, 4s, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Ceiling: 3, Base: 2 * time.Second, Max: 10 * time.Second}
}

// Delay returns the backoff before the next attempt once retryCount
// attempts failed: min(Base * 2^(retryCount-1), Max).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := p.Base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Decide reports whether a failure that leaves the operation with
// retryCount attempts should be retried, and after what delay. Non-retryable
// failures never retry.
func (p RetryPolicy) Decide(err error, retryCount int) (retry bool, delay time.Duration) {
	if !errors.IsRetryable(err) || retryCount >= p.Ceiling {
		return false, 0
	}
	return true, p.Delay(retryCount)
}
