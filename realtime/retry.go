package realtime

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how a closed channel is reopened.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier of 1 gives a fixed delay.
	Multiplier float64
	// Jitter is the fraction of the delay randomly added or removed, 0..1.
	Jitter float64
	// MaxAttempts is the number of consecutive failed attempts allowed
	// before giving up; 0 retries forever.
	MaxAttempts int
	// RetryOnReject keeps retrying after the server rejects the handshake
	// with 401 or 403.
	RetryOnReject bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 5 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// FixedRetryPolicy retries forever with the same delay between attempts.
func FixedRetryPolicy(delay time.Duration) RetryPolicy {
	return RetryPolicy{
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
	}
}

// Delay returns the wait before the given attempt, counted from 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay)
	if p.Multiplier > 1 {
		delay *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		delay += delay * j * (rand.Float64()*2 - 1)
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Exhausted reports whether the policy gives up after failed consecutive
// failures.
func (p RetryPolicy) Exhausted(failed int) bool {
	return p.MaxAttempts > 0 && failed >= p.MaxAttempts
}
