package engine

import "time"

// Backoff returns the delay before retry attempt n (1-based):
// base * 2^(n-1), clamped to max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// occBackoff is the worker-internal retry delay: same curve as the scheduler
// backoff but millisecond-scaled, so contended accounts converge quickly.
func (c Config) occBackoff(attempt int) time.Duration {
	base := c.BaseRetryDelay / 1000
	if base <= 0 {
		base = time.Millisecond
	}
	max := c.MaxRetryDelay / 1000
	if max < base {
		max = base
	}
	return Backoff(base, max, attempt)
}

// scheduleBackoff is the delay written into next_retry_after.
func (c Config) scheduleBackoff(attempt int) time.Duration {
	return Backoff(c.BaseRetryDelay, c.MaxRetryDelay, attempt)
}
