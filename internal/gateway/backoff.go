package gateway

import "time"

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// BackoffDelay returns the wait before reconnect attempt n (0-based):
// min(1s * 2^n, 30s). No jitter.
func BackoffDelay(n int) time.Duration {
	return backoffDelay(n, DefaultInitialBackoff, DefaultMaxBackoff)
}

func backoffDelay(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	// Past this shift the product exceeds any sane max anyway.
	if n > 30 {
		return max
	}
	d := base << uint(n)
	if d > max || d <= 0 {
		return max
	}
	return d
}
