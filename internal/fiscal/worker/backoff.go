package worker

import "time"

const (
	backoffBase = 60 * time.Second
	backoffCap  = 3600 * time.Second
)

// Backoff returns the delay before the next retry after the given attempt
// count: min(60 * 2^(attempts-1), 3600) seconds.
func Backoff(attempts int) time.Duration {
	if attempts <= 1 {
		return backoffBase
	}
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	return delay
}
