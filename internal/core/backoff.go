package core

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// RetryDelay computes the re-enqueue delay before retry attempt n (1-based):
// base * 2^(n-1), capped, with +/-20% jitter so retry storms decorrelate.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}

	jitter := 1.0 + (rand.Float64()*0.4 - 0.2)
	delay = time.Duration(float64(delay) * jitter)
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}
