package registry

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: Base doubled per attempt with ±10% jitter,
// capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

var DefaultBackoff = Backoff{Base: 1 * time.Second, Max: 30 * time.Second}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := b.Base << uint(attempt)
	if delay <= 0 || delay > b.Max {
		delay = b.Max
	}

	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	delay += jitter
	if delay > b.Max {
		delay = b.Max
	}

	return delay
}
