package reconcile

import (
	"math/rand"
	"time"
)

// Backoff computes the wait between order lookups:
// min(Base * 2^attempt, Max) + rand[0, Jitter), attempt counted from 0.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	// Int63n draws the jitter; nil uses math/rand
	Int63n func(n int64) int64
}

// DefaultBackoff is 1s doubling up to 30s with up to 500ms of jitter
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 500 * time.Millisecond}
}

// Delay returns the wait before retry number attempt+1
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := b.Max
	if attempt < 32 {
		if d := b.Base * time.Duration(int64(1)<<uint(attempt)); d > 0 && d < b.Max {
			delay = d
		}
	}

	if b.Jitter > 0 {
		draw := rand.Int63n
		if b.Int63n != nil {
			draw = b.Int63n
		}
		delay += time.Duration(draw(int64(b.Jitter)))
	}
	return delay
}
