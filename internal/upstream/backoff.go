package upstream

import (
	"math"
	"time"
)

// Backoff computes capped exponential reconnect delays:
// min(Base * Growth^attempt, Max).
type Backoff struct {
	Base   time.Duration
	Growth float64
	Max    time.Duration
}

// DefaultBackoff returns 1s growing by 1.5x up to 15s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Growth: 1.5,
		Max:    15 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Growth, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
