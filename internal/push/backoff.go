package push

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays. The delay grows by Multiplier per failed
// attempt up to Max, with up to Jitter (a fraction of the delay) added or
// subtracted at random. Constant keeps every delay at Base.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	Constant   bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// maxDelay bounds uncapped growth. Converting a larger float64 to a Duration
// is not defined.
const maxDelay = time.Duration(math.MaxInt64)

// Delay returns the wait before reconnect attempt n, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(base)
	if !b.Constant {
		multiplier := b.Multiplier
		if multiplier < 1 {
			multiplier = 2.0
		}
		delay *= math.Pow(multiplier, float64(attempt))
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * spread
		if delay <= 0 {
			delay = float64(base)
		}
	}
	if math.IsNaN(delay) || delay >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}
