package replication

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoff yields exponentially growing reconnect intervals with ±10% jitter
type backoff struct {
	min, max time.Duration
	coeff    float64
	attempt  int
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, coeff: 2}
}

// next returns the interval before the next attempt
func (b *backoff) next() time.Duration {
	d := float64(b.min) * math.Pow(b.coeff, float64(b.attempt))
	if d >= float64(b.max) {
		d = float64(b.max)
	} else {
		b.attempt++
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(d * jitter)
}

func (b *backoff) reset() {
	b.attempt = 0
}
