package fetch

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential delay schedule with proportional jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction (0..1) of each delay that is randomised.
	Jitter float64
}

// DefaultBackoff matches the archive's documented retry cadence.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 10 * time.Second, Max: 2 * time.Minute, Multiplier: 2, Jitter: 0.2}
}

// Delay returns the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	return b.delay(n, rand.Float64)
}

func (b Backoff) delay(n int, rnd func() float64) time.Duration {
	if n < 1 || b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if j := math.Min(math.Max(b.Jitter, 0), 1); j > 0 {
		// Spread uniformly over [d*(1-j), d].
		d -= d * j * rnd()
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
