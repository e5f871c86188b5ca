package orchestrator

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes the pause before the next attempt on the same entry.
type Backoff interface {
	// Next returns the delay before retry number attempt (1 for the first
	// retry).
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles Base per retry up to Max, then scales the
// result by a random factor in [1-Jitter, 1+Jitter].
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{Base: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			d = max
			break
		}
		d *= 2
	}
	if d > max {
		d = max
	}

	j := min(b.Jitter, 1)
	if j <= 0 {
		return d
	}
	f := 1 + (rand.Float64()*2-1)*j
	return time.Duration(float64(d) * f)
}

// delay picks the larger of the backoff schedule and a backend Retry-After
// hint, never exceeding ceiling.
func delay(b Backoff, attempt int, retryAfter, ceiling time.Duration) time.Duration {
	d := b.Next(attempt)
	if retryAfter > d {
		d = retryAfter
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

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
