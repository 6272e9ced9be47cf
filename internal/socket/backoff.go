package socket

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second

	// backoffJitter is the centered jitter fraction: each delay is scaled
	// by a factor drawn uniformly from [1-j, 1+j].
	backoffJitter = 0.5

	// minBackoffDelay floors the jittered delay.
	minBackoffDelay = 100 * time.Millisecond
)

// backoff implements exponential backoff with centered jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	return &backoff{initial: initial, max: max}
}

// next returns the delay for the current attempt and advances the counter.
func (b *backoff) next() time.Duration {
	base := b.initial
	for i := 0; i < b.attempt && base < b.max; i++ {
		base *= 2
	}
	if base > b.max {
		base = b.max
	}
	b.attempt++

	mult := (1 - backoffJitter) + rand.Float64()*2*backoffJitter
	delay := time.Duration(float64(base) * mult)
	if delay < minBackoffDelay {
		delay = minBackoffDelay
	}
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
