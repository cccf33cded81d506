package client

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffMax  = 30 * time.Second
)

// backoff produces the delay before each reconnection attempt: the
// base doubles per attempt up to the cap, with ±10% jitter so a fleet
// of clients does not reconnect in lockstep. The attempt counter is
// reset only on reaching Connected.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (b *backoff) next() time.Duration {
	d := b.delay(b.attempt)
	b.attempt++
	jitter := time.Duration(rand.Int64N(int64(d)/5+1)) - d/10
	return d + jitter
}

// delay is the pre-jitter delay for a given attempt. Non-decreasing
// in attempt, capped at max.
func (b *backoff) delay(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
