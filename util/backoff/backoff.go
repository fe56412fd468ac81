// Package backoff provides a capped exponential delay for retry loops.
package backoff

import (
	"context"
	"time"
)

// Backoff yields delays that grow by a multiplier up to a maximum.
// It is not safe for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	next       time.Duration
	attempts   int
}

// New returns a Backoff starting at initial. A multiplier below 1 is treated as 1.
func New(initial, max time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, multiplier: multiplier, next: initial}
}

// Next returns the delay for the coming attempt and advances the schedule
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.attempts++
	b.next = time.Duration(float64(b.next) * b.multiplier)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Wait sleeps for Next() or until ctx is done, in which case it returns ctx.Err()
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restarts the schedule after a success
func (b *Backoff) Reset() {
	b.next = b.initial
	b.attempts = 0
}

// Attempts returns how many delays were handed out since the last Reset
func (b *Backoff) Attempts() int {
	return b.attempts
}
