package transport

import "time"

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Backoff yields capped exponential delays: base, 2*base, 4*base, ... max.
// It is not safe for concurrent use.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }
