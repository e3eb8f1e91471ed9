package syncer

import "time"

// backoff doubles the wait after every consecutive failure, up to max.
type backoff struct {
	min, max time.Duration
	next     time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, next: min}
}

// Next returns the wait for the current failure and grows the following one.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

func (b *backoff) Reset() { b.next = b.min }
