package pipeline

import "time"

const (
	// DefaultRetryInitial is the first delay before retrying failed fetches
	DefaultRetryInitial = 3 * time.Second
	// DefaultRetryMax caps the retry delay
	DefaultRetryMax = 120 * time.Second
)

// Backoff is a doubling delay with a floor and a cap. It is not safe for
// concurrent use; the owning pipeline guards it.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a backoff starting at initial
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultRetryInitial
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Next returns the current delay and doubles it for the following call
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Current returns the delay the next retry cycle would use
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Reset drops the delay back to its floor
func (b *Backoff) Reset() {
	b.current = b.initial
}
