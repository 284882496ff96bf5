package transport

import "time"

// Backoff yields exponentially growing delays: Base, Base*Factor, ... held at
// Cap. The sequence never decreases until Reset. Not safe for concurrent use;
// the Manager only touches it under its lock.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration

	next time.Duration
}

// NewBackoff returns a Backoff from a policy, normalising nonsensical values.
func NewBackoff(p ReconnectPolicy) *Backoff {
	b := &Backoff{Base: p.Base, Factor: p.Factor, Cap: p.Cap}
	if b.Factor < 1 {
		b.Factor = 1
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	return b
}

// Next returns the delay to wait before the upcoming attempt.
func (b *Backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Base
	}
	d := min(b.next, b.Cap)

	if grown := float64(b.next) * b.Factor; grown >= float64(b.Cap) {
		b.next = b.Cap
	} else {
		b.next = time.Duration(grown)
	}
	return d
}

// Reset restarts the sequence at Base; called after a successful connect.
func (b *Backoff) Reset() {
	b.next = 0
}
