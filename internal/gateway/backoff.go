package gateway

import (
	"math/rand"
	"time"
)

const (
	backoffBase       = 750 * time.Millisecond
	backoffMax        = 15 * time.Second
	backoffJitter     = 250 * time.Millisecond
	backoffMaxAttempt = 10
)

// Backoff computes reconnect delays: min(Max, Base << (attempt-1)) plus
// random jitter in [0, Jitter). Attempt growth stops at backoffMaxAttempt;
// reconnection itself never stops. Reset after a successful handshake
// returns the next delay to Base.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	Jitter  time.Duration
	attempt int
}

func NewBackoff() *Backoff {
	return &Backoff{Base: backoffBase, Max: backoffMax, Jitter: backoffJitter}
}

func (b *Backoff) Next() time.Duration {
	if b.attempt < backoffMaxAttempt {
		b.attempt++
	}
	d := b.Base << (b.attempt - 1)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
