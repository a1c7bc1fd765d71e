package client

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: the base delay doubles per attempt up to a
// cap, with jitter applied so a herd of failing clients does not retry in
// lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay randomized in both directions
}

// DefaultBackoff doubles from 250ms up to 10s with ±20% jitter.
var DefaultBackoff = Backoff{
	Base:   250 * time.Millisecond,
	Max:    10 * time.Second,
	Jitter: 0.2,
}

// Delay returns the wait before retry attempt n (first retry is n=1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}
