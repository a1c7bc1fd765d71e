package client

// breaker is a per-(canvas, operation) circuit breaker. It counts consecutive
// failures of one operation type; at the threshold it trips and stays tripped
// until an explicit Reset — tripping never heals on a timer, the caller has
// to re-navigate or otherwise deliberately reset.
type breaker struct {
	threshold int
	failures  int
	tripped   bool
}

func newBreaker(threshold int) *breaker {
	return &breaker{threshold: threshold}
}

// Failure records one failed attempt and reports whether the breaker just
// tripped.
func (b *breaker) Failure() bool {
	if b.tripped {
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.tripped = true
		return true
	}
	return false
}

// Success resets the consecutive-failure count. A tripped breaker stays
// tripped.
func (b *breaker) Success() {
	if !b.tripped {
		b.failures = 0
	}
}

// Tripped reports whether automatic retries are halted.
func (b *breaker) Tripped() bool { return b.tripped }

// Reset re-arms the breaker.
func (b *breaker) Reset() {
	b.failures = 0
	b.tripped = false
}
