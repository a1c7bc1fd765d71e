package ratelimit

import (
	"sync"
	"time"
)

// Limiter is the admit/reject gate the engine consults before doing any work
// for a request. A false result means "temporarily unavailable, safe to retry
// with backoff" — never a permanent rejection.
type Limiter interface {
	Admit(subject, op string) bool
}

// AllowAll admits everything. Useful default and test double.
type AllowAll struct{}

func (AllowAll) Admit(string, string) bool { return true }

// TokenBucket is an in-memory per-(subject, operation) token bucket.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	refillPerSec float64
	buckets      map[string]*bucket
	now          func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket builds a limiter holding capacity tokens per key, refilled
// at refillPerSec tokens per second.
func NewTokenBucket(capacity int, refillPerSec float64) *TokenBucket {
	return &TokenBucket{
		capacity:     float64(capacity),
		refillPerSec: refillPerSec,
		buckets:      make(map[string]*bucket),
		now:          time.Now,
	}
}

// Admit takes one token for the (subject, op) pair, reporting whether one was
// available.
func (t *TokenBucket) Admit(subject, op string) bool {
	key := subject + "\x00" + op
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{tokens: t.capacity, last: now}
		t.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * t.refillPerSec
		if b.tokens > t.capacity {
			b.tokens = t.capacity
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
