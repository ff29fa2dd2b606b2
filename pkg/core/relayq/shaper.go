package relayq

import (
	"sync"
	"time"
)

// TokenBucket limits relayed bytes per second so bursts cannot saturate a
// slow link. It is optional; the fixed pace between items applies either way.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int64
	tokens   int64
	rate     int64 // tokens per second
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket returns a full bucket. capacity <= 0 means one second of rate.
func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
	return newTokenBucket(ratePerSec, capacity, time.Now)
}

func newTokenBucket(ratePerSec, capacity int64, now func() time.Time) *TokenBucket {
	if capacity <= 0 {
		capacity = ratePerSec
	}
	return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, last: now(), now: now}
}

// Allow tries to consume n tokens; if not enough, returns how long to wait.
// Waiting callers do not get a reservation and must call Allow again.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if dt := now.Sub(b.last); dt > 0 {
		add := (b.rate * dt.Nanoseconds()) / int64(time.Second)
		if add > 0 {
			b.tokens += add
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.last = now
		}
	}
	if n > b.capacity {
		// never satisfiable; let it through once the bucket is full
		n = b.capacity
	}
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	need := n - b.tokens
	return false, time.Duration((need * int64(time.Second)) / b.rate)
}
