// Package dedup answers "has this device already processed packet X".
//
// A Bloom filter gives an O(k) pre-check in fixed memory. Because Bloom bits
// are never cleared individually, a positive is only advisory: it is
// confirmed against an exact, bounded, time-windowed table before a packet
// is dropped. Identities that aged out of the table are treated as unseen.
package dedup

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Options tune the filter. Zero values take the defaults.
type Options struct {
	Bits    uint          // bloom bit-array size (default 8192)
	Hashes  uint          // hash functions per key (default 4)
	Entries int           // exact table capacity (default 1024)
	Window  time.Duration // freshness window of the exact table (default 60s)
}

func (o Options) withDefaults() Options {
	if o.Bits == 0 {
		o.Bits = 8192
	}
	if o.Hashes == 0 {
		o.Hashes = 4
	}
	if o.Entries <= 0 {
		o.Entries = 1024
	}
	if o.Window <= 0 {
		o.Window = 60 * time.Second
	}
	return o
}

// Filter is safe for concurrent use.
type Filter struct {
	opts Options

	mu     sync.Mutex
	bf     *bloom.BloomFilter
	recent *lru.Cache[string, time.Time] // id -> last seen; Peek only, so eviction is FIFO
}

func New(opts Options) *Filter {
	opts = opts.withDefaults()
	recent, err := lru.New[string, time.Time](opts.Entries)
	if err != nil {
		// only fails for size <= 0, excluded by withDefaults
		panic(err)
	}
	return &Filter{opts: opts, bf: bloom.New(opts.Bits, opts.Hashes), recent: recent}
}

// MightContain reports the Bloom answer: false means definitely never added.
func (f *Filter) MightContain(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bf.TestString(id)
}

// Add marks id as seen at now.
func (f *Filter) Add(id string, now time.Time) {
	f.mu.Lock()
	f.bf.AddString(id)
	f.recent.Add(id, now)
	f.mu.Unlock()
}

// IsDuplicate reports whether id was seen within the freshness window.
func (f *Filter) IsDuplicate(id string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bf.TestString(id) {
		return false
	}
	seen, ok := f.recent.Peek(id)
	if !ok {
		return false
	}
	return now.Sub(seen) < f.opts.Window
}

// CheckAndAdd is IsDuplicate followed by Add under one lock, so two racing
// deliveries of the same packet cannot both be treated as new.
func (f *Filter) CheckAndAdd(id string, now time.Time) (duplicate bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bf.TestString(id) {
		if seen, ok := f.recent.Peek(id); ok && now.Sub(seen) < f.opts.Window {
			return true
		}
	}
	f.bf.AddString(id)
	f.recent.Add(id, now)
	return false
}

// Expire drops exact entries older than the window and returns how many.
func (f *Filter) Expire(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.recent.Keys() {
		seen, ok := f.recent.Peek(id)
		if ok && now.Sub(seen) >= f.opts.Window {
			f.recent.Remove(id)
			n++
		}
	}
	return n
}

// Clear forgets everything, including Bloom bits.
func (f *Filter) Clear() {
	f.mu.Lock()
	f.bf.ClearAll()
	f.recent.Purge()
	f.mu.Unlock()
}

// Len is the number of exact entries currently held.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent.Len()
}
