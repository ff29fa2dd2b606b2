package memkv

import (
	"sync"
	"sync/atomic"
	"time"
)

type Options struct {
	Shards   int    // number of shards (default 32)
	MaxBytes uint64 // hard cap on summed value sizes (0 = unlimited)
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 32
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Store struct {
	opts   Options
	shards []shard

	mKeys    atomic.Uint64
	mBytes   atomic.Uint64
	mSets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
	mRejects atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = never
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{opts: opts, shards: make([]shard, opts.Shards)}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry, 64)
	}
	return s
}

// FNV-1a 64
func (s *Store) shardFor(key string) *shard {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func (s *Store) expireAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.opts.Now().Add(ttl).UnixNano()
}

// reserve accounts for a growth of delta bytes; false if it would pass MaxBytes.
func (s *Store) reserve(delta int) bool {
	if delta <= 0 {
		s.release(-delta)
		return true
	}
	for {
		cur := s.mBytes.Load()
		next := cur + uint64(delta)
		if s.opts.MaxBytes != 0 && next > s.opts.MaxBytes {
			s.mRejects.Add(1)
			return false
		}
		if s.mBytes.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (s *Store) release(n int) {
	if n <= 0 {
		return
	}
	for {
		cur := s.mBytes.Load()
		next := uint64(0)
		if uint64(n) < cur {
			next = cur - uint64(n)
		}
		if s.mBytes.CompareAndSwap(cur, next) {
			return
		}
	}
}

// dropLocked removes key from sh; caller holds sh.mu.
func (s *Store) dropLocked(sh *shard, key string, e *entry) {
	delete(sh.m, key)
	s.mKeys.Add(^uint64(0))
	s.release(len(e.val))
}

// Get returns a copy of the value if present and not expired.
func (s *Store) Get(key string) ([]byte, bool) {
	now := s.opts.Now().UnixNano()
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	if ok && !e.expired(now) {
		out := append([]byte(nil), e.val...)
		sh.mu.RUnlock()
		s.mHits.Add(1)
		return out, true
	}
	sh.mu.RUnlock()
	s.mMisses.Add(1)
	if ok {
		sh.mu.Lock()
		if e2, ok2 := sh.m[key]; ok2 && e2.expired(now) {
			s.dropLocked(sh, key, e2)
			s.mExpired.Add(1)
		}
		sh.mu.Unlock()
	}
	return nil, false
}

// Upsert applies fn to the current value (nil, false when absent or expired)
// and stores the result with a fresh ttl. A nil result deletes the key.
// Returns false when the new value would exceed MaxBytes.
func (s *Store) Upsert(key string, ttl time.Duration, fn func(old []byte, ok bool) []byte) bool {
	now := s.opts.Now().UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if ok && e.expired(now) {
		s.dropLocked(sh, key, e)
		s.mExpired.Add(1)
		e, ok = nil, false
	}
	var old []byte
	if ok {
		old = e.val
	}
	nv := fn(old, ok)
	if nv == nil {
		if ok {
			s.dropLocked(sh, key, e)
			s.mDels.Add(1)
		}
		return true
	}
	if !s.reserve(len(nv) - len(old)) {
		return false
	}
	v := append([]byte(nil), nv...)
	if ok {
		e.val = v
		e.expireAt = s.expireAt(ttl)
	} else {
		sh.m[key] = &entry{val: v, expireAt: s.expireAt(ttl)}
		s.mKeys.Add(1)
	}
	s.mSets.Add(1)
	return true
}

func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if ok {
		s.dropLocked(sh, key, e)
		s.mDels.Add(1)
	}
	return ok
}

// Range calls fn for every live key until fn returns false. Values are
// copies. fn must not call back into the store.
func (s *Store) Range(fn func(key string, val []byte) bool) {
	now := s.opts.Now().UnixNano()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.m {
			if e.expired(now) {
				continue
			}
			if !fn(k, append([]byte(nil), e.val...)) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Sweep removes every key expired at now and returns how many went.
func (s *Store) Sweep(now time.Time) int {
	n := 0
	ts := now.UnixNano()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if e.expired(ts) {
				s.dropLocked(sh, k, e)
				n++
			}
		}
		sh.mu.Unlock()
	}
	s.mExpired.Add(uint64(n))
	return n
}

// Len counts stored keys, including expired ones not yet swept.
func (s *Store) Len() int { return int(s.mKeys.Load()) }

// Stats are cumulative counters except Keys and Bytes, which are current.
type Stats struct {
	Keys    uint64
	Bytes   uint64
	Sets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
	Rejects uint64
}

func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Sets:    s.mSets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
		Rejects: s.mRejects.Load(),
	}
}
