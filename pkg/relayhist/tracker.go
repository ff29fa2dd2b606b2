// Package relayhist remembers, per packet identity, which devices already
// received that packet from us (or sent it to us), so a relay never echoes a
// packet back along a link it has already crossed.
//
// Entries live in a TTL store and expire a fixed time after their last
// update, which bounds memory under sustained traffic independently of the
// empty-set pruning done on cleanup.
package relayhist

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"meshrelay/pkg/memkv"
	"meshrelay/pkg/protocol/codec"
)

const DefaultTTL = 60 * time.Second

type Tracker struct {
	kv  *memkv.Store
	ttl time.Duration
	c   codec.Codec
}

// New builds a tracker over kv. ttl <= 0 selects DefaultTTL.
func New(kv *memkv.Store, ttl time.Duration) (*Tracker, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := codec.CBOR()
	if err != nil {
		return nil, err
	}
	return &Tracker{kv: kv, ttl: ttl, c: c}, nil
}

func key(id string) string { return "relay:" + id }

func (t *Tracker) decode(b []byte) []string {
	var set []string
	if len(b) == 0 {
		return nil
	}
	if err := t.c.Unmarshal(b, &set); err != nil {
		zap.L().Warn("relay history decode failed", zap.Error(err))
		return nil
	}
	return set
}

func (t *Tracker) encode(set []string) []byte {
	b, err := t.c.Marshal(set)
	if err != nil {
		zap.L().Warn("relay history encode failed", zap.Error(err))
		return nil
	}
	return b
}

// Init creates an empty history for id if none exists yet.
func (t *Tracker) Init(id string) {
	t.kv.Upsert(key(id), t.ttl, func(old []byte, ok bool) []byte {
		if ok {
			return old
		}
		return t.encode([]string{})
	})
}

// Add records that devices have seen id and refreshes its lifetime.
func (t *Tracker) Add(id string, devices ...string) {
	if len(devices) == 0 {
		return
	}
	ok := t.kv.Upsert(key(id), t.ttl, func(old []byte, _ bool) []byte {
		set := t.decode(old)
		for _, d := range devices {
			i := sort.SearchStrings(set, d)
			if i < len(set) && set[i] == d {
				continue
			}
			set = append(set, "")
			copy(set[i+1:], set[i:])
			set[i] = d
		}
		return t.encode(set)
	})
	if !ok {
		zap.L().Warn("relay history full", zap.String("packet", id))
	}
}

// Seen returns the sorted set of devices already associated with id.
func (t *Tracker) Seen(id string) []string {
	b, ok := t.kv.Get(key(id))
	if !ok {
		return nil
	}
	return t.decode(b)
}

// Contains reports whether device is in id's set.
func (t *Tracker) Contains(id, device string) bool {
	set := t.Seen(id)
	i := sort.SearchStrings(set, device)
	return i < len(set) && set[i] == device
}

// Sweep drops aged-out entries and empty sets; it returns the number removed.
func (t *Tracker) Sweep(now time.Time) int {
	n := t.kv.Sweep(now)
	var empty []string
	t.kv.Range(func(k string, v []byte) bool {
		if len(t.decode(v)) == 0 {
			empty = append(empty, k)
		}
		return true
	})
	for _, k := range empty {
		if t.kv.Delete(k) {
			n++
		}
	}
	return n
}

// Len is the number of tracked packet identities.
func (t *Tracker) Len() int { return t.kv.Len() }

// Stats reports the backing store's occupancy and counters.
func (t *Tracker) Stats() memkv.Stats { return t.kv.Metrics() }
