// Package routing keeps per-neighbour link quality learned from observed
// traffic and relay outcomes, and ranks neighbours as relay targets.
package routing

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	successStep      = 0.1
	failureStep      = 0.2
	healthyThreshold = 0.7
	DefaultIdle      = 60 * time.Second
)

// Entry is a snapshot of one neighbour's routing state.
type Entry struct {
	DeviceID    string    `json:"device_id"`
	PeerID      string    `json:"peer_id,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	HopCount    int       `json:"hop_count"`
	SuccessRate float64   `json:"success_rate"`
}

// Healthy reports a success rate strictly above 0.7.
func (e Entry) Healthy() bool { return e.SuccessRate > healthyThreshold }

// Score favours reliable and short paths: successRate / (hops + 1).
func (e Entry) Score() float64 { return e.SuccessRate / float64(e.HopCount+1) }

type Options struct {
	DefaultTTL uint8         // hop budget of originated packets, for hop estimation
	Idle       time.Duration // entries idle longer than this are expired
	Now        func() time.Time
}

// Table is safe for concurrent use.
type Table struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // insertion order, for first-found tie breaks
}

func New(opts Options) *Table {
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = 7
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Table{opts: opts, entries: make(map[string]*Entry)}
}

// Update records traffic observed from deviceID carrying a packet with
// observedTTL. peerID, when non-empty, is the logical identity the packet
// reported. First sight creates the entry with an optimistic success rate
// and a hop estimate derived from TTL decay.
func (t *Table) Update(deviceID, peerID string, observedTTL uint8) {
	if deviceID == "" {
		return
	}
	now := t.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[deviceID]; ok {
		e.LastSeen = now
		if peerID != "" {
			e.PeerID = peerID
		}
		return
	}
	hops := int(t.opts.DefaultTTL) - int(observedTTL) + 1
	if hops < 1 {
		hops = 1
	}
	t.entries[deviceID] = &Entry{DeviceID: deviceID, PeerID: peerID, LastSeen: now, HopCount: hops, SuccessRate: 1.0}
	t.order = append(t.order, deviceID)
	zap.L().Debug("route learned", zap.String("device", deviceID), zap.String("peer", peerID), zap.Int("hops", hops))
}

// RecordSuccess raises the device's success rate by 0.1 (capped at 1).
// Unknown devices are ignored.
func (t *Table) RecordSuccess(deviceID string) { t.adjust(deviceID, successStep) }

// RecordFailure lowers the device's success rate by 0.2 (floored at 0).
func (t *Table) RecordFailure(deviceID string) { t.adjust(deviceID, -failureStep) }

func (t *Table) adjust(deviceID string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[deviceID]
	if !ok {
		return
	}
	was := e.Healthy()
	e.SuccessRate = clamp(e.SuccessRate + delta)
	if was != e.Healthy() {
		zap.L().Info("route health changed", zap.String("device", deviceID), zap.Bool("healthy", e.Healthy()), zap.Float64("success_rate", e.SuccessRate))
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Get returns the entry for a device.
func (t *Table) Get(deviceID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[deviceID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// BestRouteTo returns the highest-scoring neighbour whose PeerID is peerID.
func (t *Table) BestRouteTo(peerID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *Entry
	for _, id := range t.order {
		e := t.entries[id]
		if e.PeerID != peerID {
			continue
		}
		if best == nil || e.Score() > best.Score() {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// AllRoutes returns snapshots in first-seen order.
func (t *Table) AllRoutes() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.entries[id])
	}
	return out
}

// Expire deletes entries idle for longer than the idle window.
func (t *Table) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.order[:0]
	n := 0
	for _, id := range t.order {
		if now.Sub(t.entries[id].LastSeen) > t.opts.Idle {
			delete(t.entries, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	if n > 0 {
		zap.L().Debug("routes expired", zap.Int("count", n), zap.Int("remaining", len(kept)))
	}
	return n
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
