// Package mesh is the store-and-forward relay engine. It suppresses
// duplicates, floods packets to neighbours with a decaying hop budget,
// sheds load through a bounded queue and learns which neighbours relay well.
//
// Per packet identity the engine moves through:
//
//	Unseen -> Seen-Local -> Queued-For-Relay -> Relay-Attempted
//	Unseen -> Seen-Local -> TTL-Exhausted
//	Unseen -> Duplicate-Dropped
//
// A packet is marked seen before any relay decision is made for it.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshrelay/pkg/core/relayq"
	"meshrelay/pkg/dedup"
	"meshrelay/pkg/memkv"
	"meshrelay/pkg/packet"
	"meshrelay/pkg/relayhist"
	"meshrelay/pkg/routing"
	"meshrelay/pkg/transport"
)

// ErrNoTransport is returned when sending before a transport is attached.
// It indicates a wiring bug, not a network condition.
var ErrNoTransport = errors.New("mesh: no transport attached")

// Handler receives every newly seen packet. isRelay is false for the first
// local receipt and true for the notification after this device forwarded it.
type Handler func(p packet.Packet, from transport.DeviceID, isRelay bool)

type Engine struct {
	opts    Options
	log     *zap.Logger
	handler Handler

	filter  *dedup.Filter
	routes  *routing.Table
	history *relayhist.Tracker
	queue   *relayq.Queue
	stats   counters

	mu       sync.RWMutex
	tr       transport.Adapter
	sessions transport.SessionLister

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New builds an engine. handler may be nil.
func New(opts Options, handler Handler) (*Engine, error) {
	opts = opts.withDefaults()
	kv := memkv.New(memkv.Options{Now: opts.Now, MaxBytes: opts.HistoryMaxKB * 1024})
	hist, err := relayhist.New(kv, opts.HistoryTTL)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		opts:    opts,
		log:     zap.L().Named("mesh").With(zap.String("node", opts.Name)),
		handler: handler,
		filter: dedup.New(dedup.Options{
			Bits:    opts.BloomBits,
			Hashes:  opts.BloomHashes,
			Entries: opts.DedupEntries,
			Window:  opts.DedupWindow,
		}),
		routes:  routing.New(routing.Options{DefaultTTL: opts.DefaultTTL, Idle: opts.RouteIdle, Now: opts.Now}),
		history: hist,
	}
	var shaper *relayq.TokenBucket
	if opts.ShapeBytesPerS > 0 {
		shaper = relayq.NewTokenBucket(opts.ShapeBytesPerS, 0)
	}
	e.queue = relayq.New(relayq.Options{
		MaxSize: opts.QueueSize,
		MaxAge:  opts.QueueMaxAge,
		Pace:    opts.RelayPace,
		Shaper:  shaper,
		Now:     opts.Now,
	}, e.relayPacket, e.onDrop)
	return e, nil
}

// AttachTransport wires the engine to a link adapter and a session source,
// replacing any previous one. Queued packets stay queued and are relayed
// over the new transport. When sessions is nil and tr also lists sessions,
// tr is used.
func (e *Engine) AttachTransport(tr transport.Adapter, sessions transport.SessionLister) {
	if sessions == nil {
		sessions, _ = tr.(transport.SessionLister)
	}
	e.mu.Lock()
	e.tr, e.sessions = tr, sessions
	e.mu.Unlock()
	tr.RegisterPacketHandler(e.HandleIncomingPacket)
	e.log.Info("transport attached")
}

// DetachTransport unwires the current transport. Inbound packets already in
// the queue are dropped at relay time until a transport is attached again.
func (e *Engine) DetachTransport() {
	e.mu.Lock()
	e.tr, e.sessions = nil, nil
	e.mu.Unlock()
}

func (e *Engine) link() (transport.Adapter, transport.SessionLister) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tr, e.sessions
}

// Start runs the periodic cleanup until ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed || e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(e.opts.CleanupEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.Cleanup(e.opts.Now())
			}
		}
	}()
}

// Close stops cleanup and abandons the relay queue.
func (e *Engine) Close() {
	e.runMu.Lock()
	if e.closed {
		e.runMu.Unlock()
		return
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
	e.runMu.Unlock()
	e.wg.Wait()
	e.queue.Close()
	e.log.Info("engine stopped")
}

// SendPacket originates p. It marks p seen so it is never accepted back,
// writes it in parallel to every connected or sleeping neighbour, and always
// broadcasts it for devices without a session. A nil error means the send
// path ran; it does not mean anyone received the packet.
func (e *Engine) SendPacket(ctx context.Context, p packet.Packet) error {
	tr, sessions := e.link()
	if tr == nil {
		return ErrNoTransport
	}
	if err := p.Validate(); err != nil {
		return err
	}
	id := p.ID()
	e.filter.Add(id, e.opts.Now())
	e.history.Init(id)

	targets := e.targets(sessions, id, "", func(s transport.LinkState) bool {
		return s == transport.Connected || s == transport.Sleeping
	})
	if len(targets) > 0 {
		e.fanOut(ctx, tr, p, id, targets, false)
	}
	if err := tr.BroadcastPacket(ctx, p); err != nil {
		e.log.Warn("broadcast failed", zap.String("packet", id), zap.Error(err))
	}
	e.log.Debug("packet originated", zap.String("packet", id), zap.Int("direct", len(targets)), zap.Uint8("ttl", p.TTL))
	return nil
}

// Originate builds a packet authored by Self with the configured hop budget
// and sends it.
func (e *Engine) Originate(ctx context.Context, payload []byte) (packet.Packet, error) {
	p, err := packet.New(e.opts.Self, payload, e.opts.Now())
	if err != nil {
		return packet.Packet{}, err
	}
	p.TTL = e.opts.DefaultTTL
	return p, e.SendPacket(ctx, p)
}

// HandleIncomingPacket is the transport's inbound callback.
func (e *Engine) HandleIncomingPacket(p packet.Packet, from transport.DeviceID) {
	now := e.opts.Now()
	id := p.ID()
	if e.isSelf(p) || e.filter.CheckAndAdd(id, now) {
		e.stats.duplicate.Add(1)
		e.log.Debug("duplicate dropped", zap.String("packet", id), zap.String("from", from))
		if !e.isSelf(p) {
			// from already holds it; a pending relay must not send it back
			e.history.Add(id, from)
		}
		return
	}
	e.history.Add(id, from)
	e.routes.Update(from, p.Sender.String(), p.TTL)
	e.deliver(p, from, false)

	if p.TTL == 0 {
		e.log.Debug("hop budget exhausted", zap.String("packet", id), zap.String("from", from))
		return
	}
	if !e.queue.Enqueue(relayq.Item{Packet: p, Source: from, EnqueuedAt: now}) {
		e.log.Warn("relay queue full, packet shed", zap.String("packet", id))
	}
}

func (e *Engine) isSelf(p packet.Packet) bool {
	return e.opts.Self != (packet.SenderID{}) && p.Sender == e.opts.Self
}

// relayPacket runs on the queue's drain goroutine.
func (e *Engine) relayPacket(ctx context.Context, it relayq.Item) {
	tr, sessions := e.link()
	if tr == nil {
		e.stats.dropped.Add(1)
		e.log.Warn("relay without transport, packet dropped", zap.String("packet", it.Packet.ID()))
		return
	}
	out := it.Packet.Hop()
	id := out.ID()
	targets := e.targets(sessions, id, it.Source, func(s transport.LinkState) bool {
		return s == transport.Connected
	})
	if len(targets) == 0 {
		if err := tr.BroadcastPacket(ctx, out); err != nil {
			e.log.Warn("relay broadcast failed", zap.String("packet", id), zap.Error(err))
		}
		e.log.Debug("relayed by broadcast", zap.String("packet", id), zap.Uint8("ttl", out.TTL))
	} else {
		ok := e.fanOut(ctx, tr, out, id, targets, true)
		e.log.Debug("relayed", zap.String("packet", id), zap.Int("targets", len(targets)), zap.Int("ok", ok), zap.Uint8("ttl", out.TTL))
	}
	e.deliver(out, it.Source, true)
}

// targets lists sessions in an eligible state that have not seen packet id
// and are not the source.
func (e *Engine) targets(sessions transport.SessionLister, id string, source transport.DeviceID, eligible func(transport.LinkState) bool) []transport.DeviceID {
	if sessions == nil {
		return nil
	}
	seen := e.history.Seen(id)
	skip := make(map[string]struct{}, len(seen)+1)
	for _, d := range seen {
		skip[d] = struct{}{}
	}
	if source != "" {
		skip[source] = struct{}{}
	}
	var out []transport.DeviceID
	for _, s := range sessions.ListConnectedSessions() {
		if !eligible(s.State) {
			continue
		}
		if _, ok := skip[s.DeviceID]; ok {
			continue
		}
		out = append(out, s.DeviceID)
	}
	return out
}

// fanOut writes p to every target concurrently. One failing or slow target
// never stops the others; every outcome feeds the routing table. It returns
// the number of successful writes.
func (e *Engine) fanOut(ctx context.Context, tr transport.Adapter, p packet.Packet, id string, targets []transport.DeviceID, relay bool) int {
	var (
		g  errgroup.Group
		mu sync.Mutex
		ok int
	)
	for _, dev := range targets {
		g.Go(func() error {
			n, err := tr.WritePacket(ctx, dev, p)
			if err != nil {
				e.routes.RecordFailure(dev)
				e.log.Warn("write failed", zap.String("packet", id), zap.String("to", dev), zap.Error(err))
				return nil
			}
			e.routes.RecordSuccess(dev)
			e.history.Add(id, dev)
			if relay {
				e.stats.relayed.Add(1)
				e.stats.bytes.Add(uint64(n))
			}
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

func (e *Engine) deliver(p packet.Packet, from transport.DeviceID, isRelay bool) {
	if e.handler != nil {
		e.handler(p, from, isRelay)
	}
}

func (e *Engine) onDrop(it relayq.Item, why relayq.DropReason) {
	e.stats.dropped.Add(1)
	e.log.Debug("packet dropped", zap.String("packet", it.Packet.ID()), zap.Stringer("reason", why))
}

// Cleanup purges state older than its windows. It runs periodically after
// Start and may be called directly.
func (e *Engine) Cleanup(now time.Time) {
	dups := e.filter.Expire(now)
	routes := e.routes.Expire(now)
	hist := e.history.Sweep(now)
	e.log.Debug("cleanup",
		zap.Int("dedup_expired", dups),
		zap.Int("routes_expired", routes),
		zap.Int("history_pruned", hist),
		zap.Int("active_routes", e.routes.Len()),
	)
}

// Stats returns the counters and the current number of routes.
func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	s.ActiveRoutes = e.routes.Len()
	return s
}

// ResetStats zeroes the counters.
func (e *Engine) ResetStats() { e.stats.reset() }

// AllRoutes returns every routing entry in first-seen order.
func (e *Engine) AllRoutes() []routing.Entry { return e.routes.AllRoutes() }

// BestRouteTo returns the best-ranked neighbour that has carried traffic
// authored by peerID.
func (e *Engine) BestRouteTo(peerID string) (routing.Entry, bool) {
	return e.routes.BestRouteTo(peerID)
}

// QueueStatus reports the relay queue occupancy.
func (e *Engine) QueueStatus() relayq.Status { return e.queue.Status() }

// HistoryStats describes the relay history store.
func (e *Engine) HistoryStats() memkv.Stats { return e.history.Stats() }
