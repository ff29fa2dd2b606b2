// Package relayq is the bounded backpressure queue in front of the relay
// path. It sheds load instead of growing: a full queue rejects new items, and
// items that waited too long are dropped at dequeue because the mesh has most
// likely moved on.
package relayq

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshrelay/pkg/packet"
)

const (
	DefaultMaxSize = 100
	DefaultMaxAge  = 5 * time.Second
	DefaultPace    = 50 * time.Millisecond
)

// Item is one packet awaiting relay.
type Item struct {
	Packet     packet.Packet
	Source     string // device the packet arrived from
	EnqueuedAt time.Time
}

// DropReason tells the drop callback why an item never reached the relay.
type DropReason int

const (
	DropFull DropReason = iota
	DropExpired
)

func (r DropReason) String() string {
	switch r {
	case DropFull:
		return "queue_full"
	case DropExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the queue.
type Status struct {
	Size         int  `json:"size"`
	MaxSize      int  `json:"max_size"`
	IsProcessing bool `json:"is_processing"`
}

type Options struct {
	MaxSize int
	MaxAge  time.Duration
	// Pace is the pause after each relayed item; negative disables it.
	Pace time.Duration
	// Shaper optionally limits relayed payload bytes per second.
	Shaper *TokenBucket
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Pace == 0 {
		o.Pace = DefaultPace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Queue is a FIFO with a single drain goroutine that exists only while there
// is work. relay is called for every fresh item, drop for every shed one.
type Queue struct {
	opts  Options
	relay func(context.Context, Item)
	drop  func(Item, DropReason)

	ctx    context.Context
	cancel context.CancelFunc

	// sleep waits d or until Close; false means the queue was closed.
	sleep func(d time.Duration) bool

	mu         sync.Mutex
	items      []Item
	processing bool
	closed     bool
	wg         sync.WaitGroup
}

func New(opts Options, relay func(context.Context, Item), drop func(Item, DropReason)) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	if drop == nil {
		drop = func(Item, DropReason) {}
	}
	q := &Queue{opts: opts.withDefaults(), relay: relay, drop: drop, ctx: ctx, cancel: cancel}
	q.sleep = q.waitTimer
	return q
}

// Enqueue appends it, stamping EnqueuedAt when unset. It returns false, and
// reports DropFull, when the queue is at capacity or closed.
func (q *Queue) Enqueue(it Item) bool {
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = q.opts.Now()
	}
	q.mu.Lock()
	if q.closed || len(q.items) >= q.opts.MaxSize {
		q.mu.Unlock()
		zap.L().Debug("relay queue rejected", zap.String("packet", it.Packet.ID()), zap.Int("max", q.opts.MaxSize))
		q.drop(it, DropFull)
		return false
	}
	q.items = append(q.items, it)
	start := !q.processing
	q.processing = true
	if start {
		q.wg.Add(1)
	}
	q.mu.Unlock()
	if start {
		go q.drain()
	}
	return true
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		q.processing = false
		return Item{}, false
	}
	it := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return it, true
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		it, ok := q.pop()
		if !ok {
			return
		}
		fresh, open := q.admit(it)
		if !open {
			return
		}
		if !fresh {
			continue
		}
		q.relay(q.ctx, it)
		if q.opts.Pace > 0 && !q.sleep(q.opts.Pace) {
			return
		}
	}
}

// admit holds it until the shaper has budget for its payload, dropping it
// once it is older than MaxAge. Tokens are only taken for items that are
// relayed. open is false when the queue was closed while waiting.
func (q *Queue) admit(it Item) (fresh, open bool) {
	for {
		if age := q.opts.Now().Sub(it.EnqueuedAt); age > q.opts.MaxAge {
			zap.L().Debug("relay item expired", zap.String("packet", it.Packet.ID()), zap.Duration("age", age))
			q.drop(it, DropExpired)
			return false, true
		}
		if q.opts.Shaper == nil {
			return true, true
		}
		ok, wait := q.opts.Shaper.Allow(int64(it.Packet.Size()))
		if ok {
			return true, true
		}
		if !q.sleep(wait) {
			return false, false
		}
	}
}

func (q *Queue) waitTimer(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{Size: len(q.items), MaxSize: q.opts.MaxSize, IsProcessing: q.processing}
}

// Close abandons pending items and waits for an in-flight relay to return.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	abandoned := len(q.items)
	q.items = nil
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	if abandoned > 0 {
		zap.L().Info("relay queue closed", zap.Int("abandoned", abandoned))
	}
}
