package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshrelay/pkg/packet"
	"meshrelay/pkg/transport"
)

// fakeLink is a scripted transport.Adapter and SessionLister.
type fakeLink struct {
	mu         sync.Mutex
	handler    transport.PacketHandler
	sessions   []transport.Session
	fail       map[transport.DeviceID]bool
	writes     map[transport.DeviceID][]packet.Packet
	broadcasts []packet.Packet
	block      chan struct{} // when set, broadcasts and writes wait on it
	entered    chan struct{}
}

func newFakeLink(sessions ...transport.Session) *fakeLink {
	return &fakeLink{
		sessions: sessions,
		fail:     make(map[transport.DeviceID]bool),
		writes:   make(map[transport.DeviceID][]packet.Packet),
		entered:  make(chan struct{}, 64),
	}
}

func (f *fakeLink) RegisterPacketHandler(h transport.PacketHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeLink) wait() {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		f.entered <- struct{}{}
		<-block
	}
}

func (f *fakeLink) WritePacket(_ context.Context, to transport.DeviceID, p packet.Packet) (int, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to] {
		return 0, fmt.Errorf("%w: %s", transport.ErrLinkDown, to)
	}
	f.writes[to] = append(f.writes[to], p)
	return p.Size() + 20, nil
}

func (f *fakeLink) BroadcastPacket(_ context.Context, p packet.Packet) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, p)
	return nil
}

func (f *fakeLink) ListConnectedSessions() []transport.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Session(nil), f.sessions...)
}

func (f *fakeLink) written(to transport.DeviceID) []packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]packet.Packet(nil), f.writes[to]...)
}

func (f *fakeLink) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeLink) setFail(to transport.DeviceID, on bool) {
	f.mu.Lock()
	f.fail[to] = on
	f.mu.Unlock()
}

type delivery struct {
	p       packet.Packet
	from    transport.DeviceID
	isRelay bool
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) handle(p packet.Packet, from transport.DeviceID, isRelay bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{p, from, isRelay})
}

func (r *recorder) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recorder) count(isRelay bool) int {
	n := 0
	for _, d := range r.all() {
		if d.isRelay == isRelay {
			n++
		}
	}
	return n
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T, opts Options, h Handler) *Engine {
	t.Helper()
	if opts.RelayPace == 0 {
		opts.RelayPace = -1
	}
	e, err := New(opts, h)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func mkPacket(t *testing.T, sender packet.SenderID, body string, ttl uint8) packet.Packet {
	t.Helper()
	p, err := packet.New(sender, []byte(body), time.UnixMilli(1_700_000_000_000))
	require.NoError(t, err)
	p.TTL = ttl
	return p
}

func connected(ids ...string) []transport.Session {
	out := make([]transport.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, transport.Session{DeviceID: id, State: transport.Connected})
	}
	return out
}

func TestSendWithoutTransport(t *testing.T) {
	e := newEngine(t, Options{}, nil)
	err := e.SendPacket(context.Background(), mkPacket(t, packet.NewSenderID(), "x", 5))
	require.True(t, errors.Is(err, ErrNoTransport))
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	e := newEngine(t, Options{}, nil)
	e.AttachTransport(newFakeLink(), nil)
	p := packet.Packet{Sender: packet.NewSenderID(), Payload: make([]byte, packet.MaxPayload+1), TTL: 3}
	require.ErrorIs(t, e.SendPacket(context.Background(), p), packet.ErrPayloadTooLarge)
}

func TestSendTargetsConnectedAndSleeping(t *testing.T) {
	link := newFakeLink(
		transport.Session{DeviceID: "b", State: transport.Connected},
		transport.Session{DeviceID: "c", State: transport.Sleeping},
		transport.Session{DeviceID: "d", State: transport.Disconnected},
	)
	link.setFail("c", true)
	e := newEngine(t, Options{}, nil)
	e.AttachTransport(link, nil)

	p := mkPacket(t, packet.NewSenderID(), "hi", 5)
	require.NoError(t, e.SendPacket(context.Background(), p))

	require.Len(t, link.written("b"), 1)
	require.Empty(t, link.written("c"))
	require.Empty(t, link.written("d"))
	require.Equal(t, 1, link.broadcastCount())
	require.Equal(t, uint8(5), link.written("b")[0].TTL)

	// originations are not relays
	require.Zero(t, e.Stats().PacketsRelayed)
}

func TestNoSelfRelay(t *testing.T) {
	self := packet.NewSenderID()
	var rec recorder
	link := newFakeLink(connected("b")...)
	e := newEngine(t, Options{Self: self}, rec.handle)
	e.AttachTransport(link, nil)

	p := mkPacket(t, self, "mine", 5)
	require.NoError(t, e.SendPacket(context.Background(), p))

	// the mesh echoes it back, hop-decremented
	link.handler(p.Hop(), "b")
	// a packet authored here but never seen by this engine instance
	link.handler(mkPacket(t, self, "older", 5), "b")

	require.Empty(t, rec.all())
	require.Equal(t, uint64(2), e.Stats().PacketsDuplicate)
	require.Equal(t, 0, e.QueueStatus().Size)
	require.Len(t, link.written("b"), 1)
}

func TestDuplicateSuppression(t *testing.T) {
	var rec recorder
	e := newEngine(t, Options{}, rec.handle)
	e.AttachTransport(newFakeLink(), nil)

	p := mkPacket(t, packet.NewSenderID(), "dup", 0)
	e.HandleIncomingPacket(p, "a")
	e.HandleIncomingPacket(p, "b")
	// identity ignores TTL
	q := p
	q.TTL = 3
	e.HandleIncomingPacket(q, "c")

	require.Equal(t, 1, rec.count(false))
	require.Equal(t, uint64(2), e.Stats().PacketsDuplicate)
}

func TestDuplicateWindowExpires(t *testing.T) {
	clk := newClock()
	var rec recorder
	e := newEngine(t, Options{Now: clk.Now, DedupWindow: 10 * time.Second}, rec.handle)
	e.AttachTransport(newFakeLink(), nil)

	p := mkPacket(t, packet.NewSenderID(), "late", 0)
	e.HandleIncomingPacket(p, "a")
	clk.Advance(11 * time.Second)
	e.HandleIncomingPacket(p, "a")

	require.Equal(t, 2, rec.count(false))
	require.Zero(t, e.Stats().PacketsDuplicate)
}

func TestTTLZeroIsNotRelayed(t *testing.T) {
	var rec recorder
	link := newFakeLink(connected("b", "c")...)
	e := newEngine(t, Options{}, rec.handle)
	e.AttachTransport(link, nil)

	e.HandleIncomingPacket(mkPacket(t, packet.NewSenderID(), "end", 0), "b")

	require.Equal(t, 1, rec.count(false))
	require.Equal(t, 0, e.QueueStatus().Size)
	require.False(t, e.QueueStatus().IsProcessing)
	require.Empty(t, link.written("c"))
	require.Zero(t, link.broadcastCount())
}

func TestRelayDecrementsTTLAndSkipsSource(t *testing.T) {
	var rec recorder
	link := newFakeLink(
		transport.Session{DeviceID: "a", State: transport.Connected},
		transport.Session{DeviceID: "c", State: transport.Connected},
		transport.Session{DeviceID: "s", State: transport.Sleeping},
	)
	e := newEngine(t, Options{}, rec.handle)
	e.AttachTransport(link, nil)

	p := mkPacket(t, packet.NewSenderID(), "relay me", 5)
	e.HandleIncomingPacket(p, "a")

	require.Eventually(t, func() bool { return rec.count(true) == 1 }, time.Second, 5*time.Millisecond)

	require.Empty(t, link.written("a"), "echo to source")
	require.Empty(t, link.written("s"), "sleeping links are not relay targets")
	out := link.written("c")
	require.Len(t, out, 1)
	require.Equal(t, uint8(4), out[0].TTL)
	require.Zero(t, link.broadcastCount())

	st := e.Stats()
	require.Equal(t, uint64(1), st.PacketsRelayed)
	require.Equal(t, uint64(p.Size()+20), st.BytesRelayed)

	relayed := rec.all()[1]
	require.True(t, relayed.isRelay)
	require.Equal(t, uint8(4), relayed.p.TTL)
	require.Equal(t, "a", relayed.from)
}

func TestRelayFallsBackToBroadcast(t *testing.T) {
	var rec recorder
	link := newFakeLink(connected("a")...)
	e := newEngine(t, Options{}, rec.handle)
	e.AttachTransport(link, nil)

	e.HandleIncomingPacket(mkPacket(t, packet.NewSenderID(), "x", 2), "a")

	require.Eventually(t, func() bool { return rec.count(true) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, link.broadcastCount())
	require.Equal(t, uint8(1), link.broadcasts[0].TTL)
	require.Zero(t, e.Stats().PacketsRelayed)
}

func TestRelayFailureDoesNotStopOthers(t *testing.T) {
	var rec recorder
	link := newFakeLink(connected("a", "b", "c", "d")...)
	link.setFail("c", true)
	e := newEngine(t, Options{}, rec.handle)
	e.AttachTransport(link, nil)
	// give c a routing entry so the failure is visible
	e.HandleIncomingPacket(mkPacket(t, packet.NewSenderID(), "hello from c", 0), "c")

	e.HandleIncomingPacket(mkPacket(t, packet.NewSenderID(), "x", 5), "a")
	require.Eventually(t, func() bool { return rec.count(true) == 1 }, time.Second, 5*time.Millisecond)

	require.Len(t, link.written("b"), 1)
	require.Len(t, link.written("d"), 1)
	require.Equal(t, uint64(2), e.Stats().PacketsRelayed)

	var c float64
	for _, r := range e.AllRoutes() {
		if r.DeviceID == "c" {
			c = r.SuccessRate
		}
	}
	require.InDelta(t, 0.8, c, 1e-9)
}

func TestBackpressureBound(t *testing.T) {
	link := newFakeLink(connected("x")...)
	link.block = make(chan struct{})
	e := newEngine(t, Options{QueueSize: 3}, nil)
	e.AttachTransport(link, nil)
	sender := packet.NewSenderID()

	e.HandleIncomingPacket(mkPacket(t, sender, "p0", 5), "a")
	<-link.entered // p0 is out of the queue and stuck in the link

	for i := 1; i <= 6; i++ {
		e.HandleIncomingPacket(mkPacket(t, sender, fmt.Sprintf("p%d", i), 5), "a")
		require.LessOrEqual(t, e.QueueStatus().Size, 3)
	}
	st := e.QueueStatus()
	require.Equal(t, 3, st.Size)
	require.Equal(t, 3, st.MaxSize)
	require.True(t, st.IsProcessing)
	require.Equal(t, uint64(3), e.Stats().PacketsDropped)

	close(link.block)
	require.Eventually(t, func() bool { return !e.QueueStatus().IsProcessing }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(4), e.Stats().PacketsRelayed)
}

func TestDuplicateSenderExcludedFromPendingRelay(t *testing.T) {
	link := newFakeLink(connected("c", "d")...)
	link.block = make(chan struct{})
	e := newEngine(t, Options{}, nil)
	e.AttachTransport(link, nil)
	sender := packet.NewSenderID()

	first := mkPacket(t, sender, "first", 5)
	e.HandleIncomingPacket(first, "a")
	<-link.entered // first is being written, the queue is held behind it

	p := mkPacket(t, sender, "second", 5)
	e.HandleIncomingPacket(p, "a")
	e.HandleIncomingPacket(p, "d") // d got it along another path
	require.Equal(t, uint64(1), e.Stats().PacketsDuplicate)

	close(link.block)
	require.Eventually(t, func() bool { return !e.QueueStatus().IsProcessing }, time.Second, 5*time.Millisecond)

	require.Len(t, link.written("c"), 2)
	toD := link.written("d")
	require.Len(t, toD, 1)
	require.Equal(t, first.ID(), toD[0].ID())
	require.Equal(t, uint64(3), e.Stats().PacketsRelayed)
}

func TestStaleQueuedPacketsAreDropped(t *testing.T) {
	clk := newClock()
	var rec recorder
	link := newFakeLink(connected("x")...)
	link.block = make(chan struct{})
	e := newEngine(t, Options{Now: clk.Now}, rec.handle)
	e.AttachTransport(link, nil)
	sender := packet.NewSenderID()

	e.HandleIncomingPacket(mkPacket(t, sender, "first", 5), "a")
	<-link.entered
	e.HandleIncomingPacket(mkPacket(t, sender, "second", 5), "a")
	e.HandleIncomingPacket(mkPacket(t, sender, "third", 5), "a")
	clk.Advance(6 * time.Second)
	close(link.block)

	require.Eventually(t, func() bool { return !e.QueueStatus().IsProcessing }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(2), e.Stats().PacketsDropped)
	require.Equal(t, uint64(1), e.Stats().PacketsRelayed)
	require.Equal(t, 1, rec.count(true))
}

func TestRouteScoring(t *testing.T) {
	link := newFakeLink(connected("b")...)
	e := newEngine(t, Options{}, nil)
	e.AttachTransport(link, nil)
	peer := packet.NewSenderID()

	e.HandleIncomingPacket(mkPacket(t, peer, "hello", 5), "b")
	r, ok := e.BestRouteTo(peer.String())
	require.True(t, ok)
	require.Equal(t, "b", r.DeviceID)
	require.Equal(t, 3, r.HopCount) // 7 - 5 + 1
	require.Equal(t, 1.0, r.SuccessRate)

	send := func(body string) {
		require.NoError(t, e.SendPacket(context.Background(), mkPacket(t, packet.NewSenderID(), body, 7)))
	}
	link.setFail("b", true)
	send("f1")
	r, _ = e.BestRouteTo(peer.String())
	require.InDelta(t, 0.8, r.SuccessRate, 1e-9)
	require.True(t, r.Healthy())
	send("f2")
	r, _ = e.BestRouteTo(peer.String())
	require.InDelta(t, 0.6, r.SuccessRate, 1e-9)
	require.False(t, r.Healthy())

	link.setFail("b", false)
	for i := 0; i < 5; i++ {
		send(fmt.Sprintf("s%d", i))
	}
	r, _ = e.BestRouteTo(peer.String())
	require.InDelta(t, 1.0, r.SuccessRate, 1e-9)
	require.True(t, r.Healthy())
	require.Equal(t, 1, e.Stats().ActiveRoutes)
}

func TestCleanupExpiresState(t *testing.T) {
	clk := newClock()
	var rec recorder
	e := newEngine(t, Options{Now: clk.Now}, rec.handle)
	e.AttachTransport(newFakeLink(), nil)

	p := mkPacket(t, packet.NewSenderID(), "old", 0)
	e.HandleIncomingPacket(p, "b")
	require.Equal(t, 1, e.Stats().ActiveRoutes)

	clk.Advance(2 * time.Minute)
	e.Cleanup(clk.Now())
	require.Zero(t, e.Stats().ActiveRoutes)
	require.Empty(t, e.AllRoutes())

	e.HandleIncomingPacket(p, "b")
	require.Equal(t, 2, rec.count(false))
}

func TestResetStats(t *testing.T) {
	e := newEngine(t, Options{}, nil)
	e.AttachTransport(newFakeLink(), nil)
	p := mkPacket(t, packet.NewSenderID(), "x", 0)
	e.HandleIncomingPacket(p, "a")
	e.HandleIncomingPacket(p, "a")
	require.Equal(t, uint64(1), e.Stats().PacketsDuplicate)
	e.ResetStats()
	st := e.Stats()
	require.Zero(t, st.PacketsDuplicate)
	require.Equal(t, 1, st.ActiveRoutes)
}

func TestAttachReplacesTransport(t *testing.T) {
	first := newFakeLink(connected("b")...)
	second := newFakeLink(connected("c")...)
	e := newEngine(t, Options{}, nil)
	e.AttachTransport(first, nil)
	e.AttachTransport(second, nil)

	require.NoError(t, e.SendPacket(context.Background(), mkPacket(t, packet.NewSenderID(), "x", 3)))
	require.Empty(t, first.written("b"))
	require.Len(t, second.written("c"), 1)

	e.DetachTransport()
	require.ErrorIs(t, e.SendPacket(context.Background(), mkPacket(t, packet.NewSenderID(), "y", 3)), ErrNoTransport)
}

func TestStartAndClose(t *testing.T) {
	clk := newClock()
	e, err := New(Options{Now: clk.Now, CleanupEvery: 5 * time.Millisecond}, nil)
	require.NoError(t, err)
	e.AttachTransport(newFakeLink(), nil)
	e.HandleIncomingPacket(mkPacket(t, packet.NewSenderID(), "x", 0), "b")
	clk.Advance(2 * time.Minute)

	e.Start(context.Background())
	require.Eventually(t, func() bool { return e.Stats().ActiveRoutes == 0 }, time.Second, 5*time.Millisecond)
	e.Close()
	e.Close()
}

func TestOriginateUsesConfiguredBudget(t *testing.T) {
	self := packet.NewSenderID()
	link := newFakeLink(connected("b")...)
	e := newEngine(t, Options{Self: self, DefaultTTL: 3}, nil)
	e.AttachTransport(link, nil)

	p, err := e.Originate(context.Background(), []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, self, p.Sender)
	require.Equal(t, uint8(3), p.TTL)
	require.Len(t, link.written("b"), 1)

	_, err = e.Originate(context.Background(), make([]byte, packet.MaxPayload+1))
	require.ErrorIs(t, err, packet.ErrPayloadTooLarge)
}
