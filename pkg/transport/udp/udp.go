// Package udp carries mesh frames as single UDP datagrams between
// configured neighbours. Every datagram, beacons included, refreshes the
// sender's session; quiet neighbours decay to sleeping and then
// disconnected.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshrelay/pkg/packet"
	"meshrelay/pkg/protocol"
	"meshrelay/pkg/protocol/codec"
	"meshrelay/pkg/transport"
)

// Peer is a neighbour reachable at a fixed address.
type Peer struct {
	ID   transport.DeviceID
	Addr string
}

type Options struct {
	Self   transport.DeviceID
	Listen string // host:port; ":0" picks a port
	Peers  []Peer
	Format protocol.Format // FormatCBOR when unknown

	Beacon          time.Duration // 2s
	SleepAfter      time.Duration // 10s
	DisconnectAfter time.Duration // 30s
}

func (o Options) withDefaults() Options {
	if o.Format == protocol.FormatUnknown {
		o.Format = protocol.FormatCBOR
	}
	if o.Beacon <= 0 {
		o.Beacon = 2 * time.Second
	}
	if o.SleepAfter <= 0 {
		o.SleepAfter = 10 * time.Second
	}
	if o.DisconnectAfter <= o.SleepAfter {
		o.DisconnectAfter = 3 * o.SleepAfter
	}
	return o
}

// Transport is a transport.Adapter over one UDP socket.
type Transport struct {
	opts     Options
	framer   *protocol.Framer
	sessions *transport.Manager
	log      *zap.Logger

	mu      sync.RWMutex
	conn    *net.UDPConn
	peers   map[transport.DeviceID]*net.UDPAddr
	handler transport.PacketHandler
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ transport.Adapter       = (*Transport)(nil)
	_ transport.SessionLister = (*Transport)(nil)
)

func New(opts Options) (*Transport, error) {
	opts = opts.withDefaults()
	if opts.Self == "" {
		return nil, errors.New("udp: self device id required")
	}
	reg, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	fr, err := protocol.NewFramer(reg, opts.Format)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		opts:     opts,
		framer:   fr,
		sessions: transport.NewManager(),
		log:      zap.L().Named("udp").With(zap.String("self", opts.Self)),
		peers:    make(map[transport.DeviceID]*net.UDPAddr),
	}
	for _, p := range opts.Peers {
		if err := t.AddPeer(p.ID, p.Addr); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AddPeer registers or moves a neighbour. Its session starts disconnected
// until a datagram arrives from it.
func (t *Transport) AddPeer(id transport.DeviceID, addr string) error {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: resolve peer %s: %w", id, err)
	}
	t.mu.Lock()
	t.peers[id] = ua
	t.mu.Unlock()
	return nil
}

// Start binds the socket and runs the read, beacon and sweep loops until
// ctx is done or Close is called.
func (t *Transport) Start(ctx context.Context) error {
	la, err := net.ResolveUDPAddr("udp", t.opts.Listen)
	if err != nil {
		return fmt.Errorf("udp: resolve listen: %w", err)
	}
	c, err := net.ListenUDP("udp", la)
	if err != nil {
		return fmt.Errorf("udp: listen: %w", err)
	}
	t.mu.Lock()
	if t.closed || t.conn != nil {
		t.mu.Unlock()
		_ = c.Close()
		return transport.ErrClosed
	}
	t.conn = c
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
	t.log.Info("listening", zap.Stringer("addr", c.LocalAddr()))

	t.wg.Add(2)
	go t.readLoop(c)
	go t.tick(ctx)
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return nil
}

// Addr is the bound local address, nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	c, cancel := t.conn, t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if c != nil {
		err = c.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) Sessions() *transport.Manager { return t.sessions }

func (t *Transport) ListConnectedSessions() []transport.Session {
	return t.sessions.ListConnectedSessions()
}

func (t *Transport) RegisterPacketHandler(h transport.PacketHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) WritePacket(ctx context.Context, to transport.DeviceID, p packet.Packet) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.RLock()
	c, addr := t.conn, t.peers[to]
	t.mu.RUnlock()
	if c == nil {
		return 0, transport.ErrClosed
	}
	if addr == nil {
		return 0, fmt.Errorf("%w: %s", transport.ErrUnknownDevice, to)
	}
	if t.sessions.State(to) == transport.Disconnected {
		return 0, fmt.Errorf("%w: %s", transport.ErrLinkDown, to)
	}
	b, err := t.framer.Encode(protocol.Frame{From: t.opts.Self, Packet: p})
	if err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.SetWriteDeadline(deadline)
	}
	n, err := c.WriteToUDP(b, addr)
	if err != nil {
		return n, fmt.Errorf("udp: write %s: %w", to, err)
	}
	return n, nil
}

// BroadcastPacket sends p to every configured neighbour whatever its
// session state.
func (t *Transport) BroadcastPacket(ctx context.Context, p packet.Packet) error {
	b, err := t.framer.Encode(protocol.Frame{From: t.opts.Self, Packet: p})
	if err != nil {
		return err
	}
	return t.sendAll(ctx, b)
}

func (t *Transport) sendAll(ctx context.Context, b []byte) error {
	t.mu.RLock()
	c := t.conn
	addrs := make([]*net.UDPAddr, 0, len(t.peers))
	for _, a := range t.peers {
		addrs = append(addrs, a)
	}
	t.mu.RUnlock()
	if c == nil {
		return transport.ErrClosed
	}
	var errs []error
	for _, a := range addrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.WriteToUDP(b, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) readLoop(c *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := c.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		f, err := t.framer.Decode(buf[:n])
		if err != nil {
			t.log.Debug("bad datagram", zap.Stringer("from", raddr), zap.Error(err))
			continue
		}
		if f.From == "" || f.From == t.opts.Self {
			continue
		}
		t.learn(f.From, raddr)
		t.sessions.Touch(f.From, time.Now())
		if f.Beacon {
			continue
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(f.Packet, f.From)
		}
	}
}

// learn records where a neighbour is sending from, so unconfigured devices
// that find us become neighbours too.
func (t *Transport) learn(id transport.DeviceID, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur := t.peers[id]; cur == nil || cur.String() != addr.String() {
		t.peers[id] = addr
		t.log.Info("neighbour", zap.String("device", id), zap.Stringer("addr", addr))
	}
}

func (t *Transport) tick(ctx context.Context) {
	defer t.wg.Done()
	beacon, err := t.framer.Encode(protocol.Frame{From: t.opts.Self, Beacon: true})
	if err != nil {
		t.log.Error("beacon encode", zap.Error(err))
		return
	}
	_ = t.sendAll(ctx, beacon)
	tk := time.NewTicker(t.opts.Beacon)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			if err := t.sendAll(ctx, beacon); err != nil && ctx.Err() == nil {
				t.log.Debug("beacon", zap.Error(err))
			}
			t.sessions.Sweep(now, t.opts.SleepAfter, t.opts.DisconnectAfter)
		}
	}
}
