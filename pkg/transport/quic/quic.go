// Package quic carries mesh frames as unreliable QUIC datagrams. A QUIC
// connection is kept per neighbour; the dialing side announces itself with
// a beacon so the accepting side can name the connection.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshrelay/pkg/packet"
	"meshrelay/pkg/protocol"
	"meshrelay/pkg/protocol/codec"
	"meshrelay/pkg/transport"
)

const alpn = "meshrelay"

type Peer struct {
	ID   transport.DeviceID
	Addr string
}

type Options struct {
	Self   transport.DeviceID
	Listen string
	Peers  []Peer
	Format protocol.Format

	Beacon          time.Duration // 2s; also the redial interval
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

// Transport is a transport.Adapter over QUIC datagrams.
type Transport struct {
	opts     Options
	framer   *protocol.Framer
	sessions *transport.Manager
	log      *zap.Logger
	server   *tls.Config
	client   *tls.Config
	qconf    *quicgo.Config
	beacon   []byte

	mu      sync.RWMutex
	ln      *quicgo.Listener
	conns   map[transport.DeviceID]*quicgo.Conn
	peers   map[transport.DeviceID]string
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
		return nil, errors.New("quic: self device id required")
	}
	reg, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	fr, err := protocol.NewFramer(reg, opts.Format)
	if err != nil {
		return nil, err
	}
	beacon, err := fr.Encode(protocol.Frame{From: opts.Self, Beacon: true})
	if err != nil {
		return nil, err
	}
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("quic: certificate: %w", err)
	}
	t := &Transport{
		opts:     opts,
		framer:   fr,
		sessions: transport.NewManager(),
		log:      zap.L().Named("quic").With(zap.String("self", opts.Self)),
		server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		// Links are hop-local and unauthenticated; packets carry no trust.
		client: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		},
		qconf: &quicgo.Config{
			EnableDatagrams: true,
			KeepAlivePeriod: opts.Beacon,
			MaxIdleTimeout:  opts.DisconnectAfter,
		},
		beacon: beacon,
		conns:  make(map[transport.DeviceID]*quicgo.Conn),
		peers:  make(map[transport.DeviceID]string),
	}
	for _, p := range opts.Peers {
		t.peers[p.ID] = p.Addr
	}
	return t, nil
}

// AddPeer registers a neighbour to dial.
func (t *Transport) AddPeer(id transport.DeviceID, addr string) {
	t.mu.Lock()
	t.peers[id] = addr
	t.mu.Unlock()
}

// Start listens, dials configured neighbours and keeps redialing lost ones
// until ctx is done or Close is called.
func (t *Transport) Start(ctx context.Context) error {
	ln, err := quicgo.ListenAddr(t.opts.Listen, t.server, t.qconf)
	if err != nil {
		return fmt.Errorf("quic: listen: %w", err)
	}
	t.mu.Lock()
	if t.closed || t.ln != nil {
		t.mu.Unlock()
		_ = ln.Close()
		return transport.ErrClosed
	}
	t.ln = ln
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
	t.log.Info("listening", zap.Stringer("addr", ln.Addr()))

	t.wg.Add(2)
	go t.acceptLoop(ctx, ln)
	go t.tick(ctx)
	return nil
}

func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln, cancel := t.ln, t.cancel
	conns := t.conns
	t.conns = make(map[transport.DeviceID]*quicgo.Conn)
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		_ = c.CloseWithError(0, "closing")
	}
	var err error
	if ln != nil {
		err = ln.Close()
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
	c, known, closed := t.conns[to], t.peers[to] != "", t.closed
	t.mu.RUnlock()
	switch {
	case closed:
		return 0, transport.ErrClosed
	case c == nil && !known:
		return 0, fmt.Errorf("%w: %s", transport.ErrUnknownDevice, to)
	case c == nil:
		return 0, fmt.Errorf("%w: %s", transport.ErrLinkDown, to)
	}
	b, err := t.framer.Encode(protocol.Frame{From: t.opts.Self, Packet: p})
	if err != nil {
		return 0, err
	}
	if err := c.SendDatagram(b); err != nil {
		return 0, fmt.Errorf("quic: send %s: %w", to, err)
	}
	return len(b), nil
}

// BroadcastPacket sends p on every open connection.
func (t *Transport) BroadcastPacket(ctx context.Context, p packet.Packet) error {
	b, err := t.framer.Encode(protocol.Frame{From: t.opts.Self, Packet: p})
	if err != nil {
		return err
	}
	return t.sendAll(ctx, b)
}

func (t *Transport) sendAll(ctx context.Context, b []byte) error {
	t.mu.RLock()
	conns := make([]*quicgo.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	var errs []error
	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.SendDatagram(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) acceptLoop(ctx context.Context, ln *quicgo.Listener) {
	defer t.wg.Done()
	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, quicgo.ErrServerClosed) {
				t.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		t.wg.Add(1)
		go t.readLoop(ctx, c, "")
	}
}

// readLoop owns c. id is empty for accepted connections until the peer's
// first frame names it.
func (t *Transport) readLoop(ctx context.Context, c *quicgo.Conn, id transport.DeviceID) {
	defer t.wg.Done()
	defer func() {
		if id == "" {
			return
		}
		t.mu.Lock()
		if t.conns[id] == c {
			delete(t.conns, id)
			t.sessions.Set(id, transport.Disconnected)
		}
		t.mu.Unlock()
	}()
	for {
		b, err := c.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Info("connection lost", zap.String("device", id), zap.Error(err))
			}
			_ = c.CloseWithError(0, "")
			return
		}
		f, err := t.framer.Decode(b)
		if err != nil {
			t.log.Debug("bad datagram", zap.Stringer("from", c.RemoteAddr()), zap.Error(err))
			continue
		}
		if f.From == "" || f.From == t.opts.Self {
			continue
		}
		if id == "" {
			id = f.From
			t.register(id, c)
		}
		t.sessions.Touch(id, time.Now())
		if f.Beacon {
			continue
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(f.Packet, id)
		}
	}
}

func (t *Transport) register(id transport.DeviceID, c *quicgo.Conn) {
	t.mu.Lock()
	old := t.conns[id]
	t.conns[id] = c
	t.mu.Unlock()
	if old != nil && old != c {
		_ = old.CloseWithError(0, "replaced")
	}
	t.log.Info("neighbour", zap.String("device", id), zap.Stringer("addr", c.RemoteAddr()))
}

func (t *Transport) dialMissing(ctx context.Context) {
	t.mu.RLock()
	var todo []Peer
	for id, addr := range t.peers {
		if t.conns[id] == nil {
			todo = append(todo, Peer{ID: id, Addr: addr})
		}
	}
	t.mu.RUnlock()
	for _, p := range todo {
		dctx, cancel := context.WithTimeout(ctx, t.opts.Beacon)
		c, err := quicgo.DialAddr(dctx, p.Addr, t.client, t.qconf)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				t.log.Debug("dial failed", zap.String("device", p.ID), zap.Error(err))
			}
			continue
		}
		if err := c.SendDatagram(t.beacon); err != nil {
			_ = c.CloseWithError(0, "")
			continue
		}
		t.register(p.ID, c)
		t.sessions.Touch(p.ID, time.Now())
		t.wg.Add(1)
		go t.readLoop(ctx, c, p.ID)
	}
}

func (t *Transport) tick(ctx context.Context) {
	defer t.wg.Done()
	t.dialMissing(ctx)
	tk := time.NewTicker(t.opts.Beacon)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			_ = t.sendAll(ctx, t.beacon)
			t.sessions.Sweep(now, t.opts.SleepAfter, t.opts.DisconnectAfter)
			t.dialMissing(ctx)
		}
	}
}

// selfSignedCert generates an ephemeral certificate for the listener.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
