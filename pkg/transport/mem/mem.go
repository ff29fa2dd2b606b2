// Package mem is an in-process radio: a Hub of nodes joined by symmetric
// links, with per-direction failure injection. Frames are encoded and
// decoded on every hop so tests see the same bytes a real link carries.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"meshrelay/pkg/packet"
	"meshrelay/pkg/protocol"
	"meshrelay/pkg/protocol/codec"
	"meshrelay/pkg/transport"
)

type pair struct{ from, to transport.DeviceID }

// Hub owns every node and the radio range between them.
type Hub struct {
	framer *protocol.Framer

	mu      sync.RWMutex
	nodes   map[transport.DeviceID]*Node
	inRange map[pair]bool
	failing map[pair]bool
}

// NewHub returns an empty hub writing CBOR frames.
func NewHub() (*Hub, error) {
	reg, err := codec.NewRegistry()
	if err != nil {
		return nil, err
	}
	fr, err := protocol.NewFramer(reg, protocol.FormatCBOR)
	if err != nil {
		return nil, err
	}
	return &Hub{
		framer:  fr,
		nodes:   make(map[transport.DeviceID]*Node),
		inRange: make(map[pair]bool),
		failing: make(map[pair]bool),
	}, nil
}

// Node returns the node named id, creating it on first use.
func (h *Hub) Node(id transport.DeviceID) *Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodeLocked(id)
}

func (h *Hub) nodeLocked(id transport.DeviceID) *Node {
	n := h.nodes[id]
	if n == nil {
		n = &Node{id: id, hub: h, sessions: transport.NewManager()}
		h.nodes[id] = n
	}
	return n
}

// Nodes lists node ids in lexical order.
func (h *Hub) Nodes() []transport.DeviceID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]transport.DeviceID, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Link puts a and b in radio range of each other with a connected session
// on both sides.
func (h *Hub) Link(a, b transport.DeviceID) {
	h.mu.Lock()
	na, nb := h.nodeLocked(a), h.nodeLocked(b)
	h.inRange[pair{a, b}] = true
	h.inRange[pair{b, a}] = true
	h.mu.Unlock()
	na.sessions.Set(b, transport.Connected)
	nb.sessions.Set(a, transport.Connected)
}

// Unlink takes a and b out of range and forgets their sessions.
func (h *Hub) Unlink(a, b transport.DeviceID) {
	h.mu.Lock()
	delete(h.inRange, pair{a, b})
	delete(h.inRange, pair{b, a})
	na, nb := h.nodes[a], h.nodes[b]
	h.mu.Unlock()
	if na != nil {
		na.sessions.Remove(b)
	}
	if nb != nil {
		nb.sessions.Remove(a)
	}
}

// SetState changes the session state between a and b on both sides. Radio
// range is unaffected, so broadcasts still get through.
func (h *Hub) SetState(a, b transport.DeviceID, s transport.LinkState) {
	h.mu.Lock()
	na, nb := h.nodeLocked(a), h.nodeLocked(b)
	h.mu.Unlock()
	na.sessions.Set(b, s)
	nb.sessions.Set(a, s)
}

// Fail makes directed writes from a to b fail with ErrLinkDown while on.
// Broadcasts from a silently miss b.
func (h *Hub) Fail(a, b transport.DeviceID, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		h.failing[pair{a, b}] = true
	} else {
		delete(h.failing, pair{a, b})
	}
}

func (h *Hub) reachable(from, to transport.DeviceID) (*Node, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.nodes[to]
	if n == nil || !h.inRange[pair{from, to}] {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownDevice, to)
	}
	if h.failing[pair{from, to}] {
		return nil, fmt.Errorf("%w: %s -> %s", transport.ErrLinkDown, from, to)
	}
	return n, nil
}

func (h *Hub) neighbours(from transport.DeviceID) []*Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Node
	for p := range h.inRange {
		if p.from != from || h.failing[p] {
			continue
		}
		if n := h.nodes[p.to]; n != nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Node is one device on the hub. It is a transport.Adapter and lists its
// sessions.
type Node struct {
	id       transport.DeviceID
	hub      *Hub
	sessions *transport.Manager

	mu      sync.RWMutex
	handler transport.PacketHandler
}

var (
	_ transport.Adapter       = (*Node)(nil)
	_ transport.SessionLister = (*Node)(nil)
)

func (n *Node) ID() transport.DeviceID { return n.id }

// Sessions exposes the node's session manager.
func (n *Node) Sessions() *transport.Manager { return n.sessions }

func (n *Node) ListConnectedSessions() []transport.Session {
	return n.sessions.ListConnectedSessions()
}

func (n *Node) RegisterPacketHandler(h transport.PacketHandler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *Node) WritePacket(ctx context.Context, to transport.DeviceID, p packet.Packet) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dst, err := n.hub.reachable(n.id, to)
	if err != nil {
		return 0, err
	}
	b, err := n.hub.framer.Encode(protocol.Frame{From: n.id, Packet: p})
	if err != nil {
		return 0, err
	}
	dst.receive(b)
	return len(b), nil
}

func (n *Node) BroadcastPacket(ctx context.Context, p packet.Packet) error {
	b, err := n.hub.framer.Encode(protocol.Frame{From: n.id, Packet: p})
	if err != nil {
		return err
	}
	for _, dst := range n.hub.neighbours(n.id) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dst.receive(b)
	}
	return nil
}

// receive runs the handler on the sender's goroutine.
func (n *Node) receive(b []byte) {
	f, err := n.hub.framer.Decode(b)
	if err != nil {
		zap.L().Warn("mem: bad frame", zap.String("node", n.id), zap.Error(err))
		return
	}
	n.mu.RLock()
	h := n.handler
	n.mu.RUnlock()
	if h != nil {
		h(f.Packet, f.From)
	}
}
