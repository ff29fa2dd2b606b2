package transport

import (
	"context"
	"errors"

	"meshrelay/pkg/packet"
)

// Kind identifies the link type, for logs and metrics labels.
type Kind int

const (
	KindUnknown Kind = iota
	KindMem
	KindUDP
	KindQUIC
)

func (k Kind) String() string {
	switch k {
	case KindMem:
		return "mem"
	case KindUDP:
		return "udp"
	case KindQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "mem":
		return KindMem
	case "udp":
		return KindUDP
	case "quic":
		return KindQUIC
	default:
		return KindUnknown
	}
}

// DeviceID is a link-level address of a neighbouring device. It is distinct
// from packet.SenderID, which names a packet's original author.
type DeviceID = string

// LinkState is the usability of a session with a neighbour.
type LinkState int

const (
	Disconnected LinkState = iota
	Sleeping
	Connected
)

func (s LinkState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Sleeping:
		return "sleeping"
	default:
		return "disconnected"
	}
}

// Session is one neighbour and the current state of our link to it.
type Session struct {
	DeviceID DeviceID  `json:"device_id"`
	State    LinkState `json:"state"`
}

var (
	ErrUnknownDevice = errors.New("transport: unknown device")
	ErrLinkDown      = errors.New("transport: link down")
	ErrClosed        = errors.New("transport: closed")
)

// PacketHandler receives every packet arriving on a link together with the
// device that transmitted it.
type PacketHandler func(p packet.Packet, from DeviceID)

// Adapter moves packets across single hops.
type Adapter interface {
	// RegisterPacketHandler replaces the inbound handler.
	RegisterPacketHandler(PacketHandler)
	// WritePacket sends p to one device and returns the bytes put on the link.
	WritePacket(ctx context.Context, to DeviceID, p packet.Packet) (int, error)
	// BroadcastPacket sends p best-effort to every nearby device, connected
	// or not.
	BroadcastPacket(ctx context.Context, p packet.Packet) error
}

// SessionLister reports the neighbours with a known session.
type SessionLister interface {
	ListConnectedSessions() []Session
}
