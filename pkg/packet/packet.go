// Package packet defines the unit of mesh traffic and its derived identity.
package packet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// MaxPayload is the largest payload a link will carry.
	MaxPayload = 512
	// DefaultTTL is the hop budget given to originated packets.
	DefaultTTL uint8 = 7
	// idPrefix is how many payload bytes feed the identity hash.
	idPrefix = 64
)

var ErrPayloadTooLarge = errors.New("packet: payload exceeds 512 bytes")

// SenderID identifies the original author of a packet.
type SenderID [16]byte

// NewSenderID returns a random sender identity.
func NewSenderID() SenderID { return SenderID(uuid.New()) }

// ParseSenderID accepts either a UUID string or 32 hex characters.
func ParseSenderID(s string) (SenderID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SenderID{}, fmt.Errorf("parse sender id %q: %w", s, err)
	}
	return SenderID(u), nil
}

func (s SenderID) String() string { return hex.EncodeToString(s[:]) }

// Packet is immutable once built; relaying produces a copy with a lower TTL.
type Packet struct {
	Sender    SenderID `cbor:"1,keyasint"`
	Timestamp int64    `cbor:"2,keyasint"` // unix ms, sender clock
	Payload   []byte   `cbor:"3,keyasint"`
	TTL       uint8    `cbor:"4,keyasint"`
}

// New builds a packet stamped with now and the default hop budget.
func New(sender SenderID, payload []byte, now time.Time) (Packet, error) {
	p := Packet{Sender: sender, Timestamp: now.UnixMilli(), Payload: append([]byte(nil), payload...), TTL: DefaultTTL}
	if err := p.Validate(); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// Validate checks the size bound enforced by transports.
func (p Packet) Validate() error {
	if len(p.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	return nil
}

// ID is the packet identity used for duplicate and loop suppression:
// sender, timestamp and a non-cryptographic hash of the payload prefix.
// It is not an integrity check.
func (p Packet) ID() string {
	pre := p.Payload
	if len(pre) > idPrefix {
		pre = pre[:idPrefix]
	}
	h := xxhash.Sum64(pre)
	b := make([]byte, 0, 32+1+20+1+16)
	b = hex.AppendEncode(b, p.Sender[:])
	b = append(b, ':')
	b = strconv.AppendInt(b, p.Timestamp, 10)
	b = append(b, ':')
	b = strconv.AppendUint(b, h, 16)
	return string(b)
}

// Hop returns the packet as it leaves this device: TTL reduced by one.
// Callers must not relay a packet whose TTL is already zero.
func (p Packet) Hop() Packet {
	q := p
	if q.TTL > 0 {
		q.TTL--
	}
	return q
}

// Size is the number of payload bytes counted against relay budgets.
func (p Packet) Size() int { return len(p.Payload) }
