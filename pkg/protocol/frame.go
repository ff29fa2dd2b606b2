// Package protocol defines the link frame exchanged between adjacent devices.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"meshrelay/pkg/packet"
	"meshrelay/pkg/protocol/codec"
)

// Fixed 8-byte frame header, little-endian:
//
//	0 ..1  Magic   'M''R' (0x524d)
//	2      Version u8
//	3      Format  u8
//	4 ..7  BodyLen u32
const (
	headerSize = 8
	magicWord  = uint16(0x524d)
	Version    = 1
	// maxBody bounds a body: payload plus sender, ids and encoding overhead.
	maxBody = packet.MaxPayload + 512
)

var (
	ErrShortFrame = errors.New("protocol: short frame")
	ErrBadMagic   = errors.New("protocol: bad magic")
	ErrVersion    = errors.New("protocol: unsupported version")
	ErrBodySize   = errors.New("protocol: body size out of range")
)

// Frame is what travels over one hop: the packet and the device that
// transmitted it on this link (not the original author). A beacon frame
// carries no packet and only keeps the link alive.
type Frame struct {
	From   string        `cbor:"1,keyasint" json:"from"`
	Packet packet.Packet `cbor:"2,keyasint" json:"packet"`
	Beacon bool          `cbor:"3,keyasint,omitempty" json:"beacon,omitempty"`
}

// Framer encodes and decodes frames with the codecs of a registry.
type Framer struct {
	reg    *codec.Registry
	format Format
}

// NewFramer returns a Framer writing format f. Decoding accepts any format
// the registry knows.
func NewFramer(reg *codec.Registry, f Format) (*Framer, error) {
	if _, err := codecFor(reg, f); err != nil {
		return nil, err
	}
	return &Framer{reg: reg, format: f}, nil
}

func codecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	if c := r.Get(f.String()); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("protocol: no codec for format %d", f)
}

// Encode validates the packet and returns header + body.
func (fr *Framer) Encode(f Frame) ([]byte, error) {
	if err := f.Packet.Validate(); err != nil {
		return nil, err
	}
	c, _ := codecFor(fr.reg, fr.format)
	body, err := c.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxBody {
		return nil, ErrBodySize
	}
	out := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint16(out[0:2], magicWord)
	out[2] = Version
	out[3] = byte(fr.format)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// Decode parses one frame occupying all of b.
func (fr *Framer) Decode(b []byte) (Frame, error) {
	if len(b) < headerSize {
		return Frame{}, ErrShortFrame
	}
	if binary.LittleEndian.Uint16(b[0:2]) != magicWord {
		return Frame{}, ErrBadMagic
	}
	if b[2] != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrVersion, b[2])
	}
	n := binary.LittleEndian.Uint32(b[4:8])
	if n > maxBody || int(n) != len(b)-headerSize {
		return Frame{}, ErrBodySize
	}
	c, err := codecFor(fr.reg, Format(b[3]))
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := c.Unmarshal(b[headerSize:], &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Packet.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
