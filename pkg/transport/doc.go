// Package transport defines the link boundary of the relay engine: adapters
// that move single packets between adjacent devices, and a Manager tracking
// which of those links are currently usable.
//
// Implementations:
//   - mem:  in-process hub with explicit radio range, for tests and simulation
//   - udp:  datagrams to statically configured neighbours
//   - quic: unreliable QUIC datagrams over a TLS 1.3 session per neighbour
package transport
