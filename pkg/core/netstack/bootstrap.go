// Package netstack builds the network link a node runs on from its config.
package netstack

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"meshrelay/pkg/config"
	"meshrelay/pkg/protocol"
	"meshrelay/pkg/transport"
	"meshrelay/pkg/transport/quic"
	"meshrelay/pkg/transport/udp"
)

// Link is a started-on-demand transport with session tracking.
type Link interface {
	transport.Adapter
	transport.SessionLister
	Start(ctx context.Context) error
	Close() error
}

var (
	_ Link = (*udp.Transport)(nil)
	_ Link = (*quic.Transport)(nil)
)

// FromConfig builds, but does not start, the link named by cfg.Transport.
func FromConfig(cfg *config.Config) (Link, error) {
	t := cfg.Transport
	kind := transport.ParseKind(t.Kind)
	format := protocol.ParseFormat(t.Format)
	if format == protocol.FormatUnknown {
		return nil, fmt.Errorf("netstack: unknown frame format %q", t.Format)
	}
	zap.L().Debug("building link", zap.Stringer("kind", kind), zap.String("listen", t.Listen), zap.Int("peers", len(t.Peers)))

	switch kind {
	case transport.KindUDP:
		peers := make([]udp.Peer, 0, len(t.Peers))
		for _, p := range t.Peers {
			peers = append(peers, udp.Peer{ID: p.ID, Addr: p.Addr})
		}
		tr, err := udp.New(udp.Options{
			Self:            cfg.NodeID,
			Listen:          t.Listen,
			Peers:           peers,
			Format:          format,
			Beacon:          t.Beacon,
			SleepAfter:      t.SleepAfter,
			DisconnectAfter: t.DisconnectAfter,
		})
		if err != nil {
			return nil, err
		}
		return tr, nil
	case transport.KindQUIC:
		peers := make([]quic.Peer, 0, len(t.Peers))
		for _, p := range t.Peers {
			peers = append(peers, quic.Peer{ID: p.ID, Addr: p.Addr})
		}
		tr, err := quic.New(quic.Options{
			Self:            cfg.NodeID,
			Listen:          t.Listen,
			Peers:           peers,
			Format:          format,
			Beacon:          t.Beacon,
			SleepAfter:      t.SleepAfter,
			DisconnectAfter: t.DisconnectAfter,
		})
		if err != nil {
			return nil, err
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("netstack: transport kind %q not available", t.Kind)
	}
}
