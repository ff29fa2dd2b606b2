package mesh

import "sync/atomic"

// Stats is a snapshot of the engine counters. Counters only grow until
// ResetStats; ActiveRoutes is the current routing-table size.
type Stats struct {
	PacketsRelayed   uint64 `json:"packets_relayed"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	PacketsDuplicate uint64 `json:"packets_duplicate"`
	BytesRelayed     uint64 `json:"bytes_relayed"`
	ActiveRoutes     int    `json:"active_routes"`
}

type counters struct {
	relayed   atomic.Uint64
	dropped   atomic.Uint64
	duplicate atomic.Uint64
	bytes     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		PacketsRelayed:   c.relayed.Load(),
		PacketsDropped:   c.dropped.Load(),
		PacketsDuplicate: c.duplicate.Load(),
		BytesRelayed:     c.bytes.Load(),
	}
}

func (c *counters) reset() {
	c.relayed.Store(0)
	c.dropped.Store(0)
	c.duplicate.Store(0)
	c.bytes.Store(0)
}
