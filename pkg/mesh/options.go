package mesh

import (
	"time"

	"meshrelay/pkg/packet"
)

// Options configure an Engine. Zero values take the defaults noted per field.
type Options struct {
	// Name labels log lines, typically the local device id.
	Name string
	// Self is the local author identity; packets carrying it are never
	// accepted back from the mesh. Zero disables the check.
	Self packet.SenderID

	DefaultTTL     uint8         // 7; also used to estimate hop distance
	BloomBits      uint          // 8192
	BloomHashes    uint          // 4
	DedupEntries   int           // 1024
	DedupWindow    time.Duration // 60s
	RouteIdle      time.Duration // 60s
	HistoryTTL     time.Duration // 60s
	HistoryMaxKB   uint64        // 0 = unbounded by size
	QueueSize      int           // 100
	QueueMaxAge    time.Duration // 5s
	RelayPace      time.Duration // 50ms; negative disables pacing
	ShapeBytesPerS int64         // 0 disables the byte-rate shaper
	CleanupEvery   time.Duration // 30s

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultTTL == 0 {
		o.DefaultTTL = packet.DefaultTTL
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 60 * time.Second
	}
	if o.RouteIdle <= 0 {
		o.RouteIdle = 60 * time.Second
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = 60 * time.Second
	}
	if o.CleanupEvery <= 0 {
		o.CleanupEvery = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
