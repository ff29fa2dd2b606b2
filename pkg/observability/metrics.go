package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"meshrelay/pkg/core/relayq"
	"meshrelay/pkg/memkv"
	"meshrelay/pkg/mesh"
	"meshrelay/pkg/routing"
)

// StatsSource is what the collector reads on every scrape. *mesh.Engine
// satisfies it.
type StatsSource interface {
	Stats() mesh.Stats
	QueueStatus() relayq.Status
	AllRoutes() []routing.Entry
	HistoryStats() memkv.Stats
}

// Collector exports engine counters, queue occupancy, relay history usage and
// per-neighbour route quality. Values are read at scrape time, so nothing is cached.
type Collector struct {
	src StatsSource

	relayed   *prometheus.Desc
	dropped   *prometheus.Desc
	duplicate *prometheus.Desc
	bytes     *prometheus.Desc
	routes    *prometheus.Desc
	queueLen  *prometheus.Desc
	queueCap  *prometheus.Desc
	draining  *prometheus.Desc
	success   *prometheus.Desc
	hops      *prometheus.Desc

	histKeys    *prometheus.Desc
	histBytes   *prometheus.Desc
	histExpired *prometheus.Desc
	histRejects *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector labels every series with node.
func NewCollector(src StatsSource, node string) *Collector {
	cl := prometheus.Labels{"node": node}
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("meshrelay_"+name, help, labels, cl)
	}
	return &Collector{
		src:       src,
		relayed:   d("packets_relayed_total", "Confirmed single-hop relay writes."),
		dropped:   d("packets_dropped_total", "Packets shed by the relay queue."),
		duplicate: d("packets_duplicate_total", "Inbound packets suppressed as already seen."),
		bytes:     d("bytes_relayed_total", "Bytes put on links by confirmed relays."),
		routes:    d("active_routes", "Neighbours with a routing entry."),
		queueLen:  d("relay_queue_size", "Packets waiting for relay."),
		queueCap:  d("relay_queue_capacity", "Relay queue bound."),
		draining:  d("relay_queue_processing", "1 while the drain loop runs."),
		success:   d("route_success_rate", "Relay success rate per neighbour.", "device"),
		hops:      d("route_hop_count", "Estimated hop distance per neighbour.", "device"),

		histKeys:    d("relay_history_entries", "Packet identities with a relay history."),
		histBytes:   d("relay_history_bytes", "Encoded size of all relay histories."),
		histExpired: d("relay_history_expired_total", "Histories reclaimed after their lifetime."),
		histRejects: d("relay_history_rejects_total", "History updates refused by the size cap."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.relayed, c.dropped, c.duplicate, c.bytes, c.routes,
		c.queueLen, c.queueCap, c.draining, c.success, c.hops,
		c.histKeys, c.histBytes, c.histExpired, c.histRejects,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.relayed, prometheus.CounterValue, float64(st.PacketsRelayed))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(st.PacketsDropped))
	ch <- prometheus.MustNewConstMetric(c.duplicate, prometheus.CounterValue, float64(st.PacketsDuplicate))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.BytesRelayed))
	ch <- prometheus.MustNewConstMetric(c.routes, prometheus.GaugeValue, float64(st.ActiveRoutes))

	q := c.src.QueueStatus()
	ch <- prometheus.MustNewConstMetric(c.queueLen, prometheus.GaugeValue, float64(q.Size))
	ch <- prometheus.MustNewConstMetric(c.queueCap, prometheus.GaugeValue, float64(q.MaxSize))
	processing := 0.0
	if q.IsProcessing {
		processing = 1
	}
	ch <- prometheus.MustNewConstMetric(c.draining, prometheus.GaugeValue, processing)

	h := c.src.HistoryStats()
	ch <- prometheus.MustNewConstMetric(c.histKeys, prometheus.GaugeValue, float64(h.Keys))
	ch <- prometheus.MustNewConstMetric(c.histBytes, prometheus.GaugeValue, float64(h.Bytes))
	ch <- prometheus.MustNewConstMetric(c.histExpired, prometheus.CounterValue, float64(h.Expired))
	ch <- prometheus.MustNewConstMetric(c.histRejects, prometheus.CounterValue, float64(h.Rejects))

	for _, r := range c.src.AllRoutes() {
		ch <- prometheus.MustNewConstMetric(c.success, prometheus.GaugeValue, r.SuccessRate, r.DeviceID)
		ch <- prometheus.MustNewConstMetric(c.hops, prometheus.GaugeValue, float64(r.HopCount), r.DeviceID)
	}
}
