// Package rtmetrics exports RTnet's internal watermarks as Prometheus
// metrics: rtskb pool occupancy, skbring drop counts, and TDMA missed
// cycles. It is a pull-based prometheus.Collector, added to the same way
// a connection is added to a TCP-info collector: sources register
// themselves by name and the next scrape walks them. A registered source
// cannot be removed.
package rtmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"rtnet/internal/rtskb"
	"rtnet/internal/skbring"
	"rtnet/internal/tdma"
)

var (
	poolInUseDesc = prometheus.NewDesc(
		"rtnet_pool_in_use", "rtskbs currently allocated out of a pool.", []string{"pool"}, nil)
	poolPeakDesc = prometheus.NewDesc(
		"rtnet_pool_peak_in_use", "Peak rtskbs allocated out of a pool since creation.", []string{"pool"}, nil)
	poolAllocsDesc = prometheus.NewDesc(
		"rtnet_pool_allocs_total", "Cumulative successful allocations from a pool.", []string{"pool"}, nil)
	ringDropsDesc = prometheus.NewDesc(
		"rtnet_ring_drops_total", "Cumulative packets refused because a ring was full.", []string{"ring"}, nil)
	ringLenDesc = prometheus.NewDesc(
		"rtnet_ring_len", "Current queued entries in a ring.", []string{"ring"}, nil)
	tdmaMissedDesc = prometheus.NewDesc(
		"rtnet_tdma_missed_cycles_total", "Cycles a backup node had to take over for.", []string{"device"}, nil)
	tdmaBackupActiveDesc = prometheus.NewDesc(
		"rtnet_tdma_backup_active", "1 if a backup node is currently standing in as master.", []string{"device"}, nil)
)

type poolEntry struct {
	name string
	pool *rtskb.Pool
}

type ringEntry struct {
	name string
	ring *skbring.Ring
}

type tdmaEntry struct {
	device string
	engine *tdma.Engine
}

// Collector gathers every pool/ring/TDMA source registered with it and
// renders them on each Prometheus scrape.
type Collector struct {
	mu    sync.Mutex
	pools []poolEntry
	rings []ringEntry
	tdmas []tdmaEntry
}

func New() *Collector { return &Collector{} }

func (c *Collector) AddPool(name string, p *rtskb.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = append(c.pools, poolEntry{name: name, pool: p})
}

func (c *Collector) AddRing(name string, r *skbring.Ring) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rings = append(c.rings, ringEntry{name: name, ring: r})
}

func (c *Collector) AddTDMA(device string, e *tdma.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tdmas = append(c.tdmas, tdmaEntry{device: device, engine: e})
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- poolInUseDesc
	descs <- poolPeakDesc
	descs <- poolAllocsDesc
	descs <- ringDropsDesc
	descs <- ringLenDesc
	descs <- tdmaMissedDesc
	descs <- tdmaBackupActiveDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pe := range c.pools {
		stats := pe.pool.Stats()
		inUse := stats.Allocs - stats.Frees
		metrics <- prometheus.MustNewConstMetric(poolInUseDesc, prometheus.GaugeValue, float64(inUse), pe.name)
		metrics <- prometheus.MustNewConstMetric(poolPeakDesc, prometheus.GaugeValue, float64(stats.PeakInUse), pe.name)
		metrics <- prometheus.MustNewConstMetric(poolAllocsDesc, prometheus.CounterValue, float64(stats.Allocs), pe.name)
	}
	for _, re := range c.rings {
		metrics <- prometheus.MustNewConstMetric(ringDropsDesc, prometheus.CounterValue, float64(re.ring.Drops()), re.name)
		metrics <- prometheus.MustNewConstMetric(ringLenDesc, prometheus.GaugeValue, float64(re.ring.Len()), re.name)
	}
	for _, te := range c.tdmas {
		metrics <- prometheus.MustNewConstMetric(tdmaMissedDesc, prometheus.CounterValue, float64(te.engine.MissedCycles()), te.device)
		active := 0.0
		if te.engine.BackupActive() {
			active = 1.0
		}
		metrics <- prometheus.MustNewConstMetric(tdmaBackupActiveDesc, prometheus.GaugeValue, active, te.device)
	}
}
