package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the health of the underlying pebble instance:
// compaction debt, memtable pressure and WAL volume. Hosts that
// scrape register it next to the sync counters.
type Collector struct {
	db    *pebble.DB
	descs []gaugeDesc
}

type gaugeDesc struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(*pebble.Metrics) float64
}

func NewCollector(s *Store) *Collector {
	d := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("pocket_store_"+name, help, nil, nil)
	}
	return &Collector{
		db: s.db,
		descs: []gaugeDesc{
			{d("compaction_count_total", "Compactions performed"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{d("compaction_estimated_debt_bytes", "Bytes pending compaction"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{d("memtable_size_bytes", "Current memtable size"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{d("memtable_count", "Live memtables"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{d("wal_size_bytes", "Live WAL data"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
			{d("wal_bytes_written_total", "Physical bytes written to the WAL"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.descs {
		ch <- g.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()
	for _, g := range c.descs {
		ch <- prometheus.MustNewConstMetric(g.desc, g.typ, g.value(m))
	}
}
