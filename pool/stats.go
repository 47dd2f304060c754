package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exports PoolStats as prometheus metrics.
type StatsCollector struct {
	p *Pool

	maxOpen       *prometheus.Desc
	open          *prometheus.Desc
	inUse         *prometheus.Desc
	idle          *prometheus.Desc
	waitCount     *prometheus.Desc
	waitDuration  *prometheus.Desc
	badConnClosed *prometheus.Desc
}

// NewStatsCollector creates a collector for p. Register it on a
// prometheus.Registerer to expose the pool gauges.
func NewStatsCollector(namespace string, p *Pool) *StatsCollector {
	fqName := func(name string) string {
		return prometheus.BuildFQName(namespace, "pool", name)
	}
	return &StatsCollector{
		p: p,
		maxOpen: prometheus.NewDesc(fqName("max_open_connections"),
			"Upper limit for open connections.", nil, nil),
		open: prometheus.NewDesc(fqName("open_connections"),
			"Established connections, leased and free together.", nil, nil),
		inUse: prometheus.NewDesc(fqName("in_use_connections"),
			"Currently leased connections.", nil, nil),
		idle: prometheus.NewDesc(fqName("idle_connections"),
			"Free connections.", nil, nil),
		waitCount: prometheus.NewDesc(fqName("wait_count_total"),
			"Total acquires that had to wait.", nil, nil),
		waitDuration: prometheus.NewDesc(fqName("wait_duration_seconds_total"),
			"Total time blocked waiting for a connection.", nil, nil),
		badConnClosed: prometheus.NewDesc(fqName("bad_conn_closed_total"),
			"Members discarded as broken.", nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxOpen
	ch <- c.open
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waitCount
	ch <- c.waitDuration
	ch <- c.badConnClosed
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.p.Stats()
	ch <- prometheus.MustNewConstMetric(c.maxOpen, prometheus.GaugeValue, float64(stats.MaxOpen))
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(stats.Open))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stats.Idle))
	ch <- prometheus.MustNewConstMetric(c.waitCount, prometheus.CounterValue, float64(stats.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.waitDuration, prometheus.CounterValue, stats.WaitDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(c.badConnClosed, prometheus.CounterValue, float64(stats.BadConnClosed))
}
