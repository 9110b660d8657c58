package mysqlpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports a Pool's occupancy as prometheus gauges,
// pulling a fresh Size() snapshot on every scrape.
type PrometheusCollector struct {
	pool *Pool

	idle   *prometheus.Desc
	leased *prometheus.Desc
}

// NewPrometheusCollector returns a collector exposing pool's Size().
func NewPrometheusCollector(pool *Pool) *PrometheusCollector {
	const ns = "mysqlpool"
	return &PrometheusCollector{
		pool:   pool,
		idle:   prometheus.NewDesc(ns+"_idle_connections", "Connections currently idle in the pool.", nil, nil),
		leased: prometheus.NewDesc(ns+"_leased_connections", "Connections currently leased from the pool.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.idle
	ch <- c.leased
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	idle, leased := c.pool.Size()
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(idle))
	ch <- prometheus.MustNewConstMetric(c.leased, prometheus.GaugeValue, float64(leased))
}
