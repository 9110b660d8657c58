package mysql

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports a Conn's byte counters as prometheus metrics,
// pulling a fresh Stats() snapshot on every scrape.
type PrometheusCollector struct {
	conn *Conn

	bytesSent     *prometheus.Desc
	bytesReceived *prometheus.Desc
}

// NewPrometheusCollector returns a collector exposing conn's Stats().
func NewPrometheusCollector(conn *Conn) *PrometheusCollector {
	const ns = "mysql_conn"
	return &PrometheusCollector{
		conn:          conn,
		bytesSent:     prometheus.NewDesc(ns+"_bytes_sent_total", "Bytes written to the server on this connection.", nil, nil),
		bytesReceived: prometheus.NewDesc(ns+"_bytes_received_total", "Bytes read from the server on this connection.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesSent
	ch <- c.bytesReceived
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.conn.Stats()
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(stats.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(stats.BytesReceived))
}
