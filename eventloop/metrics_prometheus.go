package eventloop

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports a Loop's Metrics (see WithMetrics) as a
// prometheus.Collector. It follows the pull model: Collect reads a fresh
// snapshot from the Loop at scrape time, instead of every task execution
// pushing a Set/Observe call onto a package-global registry, so instrumentation
// cost is paid once per scrape rather than on the loop's hot path.
type PrometheusCollector struct {
	loop *Loop

	taskLatencyP50  *prometheus.Desc
	taskLatencyP90  *prometheus.Desc
	taskLatencyP95  *prometheus.Desc
	taskLatencyP99  *prometheus.Desc
	taskLatencyMax  *prometheus.Desc
	transactionRate *prometheus.Desc
	ingressDepth    *prometheus.Desc
	internalDepth   *prometheus.Desc
	microtaskDepth  *prometheus.Desc
}

// NewPrometheusCollector returns a collector exposing loop's Metrics.
// Collect emits nothing if loop was not created with WithMetrics(true).
func NewPrometheusCollector(loop *Loop) *PrometheusCollector {
	const ns = "eventloop"
	return &PrometheusCollector{
		loop:            loop,
		taskLatencyP50:  prometheus.NewDesc(ns+"_task_latency_p50_seconds", "P50 task execution latency.", nil, nil),
		taskLatencyP90:  prometheus.NewDesc(ns+"_task_latency_p90_seconds", "P90 task execution latency.", nil, nil),
		taskLatencyP95:  prometheus.NewDesc(ns+"_task_latency_p95_seconds", "P95 task execution latency.", nil, nil),
		taskLatencyP99:  prometheus.NewDesc(ns+"_task_latency_p99_seconds", "P99 task execution latency.", nil, nil),
		taskLatencyMax:  prometheus.NewDesc(ns+"_task_latency_max_seconds", "Maximum observed task execution latency.", nil, nil),
		transactionRate: prometheus.NewDesc(ns+"_transactions_per_second", "Rolling-window transaction throughput.", nil, nil),
		ingressDepth:    prometheus.NewDesc(ns+"_ingress_queue_depth", "Current external ingress queue depth.", nil, nil),
		internalDepth:   prometheus.NewDesc(ns+"_internal_queue_depth", "Current internal priority queue depth.", nil, nil),
		microtaskDepth:  prometheus.NewDesc(ns+"_microtask_queue_depth", "Current microtask ring buffer depth.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.taskLatencyP50
	ch <- c.taskLatencyP90
	ch <- c.taskLatencyP95
	ch <- c.taskLatencyP99
	ch <- c.taskLatencyMax
	ch <- c.transactionRate
	ch <- c.ingressDepth
	ch <- c.internalDepth
	ch <- c.microtaskDepth
}

// Collect implements prometheus.Collector, pulling a fresh snapshot from
// the loop's Metrics.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.loop.Metrics()
	if m == nil {
		return
	}

	// Sample() refreshes the cached percentile fields from the P-Square
	// estimator; Collect is the only periodic caller of it, since nothing
	// else needs the percentiles outside of a scrape.
	m.Latency.Sample()
	m.Latency.mu.RLock()
	p50, p90, p95, p99, max := m.Latency.P50, m.Latency.P90, m.Latency.P95, m.Latency.P99, m.Latency.Max
	m.Latency.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.taskLatencyP50, prometheus.GaugeValue, p50.Seconds())
	ch <- prometheus.MustNewConstMetric(c.taskLatencyP90, prometheus.GaugeValue, p90.Seconds())
	ch <- prometheus.MustNewConstMetric(c.taskLatencyP95, prometheus.GaugeValue, p95.Seconds())
	ch <- prometheus.MustNewConstMetric(c.taskLatencyP99, prometheus.GaugeValue, p99.Seconds())
	ch <- prometheus.MustNewConstMetric(c.taskLatencyMax, prometheus.GaugeValue, max.Seconds())
	ch <- prometheus.MustNewConstMetric(c.transactionRate, prometheus.GaugeValue, m.TPSValue())

	m.Queue.mu.RLock()
	ingress, internal, microtask := m.Queue.IngressCurrent, m.Queue.InternalCurrent, m.Queue.MicrotaskCurrent
	m.Queue.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.ingressDepth, prometheus.GaugeValue, float64(ingress))
	ch <- prometheus.MustNewConstMetric(c.internalDepth, prometheus.GaugeValue, float64(internal))
	ch <- prometheus.MustNewConstMetric(c.microtaskDepth, prometheus.GaugeValue, float64(microtask))
}
