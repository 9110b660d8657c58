package eventloop

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func collectDescs(t *testing.T, c prometheus.Collector) []*prometheus.Desc {
	t.Helper()
	ch := make(chan *prometheus.Desc, 32)
	c.Describe(ch)
	close(ch)
	var descs []*prometheus.Desc
	for d := range ch {
		descs = append(descs, d)
	}
	return descs
}

func collectMetrics(t *testing.T, c prometheus.Collector) []prometheus.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)
	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}
	return metrics
}

func TestPrometheusCollector_DescribeMatchesCollect(t *testing.T) {
	loop, err := New(WithMetrics(true))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _ = Run(loop, Thunk(func() *Promise {
		p, resolve, _ := NewPromise(loop)
		resolve(1)
		return p
	}))

	c := NewPrometheusCollector(loop)
	descs := collectDescs(t, c)
	metrics := collectMetrics(t, c)

	if len(descs) != len(metrics) {
		t.Fatalf("Describe() yielded %d descs, Collect() yielded %d metrics; want equal counts", len(descs), len(metrics))
	}
}

func TestPrometheusCollector_NilMetricsCollectsNothing(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c := NewPrometheusCollector(loop)
	metrics := collectMetrics(t, c)
	if len(metrics) != 0 {
		t.Errorf("Collect() on a loop without WithMetrics(true) yielded %d metrics, want 0", len(metrics))
	}
}
