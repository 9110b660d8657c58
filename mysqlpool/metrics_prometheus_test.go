package mysqlpool

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

func TestPool_PrometheusCollectorReportsSize(t *testing.T) {
	addr := startFakeMySQLServer(t)
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New() error = %v", err)
	}

	cfg := testPoolConfig(t, addr, 0, 2)
	pool, err := New(loop, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer pool.Close()

	c := NewPrometheusCollector(pool)

	descCh := make(chan *prometheus.Desc, 4)
	c.Describe(descCh)
	close(descCh)
	var descCount int
	for range descCh {
		descCount++
	}
	if descCount != 2 {
		t.Fatalf("Describe() yielded %d descs, want 2", descCount)
	}

	metricCh := make(chan prometheus.Metric, 4)
	c.Collect(metricCh)
	close(metricCh)
	var metricCount int
	for range metricCh {
		metricCount++
	}
	if metricCount != 2 {
		t.Fatalf("Collect() yielded %d metrics, want 2 (idle, leased)", metricCount)
	}
}
