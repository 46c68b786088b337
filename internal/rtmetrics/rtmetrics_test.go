package rtmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"rtnet/internal/rtskb"
	"rtnet/internal/skbring"
	"rtnet/internal/tdma"
)

func collect(t *testing.T, c *Collector) []prometheus.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var d dto.Metric
	if err := m.Write(&d); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if d.Gauge != nil {
		return d.Gauge.GetValue()
	}
	return d.Counter.GetValue()
}

func TestCollectPoolStats(t *testing.T) {
	pool := rtskb.NewPool("test", 4, rtskb.DefaultMaxSize)
	skb, _ := pool.Alloc(8)

	c := New()
	c.AddPool("test", pool)

	metrics := collect(t, c)
	if len(metrics) != 3 {
		t.Fatalf("expected 3 pool metrics, got %d", len(metrics))
	}
	pool.Free(skb)
}

func TestCollectRingStats(t *testing.T) {
	r := skbring.New(2)
	pool := rtskb.NewPool("r", 4, rtskb.DefaultMaxSize)
	skb1, _ := pool.Alloc(4)
	skb2, _ := pool.Alloc(4)
	skb3, _ := pool.Alloc(4)
	r.Push(skb1)
	r.Push(skb2)
	r.Push(skb3) // ring of size 2: third push should drop

	c := New()
	c.AddRing("rx", r)
	metrics := collect(t, c)
	if len(metrics) != 2 {
		t.Fatalf("expected 2 ring metrics, got %d", len(metrics))
	}
	for _, m := range metrics {
		if metricValue(t, m) < 0 {
			t.Fatal("unexpected negative metric value")
		}
	}
}

func TestCollectTDMAStats(t *testing.T) {
	e := tdma.NewEngine(tdma.Config{Role: tdma.RoleBackup})
	c := New()
	c.AddTDMA("tdma0", e)
	metrics := collect(t, c)
	if len(metrics) != 2 {
		t.Fatalf("expected 2 tdma metrics, got %d", len(metrics))
	}
}

func TestDescribeEmitsEverySource(t *testing.T) {
	c := New()
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	if n != 7 {
		t.Fatalf("expected 7 descriptors, got %d", n)
	}
}
