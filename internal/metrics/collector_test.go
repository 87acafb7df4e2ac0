package metrics

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func testMeter() *Collector {
	mp := noopmetric.MeterProvider{}
	return NewCollector(mp.Meter("test"))
}

func TestSnapshotEmptyReturnsFalse(t *testing.T) {
	c := testMeter()
	if _, ok := c.Snapshot("missing"); ok {
		t.Fatalf("expected no snapshot for unknown name")
	}
}

func TestSnapshotAggregates(t *testing.T) {
	c := testMeter()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 10; i++ {
		c.Record(ctx, Sample{Name: "op", LatencyMS: float64(10 + i), Success: i != 9, Timestamp: now})
	}
	snap, ok := c.Snapshot("op")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if snap.Count != 10 {
		t.Fatalf("expected count 10, got %d", snap.Count)
	}
	if snap.ErrorRate <= 0 {
		t.Fatalf("expected nonzero error rate, got %f", snap.ErrorRate)
	}
	if snap.P95 < snap.Mean {
		t.Fatalf("p95 %f should be >= mean %f for increasing latencies", snap.P95, snap.Mean)
	}
}

func TestRecordPrunesOldSamples(t *testing.T) {
	c := NewCollector(noopmetric.MeterProvider{}.Meter("test"), WithWindow(50*time.Millisecond))
	ctx := context.Background()
	c.Record(ctx, Sample{Name: "op", LatencyMS: 5, Success: true, Timestamp: time.Now().Add(-time.Second)})
	c.Record(ctx, Sample{Name: "op", LatencyMS: 5, Success: true})
	snap, ok := c.Snapshot("op")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if snap.Count != 1 {
		t.Fatalf("expected stale sample pruned, got count %d", snap.Count)
	}
}
