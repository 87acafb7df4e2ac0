// Package metrics keeps a windowed ring of latency samples per name and
// derives rolling aggregates (count, mean, p95, throughput, error rate).
// Writes serialize on an internal lock; reads get a point-in-time copy.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/modelrt/internal/rterr"
)

// Sample is one recorded latency observation.
type Sample struct {
	Name      string
	LatencyMS float64
	Success   bool
	Timestamp time.Time
}

// Snapshot is the read-only, point-in-time aggregate for one name.
type Snapshot struct {
	Name           string
	Count          int
	Mean           float64
	P95            float64
	ThroughputOPS  float64
	ErrorRate      float64
	OldestSample   time.Time
	NewestSample   time.Time
}

// Collector is the ring-buffered sample store for a single process.
type Collector struct {
	mu     sync.Mutex
	window time.Duration
	byName map[string][]Sample

	recordCounter metric.Int64Counter
}

// Option configures a Collector at construction.
type Option func(*Collector)

// WithWindow overrides the default 5-minute retention window.
func WithWindow(d time.Duration) Option {
	return func(c *Collector) { c.window = d }
}

// NewCollector constructs a Collector. meter may be a noop meter in tests.
func NewCollector(meter metric.Meter, opts ...Option) *Collector {
	c := &Collector{
		window: 5 * time.Minute,
		byName: make(map[string][]Sample),
	}
	if meter != nil {
		c.recordCounter, _ = meter.Int64Counter("modelrt_metrics_samples_recorded_total")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record appends a sample and prunes samples older than the window.
func (c *Collector) Record(ctx context.Context, s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	samples := append(c.byName[s.Name], s)
	cutoff := s.Timestamp.Add(-c.window)
	samples = pruneOlderThan(samples, cutoff)
	c.byName[s.Name] = samples

	if c.recordCounter != nil {
		c.recordCounter.Add(ctx, 1)
	}
}

func pruneOlderThan(samples []Sample, cutoff time.Time) []Sample {
	kept := samples[:0:0]
	for _, s := range samples {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Snapshot computes the rolling aggregate for name. It returns
// (Snapshot{}, false) when no samples remain in the window; callers map
// that to HealthUnavailable.
func (c *Collector) Snapshot(name string) (Snapshot, bool) {
	c.mu.Lock()
	samples := make([]Sample, len(c.byName[name]))
	copy(samples, c.byName[name])
	window := c.window
	c.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	samples = pruneOlderThan(samples, cutoff)
	if len(samples) == 0 {
		return Snapshot{}, false
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	var sum float64
	var errs int
	latencies := make([]float64, 0, len(samples))
	throughputCutoff := now.Add(-60 * time.Second)
	throughputCount := 0
	for _, s := range samples {
		sum += s.LatencyMS
		latencies = append(latencies, s.LatencyMS)
		if !s.Success {
			errs++
		}
		if s.Timestamp.After(throughputCutoff) {
			throughputCount++
		}
	}

	sort.Float64s(latencies)
	p95 := percentile(latencies, 0.95)

	return Snapshot{
		Name:          name,
		Count:         len(samples),
		Mean:          sum / float64(len(samples)),
		P95:           p95,
		ThroughputOPS: float64(throughputCount) / 60.0,
		ErrorRate:     float64(errs) / float64(len(samples)),
		OldestSample:  samples[0].Timestamp,
		NewestSample:  samples[len(samples)-1].Timestamp,
	}, true
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Names returns all currently tracked sample names.
func (c *Collector) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	return names
}

// ErrUnavailable is returned by callers of Snapshot when no samples exist
// for longer than the retention window.
var ErrUnavailable = rterr.ErrHealthUnavailable
