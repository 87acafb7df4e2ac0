// Package health tracks a hysteretic 3-state machine over
// latency/throughput aggregates with explicit anti-flap controls
// (confirmation samples, minimum state duration, cooldown,
// transition-rate cap) and a forced progression through "degraded"
// between healthy and unhealthy.
package health

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/modelrt/internal/events"
	"github.com/swarmguard/modelrt/internal/metrics"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

// Thresholds holds the configurable latency/throughput boundaries.
type Thresholds struct {
	LatencyWarningMS      float64
	LatencyCriticalMS     float64
	LatencyRecoveryMS     float64
	ThroughputWarningOPS  float64
	ThroughputCriticalOPS float64
	ThroughputRecoveryOPS float64
}

// DefaultThresholds returns the default latency/throughput boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyWarningMS:      30,
		LatencyCriticalMS:     45,
		LatencyRecoveryMS:     25,
		ThroughputWarningOPS:  55,
		ThroughputCriticalOPS: 30,
		ThroughputRecoveryOPS: 60,
	}
}

// Stabilization holds anti-flap controls.
type Stabilization struct {
	MinStateDuration     time.Duration
	ConfirmationSamples  int
	Cooldown             time.Duration
	MaxTransitionsPerMin int
}

// DefaultStabilization returns the default anti-flap controls.
func DefaultStabilization() Stabilization {
	return Stabilization{
		MinStateDuration:     7 * time.Second,
		ConfirmationSamples:  5,
		Cooldown:             1500 * time.Millisecond,
		MaxTransitionsPerMin: 8,
	}
}

// Monitor tracks one component's hysteretic health state.
type Monitor struct {
	mu sync.Mutex

	thresholds    Thresholds
	stabilization Stabilization
	nowFn         func() time.Time

	state           types.HealthState
	candidateTarget types.HealthStatus
	candidateStreak int
	lastTransition  time.Time
	transitionLog   []time.Time

	bus    *events.Bus
	tracer trace.Tracer
	gauge  metric.Int64Gauge
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithClock overrides time.Now, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) { m.nowFn = fn }
}

// WithEvents attaches an event bus for transition notifications.
func WithEvents(bus *events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// NewMonitor constructs a Monitor starting in the healthy state.
func NewMonitor(thresholds Thresholds, stabilization Stabilization, meter metric.Meter, tracer trace.Tracer, opts ...Option) *Monitor {
	m := &Monitor{
		thresholds:    thresholds,
		stabilization: stabilization,
		nowFn:         time.Now,
		tracer:        tracer,
	}
	if meter != nil {
		m.gauge, _ = meter.Int64Gauge("modelrt_health_status")
	}
	for _, opt := range opts {
		opt(m)
	}
	now := m.nowFn()
	m.state = types.HealthState{Status: types.HealthHealthy, Since: now}
	m.lastTransition = now
	return m
}

// Evaluate folds one metrics.Snapshot into the state machine and returns
// the resulting HealthState. If snap has zero samples (ok=false from the
// collector), it returns HealthUnknown and rterr.ErrHealthUnavailable
// without mutating persisted state.
func (m *Monitor) Evaluate(ctx context.Context, snap metrics.Snapshot, ok bool) (types.HealthState, error) {
	if !ok {
		return types.HealthState{Status: types.HealthUnknown}, rterr.ErrHealthUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()

	degradedCandidate := snap.Mean >= m.thresholds.LatencyWarningMS || snap.ThroughputOPS <= m.thresholds.ThroughputWarningOPS
	unhealthyCandidate := snap.Mean >= m.thresholds.LatencyCriticalMS || snap.ThroughputOPS <= m.thresholds.ThroughputCriticalOPS
	recoveryCandidate := snap.Mean <= m.thresholds.LatencyRecoveryMS && snap.ThroughputOPS >= m.thresholds.ThroughputRecoveryOPS

	target := m.nextTarget(m.state.Status, degradedCandidate, unhealthyCandidate, recoveryCandidate)

	if target == m.state.Status {
		m.candidateTarget = ""
		m.candidateStreak = 0
		m.state.ConfirmationSamplesSeen = 0
		m.trimTransitionLog(now)
		m.state.TransitionsInLastMinute = len(m.transitionLog)
		return m.state, nil
	}

	if target == m.candidateTarget {
		m.candidateStreak++
	} else {
		m.candidateTarget = target
		m.candidateStreak = 1
	}
	m.state.ConfirmationSamplesSeen = m.candidateStreak

	m.trimTransitionLog(now)
	m.state.TransitionsInLastMinute = len(m.transitionLog)

	canTransition := m.candidateStreak >= m.stabilization.ConfirmationSamples &&
		now.Sub(m.state.Since) >= m.stabilization.MinStateDuration &&
		len(m.transitionLog) < m.stabilization.MaxTransitionsPerMin &&
		now.Sub(m.lastTransition) >= m.stabilization.Cooldown

	if canTransition {
		prev := m.state.Status
		m.transitionLog = append(m.transitionLog, now)
		m.state = types.HealthState{Status: target, Since: now, TransitionsInLastMinute: len(m.transitionLog)}
		m.lastTransition = now
		m.candidateStreak = 0
		m.candidateTarget = ""

		if m.bus != nil {
			m.bus.Emit(ctx, events.Event{
				Kind: events.KindMetricsUpdated,
				Fields: map[string]interface{}{
					"component":  "health",
					"from":       string(prev),
					"to":         string(target),
					"confirmed_at": now,
				},
			})
		}
		if m.gauge != nil {
			m.gauge.Record(ctx, statusOrdinal(target))
		}
	}

	return m.state, nil
}

// nextTarget applies the forced-progression rule: moves must traverse
// degraded; healthy<->unhealthy directly is forbidden.
func (m *Monitor) nextTarget(current types.HealthStatus, degraded, unhealthy, recovery bool) types.HealthStatus {
	switch current {
	case types.HealthHealthy:
		if unhealthy || degraded {
			return types.HealthDegraded
		}
		return types.HealthHealthy
	case types.HealthDegraded:
		if unhealthy {
			return types.HealthUnhealthy
		}
		if recovery {
			return types.HealthHealthy
		}
		return types.HealthDegraded
	case types.HealthUnhealthy:
		if recovery {
			return types.HealthDegraded
		}
		return types.HealthUnhealthy
	default:
		return types.HealthHealthy
	}
}

func (m *Monitor) trimTransitionLog(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := m.transitionLog[:0:0]
	for _, t := range m.transitionLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.transitionLog = kept
}

// State returns the current HealthState without evaluating new samples.
func (m *Monitor) State() types.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func statusOrdinal(s types.HealthStatus) int64 {
	switch s {
	case types.HealthHealthy:
		return 0
	case types.HealthDegraded:
		return 1
	case types.HealthUnhealthy:
		return 2
	default:
		return -1
	}
}
