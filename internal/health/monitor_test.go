package health

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/modelrt/internal/metrics"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

func testMonitor(t *testing.T) (*Monitor, *time.Time) {
	t.Helper()
	now := time.Unix(0, 0)
	clock := &now
	m := NewMonitor(DefaultThresholds(), DefaultStabilization(), nil, nil, WithClock(func() time.Time { return *clock }))
	return m, clock
}

func healthySnap() metrics.Snapshot {
	return metrics.Snapshot{Mean: 10, ThroughputOPS: 80}
}

func criticalSnap() metrics.Snapshot {
	return metrics.Snapshot{Mean: 60, ThroughputOPS: 10}
}

func TestEvaluateUnavailableOnEmptySnapshot(t *testing.T) {
	m, _ := testMonitor(t)
	state, err := m.Evaluate(context.Background(), metrics.Snapshot{}, false)
	if state.Status != types.HealthUnknown {
		t.Fatalf("expected unknown status, got %s", state.Status)
	}
	if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindHealthUnavailable {
		t.Fatalf("expected HealthUnavailable error, got %v", err)
	}
}

func TestEvaluateStaysHealthyUnderGoodSamples(t *testing.T) {
	m, clock := testMonitor(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		*clock = clock.Add(2 * time.Second)
		state, err := m.Evaluate(ctx, healthySnap(), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state.Status != types.HealthHealthy {
			t.Fatalf("expected healthy, got %s", state.Status)
		}
	}
}

// TestEvaluateMustTraverseDegraded confirms that a sustained critical
// reading moves healthy -> degraded first, never directly to unhealthy,
// and that the move requires confirmation_samples consecutive readings
// plus min_state_duration to have elapsed.
func TestEvaluateMustTraverseDegraded(t *testing.T) {
	m, clock := testMonitor(t)
	ctx := context.Background()

	var last types.HealthState
	for i := 0; i < 4; i++ {
		*clock = clock.Add(2 * time.Second)
		state, err := m.Evaluate(ctx, criticalSnap(), true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last = state
		if state.Status != types.HealthHealthy {
			t.Fatalf("expected still healthy before confirmation threshold, got %s at sample %d", state.Status, i)
		}
	}

	// Fifth confirming sample, at 5*2s=10s: min_state_duration (7s) has
	// elapsed and confirmation_samples (5) is met on this sample.
	*clock = clock.Add(2 * time.Second)
	last, err := m.Evaluate(ctx, criticalSnap(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last.Status != types.HealthDegraded {
		t.Fatalf("expected forced transition to degraded, got %s", last.Status)
	}
	if last.TransitionsInLastMinute != 1 {
		t.Fatalf("expected 1 transition recorded in the trailing minute, got %d", last.TransitionsInLastMinute)
	}
}

func TestEvaluateRecoveryTraversesDegradedBeforeHealthy(t *testing.T) {
	m, clock := testMonitor(t)
	ctx := context.Background()

	// Drive into unhealthy first.
	driveToStatus(t, m, clock, ctx, criticalSnap(), types.HealthDegraded)
	driveToStatus(t, m, clock, ctx, criticalSnap(), types.HealthUnhealthy)

	// Now recover: must land on degraded, not healthy, on first confirmed move.
	state := driveToStatus(t, m, clock, ctx, healthySnap(), types.HealthDegraded)
	if state.Status != types.HealthDegraded {
		t.Fatalf("expected degraded as intermediate recovery state, got %s", state.Status)
	}

	// Continued good samples eventually reach healthy.
	final := driveToStatus(t, m, clock, ctx, healthySnap(), types.HealthHealthy)
	if final.Status != types.HealthHealthy {
		t.Fatalf("expected eventual healthy recovery, got %s", final.Status)
	}
}

// driveToStatus feeds snap repeatedly (advancing the clock 2s each time,
// past the cooldown) until the monitor reaches want, or
// fails the test after a generous number of attempts.
func driveToStatus(t *testing.T, m *Monitor, clock *time.Time, ctx context.Context, snap metrics.Snapshot, want types.HealthStatus) types.HealthState {
	t.Helper()
	var state types.HealthState
	for i := 0; i < 50; i++ {
		*clock = clock.Add(2 * time.Second)
		var err error
		state, err = m.Evaluate(ctx, snap, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state.Status == want {
			return state
		}
	}
	t.Fatalf("never reached status %s, stuck at %s", want, state.Status)
	return state
}
