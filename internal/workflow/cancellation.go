package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/modelrt/internal/types"
)

// trackedExecution pairs a running WorkflowExecution with the means to
// stop it.
type trackedExecution struct {
	exec        *types.WorkflowExecution
	cancel      context.CancelFunc
	reason      string
	cancelledAt time.Time
	status      types.ExecutionStatus
}

// cancellationManager tracks in-flight executions so they can be
// cancelled by id and reaped once finished. It spawns no background
// goroutine; callers own the Cleanup schedule.
type cancellationManager struct {
	mu     sync.RWMutex
	active map[string]*trackedExecution

	cancellations metric.Int64Counter
}

func newCancellationManager(meter metric.Meter) *cancellationManager {
	var counter metric.Int64Counter
	if meter != nil {
		counter, _ = meter.Int64Counter("modelrt_workflow_cancellations_total")
	}
	return &cancellationManager{
		active:        make(map[string]*trackedExecution),
		cancellations: counter,
	}
}

func (cm *cancellationManager) register(id string, exec *types.WorkflowExecution, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[id] = &trackedExecution{exec: exec, cancel: cancel, status: types.ExecutionRunning}
}

// Cancel stops the tracked execution id, recording reason, or reports
// an error if it is unknown or already finished.
func (cm *cancellationManager) Cancel(ctx context.Context, id, reason string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	t, ok := cm.active[id]
	if !ok {
		return fmt.Errorf("workflow execution not found or already completed: %s", id)
	}
	if t.status != types.ExecutionRunning {
		return fmt.Errorf("workflow execution is not running: %s (status: %s)", id, t.status)
	}

	t.cancel()
	t.reason = reason
	t.cancelledAt = time.Now()
	t.status = types.ExecutionCancelled

	if cm.cancellations != nil {
		cm.cancellations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow_id", t.exec.WorkflowID),
			attribute.String("reason", reason),
		))
	}
	return nil
}

// complete marks id with its terminal status; it stays queryable until
// Cleanup reaps it.
func (cm *cancellationManager) complete(id string, status types.ExecutionStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if t, ok := cm.active[id]; ok {
		t.status = status
	}
}

// GetStatus reports the tracked status of id, if still tracked.
func (cm *cancellationManager) GetStatus(id string) (types.ExecutionStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	t, ok := cm.active[id]
	if !ok {
		return "", false
	}
	return t.status, true
}

// ListActive returns executions still in ExecutionRunning state.
func (cm *cancellationManager) ListActive() []*types.WorkflowExecution {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*types.WorkflowExecution, 0)
	for _, t := range cm.active {
		if t.status == types.ExecutionRunning {
			out = append(out, t.exec)
		}
	}
	return out
}

// CancelAll stops every running execution, for graceful shutdown.
func (cm *cancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cancelled := 0
	for id, t := range cm.active {
		if t.status == types.ExecutionRunning {
			t.cancel()
			t.reason = reason
			t.cancelledAt = time.Now()
			t.status = types.ExecutionCancelled
			if cm.cancellations != nil {
				cm.cancellations.Add(ctx, 1, metric.WithAttributes(
					attribute.String("workflow_id", t.exec.WorkflowID),
					attribute.String("reason", reason),
				))
			}
			cancelled++
		}
		delete(cm.active, id)
	}
	return cancelled
}

// Cleanup removes finished (non-running) entries older than retention.
func (cm *cancellationManager) Cleanup(retention time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for id, t := range cm.active {
		if t.status == types.ExecutionRunning {
			continue
		}
		completion := t.cancelledAt
		if completion.IsZero() {
			completion = t.exec.EndedAt
		}
		if !completion.IsZero() && now.Sub(completion) > retention {
			delete(cm.active, id)
			cleaned++
		}
	}
	return cleaned
}
