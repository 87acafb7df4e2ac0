// Package workflow drives a Workflow through its step graph (pending ->
// running -> {completed, failed, cancelled}), resolving each step's
// inputs from parameters, prior step output, or shared context,
// submitting non-transformation steps as tasks and routing
// transformation steps through the context transformer, branching on
// conditional steps, retrying failed steps with a capped exponential
// backoff, and persisting every step result via workflowstore as it
// goes.
//
// Steps advance one at a time along NextSteps edges: step graphs branch
// but do not fan out, so a linked walk suffices.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/transform"
	"github.com/swarmguard/modelrt/internal/types"
	"github.com/swarmguard/modelrt/internal/workflowstore"
)

// TaskSubmitter dispatches one workflow step as a task, typically backed
// by the ModelOrchestrator's ExecuteTask.
type TaskSubmitter func(ctx context.Context, task types.Task) (types.TaskResult, error)

// ResourceReleaser drains any per-model state a cancelled execution
// leaves behind. *resource.Manager satisfies this via its Remove method.
type ResourceReleaser interface {
	Remove(modelID string) error
}

// RetryPolicy bounds per-step retry attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy is base 100ms, x2, capped at 1s, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
}

// Executor drives Workflow executions through their step graphs.
type Executor struct {
	store       *workflowstore.Store
	transformer *transform.Transformer
	releaser    ResourceReleaser
	retry       RetryPolicy
	now         func() time.Time
	newID       func() string
	sleep       func(time.Duration)

	cancellation *cancellationManager
}

// Option configures an Executor at construction.
type Option func(*Executor)

func WithRetryPolicy(p RetryPolicy) Option { return func(e *Executor) { e.retry = p } }
func WithClock(fn func() time.Time) Option { return func(e *Executor) { e.now = fn } }
func WithIDGenerator(fn func() string) Option { return func(e *Executor) { e.newID = fn } }
func WithSleeper(fn func(time.Duration)) Option { return func(e *Executor) { e.sleep = fn } }
func WithReleaser(r ResourceReleaser) Option { return func(e *Executor) { e.releaser = r } }

// WithMeter attaches an OTel meter for cancellation metrics.
func WithMeter(meter metric.Meter) Option {
	return func(e *Executor) { e.cancellation = newCancellationManager(meter) }
}

// NewExecutor wires a workflowstore and transformer into an Executor.
func NewExecutor(store *workflowstore.Store, transformer *transform.Transformer, opts ...Option) *Executor {
	e := &Executor{
		store:        store,
		transformer:  transformer,
		retry:        DefaultRetryPolicy(),
		now:          time.Now,
		sleep:        time.Sleep,
		cancellation: newCancellationManager(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives wf to completion (or failure/cancellation), persisting the
// resulting WorkflowExecution and every intermediate step result.
func (e *Executor) Run(ctx context.Context, wf types.Workflow, params map[string]interface{}, submit TaskSubmitter) (*types.WorkflowExecution, error) {
	runCtx, cancel := context.WithCancel(ctx)

	id := wf.ID
	if e.newID != nil {
		id = e.newID()
	}
	exec := &types.WorkflowExecution{
		ID:         id,
		WorkflowID: wf.ID,
		Status:     types.ExecutionRunning,
		Steps:      make(map[string]types.StepExecutionResult),
		Context:    cloneParams(params),
		StartedAt:  e.now(),
	}

	e.cancellation.register(exec.ID, exec, cancel)
	defer cancel()

	stepID := wf.InitialStep
	var modelsTouched []string

	for stepID != "" {
		if runCtx.Err() != nil {
			exec.Status = types.ExecutionCancelled
			exec.EndedAt = e.now()
			e.drain(modelsTouched)
			e.persist(ctx, exec)
			e.cancellation.complete(exec.ID, exec.Status)
			return exec, rterr.ErrCancelled
		}

		step, ok := wf.Steps[stepID]
		if !ok {
			exec.Status = types.ExecutionFailed
			exec.Error = fmt.Sprintf("unknown step %q", stepID)
			exec.EndedAt = e.now()
			e.persist(ctx, exec)
			e.cancellation.complete(exec.ID, exec.Status)
			return exec, rterr.ErrStepFailed.WithModel(stepID)
		}
		exec.CurrentStep = stepID

		if step.Type == types.StepConditional {
			outcome := e.evaluateCondition(step.Condition, exec)
			exec.Steps[stepID] = types.StepExecutionResult{
				StepID: stepID, Status: types.ExecutionCompleted,
				Output:    map[string]interface{}{"branch": outcome},
				StartedAt: e.now(), EndedAt: e.now(),
			}
			e.persist(ctx, exec)
			stepID = step.NextSteps.Conditional[strconv.FormatBool(outcome)]
			continue
		}

		data := e.resolveInputs(step, wf, exec)

		if step.Type == types.StepTransformation {
			source, _ := step.Parameters["source_kind"].(string)
			target, _ := step.Parameters["target_kind"].(string)
			out := e.transformer.Transform(source, target, transform.Context(data), e.now())
			exec.Steps[stepID] = types.StepExecutionResult{
				StepID: stepID, Status: types.ExecutionCompleted,
				Output: map[string]interface{}(out), StartedAt: e.now(), EndedAt: e.now(),
			}
			e.persist(ctx, exec)
			stepID = step.NextSteps.Default
			continue
		}

		result, attempts, stepErr := e.runStepWithRetry(runCtx, stepID, step, data, submit)
		now := e.now()
		if stepErr != nil {
			exec.Steps[stepID] = types.StepExecutionResult{
				StepID: stepID, Status: types.ExecutionFailed, Error: stepErr.Error(),
				Attempts: attempts, StartedAt: now, EndedAt: now,
			}
			exec.Status = types.ExecutionFailed
			exec.Error = stepErr.Error()
			exec.EndedAt = now
			e.persist(ctx, exec)
			e.cancellation.complete(exec.ID, exec.Status)
			return exec, rterr.Wrap(rterr.KindStepFailed, "step "+stepID+" failed", stepErr)
		}

		if modelID, ok := result.Data["model_id"].(string); ok && modelID != "" {
			modelsTouched = append(modelsTouched, modelID)
		}

		exec.Steps[stepID] = types.StepExecutionResult{
			StepID: stepID, Status: types.ExecutionCompleted, Output: result.Data,
			Attempts: attempts, StartedAt: now, EndedAt: now,
		}
		e.persist(ctx, exec)
		stepID = step.NextSteps.Default
	}

	exec.Status = types.ExecutionCompleted
	exec.EndedAt = e.now()
	e.persist(ctx, exec)
	e.cancellation.complete(exec.ID, exec.Status)
	return exec, nil
}

// Cancel requests that the execution with id stop at its next step
// boundary; there, Run releases any models the run had touched through
// the configured ResourceReleaser (none are released without one).
func (e *Executor) Cancel(id string) bool {
	return e.cancellation.Cancel(context.Background(), id, "caller requested cancellation") == nil
}

// Status reports the tracked status of a still-known execution.
func (e *Executor) Status(id string) (types.ExecutionStatus, bool) {
	return e.cancellation.GetStatus(id)
}

// ListActive returns executions still running.
func (e *Executor) ListActive() []*types.WorkflowExecution {
	return e.cancellation.ListActive()
}

// CancelAll stops every running execution, for graceful shutdown.
func (e *Executor) CancelAll(ctx context.Context, reason string) int {
	return e.cancellation.CancelAll(ctx, reason)
}

// Cleanup reaps finished executions older than retention; callers own
// the schedule (e.g. a ticker in cmd/modelrt) since Executor does not
// spawn background goroutines itself.
func (e *Executor) Cleanup(retention time.Duration) int {
	return e.cancellation.Cleanup(retention)
}

func (e *Executor) drain(modelIDs []string) {
	if e.releaser == nil {
		return
	}
	for _, id := range modelIDs {
		e.releaser.Remove(id)
	}
}

func (e *Executor) persist(ctx context.Context, exec *types.WorkflowExecution) {
	if e.store == nil {
		return
	}
	if err := e.store.PutExecution(ctx, exec); err != nil {
		slog.Warn("workflow execution persist failed", "execution_id", exec.ID, "error", err)
	}
}

// newStepBackOff builds an ExponentialBackOff driven by e.retry, with
// randomization disabled so the delay sequence stays the deterministic
// base/multiplier/cap progression (100ms, x2, capped at 1s by default)
// rather than the library's usual full-jitter spread.
func (e *Executor) newStepBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.BaseDelay
	b.Multiplier = e.retry.Multiplier
	b.MaxInterval = e.retry.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (e *Executor) runStepWithRetry(ctx context.Context, stepID string, step types.WorkflowStep, data map[string]interface{}, submit TaskSubmitter) (types.TaskResult, int, error) {
	task := types.Task{ID: stepID, Type: step.Operation, Data: data, Context: data}

	b := e.newStepBackOff()
	var lastErr error
	var lastResult types.TaskResult

	attempts := e.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := submit(ctx, task)
		if err == nil && result.Success {
			return result, attempt, nil
		}
		lastResult, lastErr = result, err
		if lastErr == nil {
			lastErr = fmt.Errorf("step reported failure: %s", result.Error)
		}
		if attempt < attempts {
			e.sleep(b.NextBackOff())
		}
	}
	return lastResult, attempts, lastErr
}

func (e *Executor) resolveInputs(step types.WorkflowStep, wf types.Workflow, exec *types.WorkflowExecution) map[string]interface{} {
	data := make(map[string]interface{}, len(step.Inputs)+len(step.Parameters))
	for k, v := range step.Parameters {
		data[k] = v
	}
	for _, in := range step.Inputs {
		switch in.Source {
		case types.SourceParameter:
			if v, ok := wf.Parameters[in.Key]; ok {
				data[in.Key] = v
			}
		case types.SourceContext:
			if v, ok := exec.Context[in.Key]; ok {
				data[in.Key] = v
			}
		case types.SourcePreviousStep:
			parts := strings.SplitN(in.Key, ".", 2)
			if len(parts) != 2 {
				continue
			}
			if res, ok := exec.Steps[parts[0]]; ok {
				if v, ok := res.Output[parts[1]]; ok {
					data[parts[1]] = v
				}
			}
		}
	}
	return data
}

func (e *Executor) evaluateCondition(cond *types.StepCondition, exec *types.WorkflowExecution) bool {
	if cond == nil {
		return false
	}
	left := e.resolveRef(cond.Left, exec)
	right := e.resolveRef(cond.Right, exec)

	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return compareNumeric(cond.Operator, lf, rf)
		}
	}
	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch cond.Operator {
	case "!=":
		return ls != rs
	default:
		return ls == rs
	}
}

// resolveRef looks a raw Left/Right reference up against accumulated
// step output or context first, treating it as a literal otherwise.
func (e *Executor) resolveRef(ref string, exec *types.WorkflowExecution) interface{} {
	if v, ok := exec.Context[ref]; ok {
		return v
	}
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) == 2 {
		if res, ok := exec.Steps[parts[0]]; ok {
			if v, ok := res.Output[parts[1]]; ok {
				return v
			}
		}
	}
	return ref
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumeric(op string, l, r float64) bool {
	switch op {
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case "!=":
		return l != r
	default:
		return l == r
	}
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
