package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/transform"
	"github.com/swarmguard/modelrt/internal/types"
	"github.com/swarmguard/modelrt/internal/workflowstore"
)

func testExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	s, err := workflowstore.Open(t.TempDir(), noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	base := []Option{WithSleeper(func(time.Duration) {})}
	base = append(base, opts...)
	return NewExecutor(s, transform.NewTransformer(), base...)
}

func linearWorkflow() types.Workflow {
	return types.Workflow{
		ID:          "wf1",
		InitialStep: "step1",
		Parameters:  map[string]interface{}{"prompt": "hello"},
		Steps: map[string]types.WorkflowStep{
			"step1": {
				ID: "step1", Type: types.StepAnalysis, Operation: "analyze",
				Inputs:    []types.StepInput{{Source: types.SourceParameter, Key: "prompt"}},
				NextSteps: types.NextSteps{Default: "step2"},
			},
			"step2": {
				ID: "step2", Type: types.StepGeneration, Operation: "generate",
				Inputs: []types.StepInput{{Source: types.SourcePreviousStep, Key: "step1.analysis"}},
			},
		},
	}
}

func TestRunExecutesLinearWorkflowPropagatingPriorOutput(t *testing.T) {
	e := testExecutor(t)
	var step2Saw interface{}

	submit := func(ctx context.Context, task types.Task) (types.TaskResult, error) {
		if task.ID == "step1" {
			return types.TaskResult{Success: true, Status: types.TaskResultSuccess, Data: map[string]interface{}{"analysis": "summary"}}, nil
		}
		step2Saw = task.Data["analysis"]
		return types.TaskResult{Success: true, Status: types.TaskResultSuccess, Data: map[string]interface{}{"text": "done"}}, nil
	}

	exec, err := e.Run(context.Background(), linearWorkflow(), nil, submit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != types.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if step2Saw != "summary" {
		t.Fatalf("expected step2 to see step1's analysis output, got %v", step2Saw)
	}
}

func TestRunRetriesBeforeSucceeding(t *testing.T) {
	e := testExecutor(t)
	attempts := 0

	wf := types.Workflow{
		ID:          "wf1",
		InitialStep: "only",
		Steps: map[string]types.WorkflowStep{
			"only": {ID: "only", Type: types.StepAnalysis, Operation: "analyze"},
		},
	}
	submit := func(ctx context.Context, task types.Task) (types.TaskResult, error) {
		attempts++
		if attempts < 2 {
			return types.TaskResult{}, errors.New("transient")
		}
		return types.TaskResult{Success: true, Status: types.TaskResultSuccess}, nil
	}

	exec, err := e.Run(context.Background(), wf, nil, submit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != types.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRunFailsAfterRetryBudgetExhausted(t *testing.T) {
	e := testExecutor(t)
	wf := types.Workflow{
		ID:          "wf1",
		InitialStep: "only",
		Steps: map[string]types.WorkflowStep{
			"only": {ID: "only", Type: types.StepAnalysis, Operation: "analyze"},
		},
	}
	submit := func(ctx context.Context, task types.Task) (types.TaskResult, error) {
		return types.TaskResult{}, errors.New("permanent")
	}

	exec, err := e.Run(context.Background(), wf, nil, submit)
	if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindStepFailed {
		t.Fatalf("expected StepFailed, got %v", err)
	}
	if exec.Status != types.ExecutionFailed {
		t.Fatalf("expected failed status, got %s", exec.Status)
	}
}

func TestRunBranchesOnCondition(t *testing.T) {
	e := testExecutor(t)
	wf := types.Workflow{
		ID:          "wf1",
		InitialStep: "branch",
		Parameters:  map[string]interface{}{},
		Steps: map[string]types.WorkflowStep{
			"branch": {
				ID: "branch", Type: types.StepConditional,
				Condition: &types.StepCondition{Operator: ">", Left: "score", Right: "0.5"},
				NextSteps: types.NextSteps{Conditional: map[string]string{"true": "high", "false": "low"}},
			},
			"high": {ID: "high", Type: types.StepAnalysis, Operation: "high_path"},
			"low":  {ID: "low", Type: types.StepAnalysis, Operation: "low_path"},
		},
	}

	var pathTaken string
	submit := func(ctx context.Context, task types.Task) (types.TaskResult, error) {
		pathTaken = task.Type
		return types.TaskResult{Success: true, Status: types.TaskResultSuccess}, nil
	}

	params := map[string]interface{}{"score": 0.9}
	exec, err := e.Run(context.Background(), wf, params, submit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != types.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if pathTaken != "high_path" {
		t.Fatalf("expected high_path taken, got %s", pathTaken)
	}
}

func TestCancelStopsExecutionAtNextBoundary(t *testing.T) {
	e := testExecutor(t)
	wf := types.Workflow{
		ID:          "wf1",
		InitialStep: "step1",
		Steps: map[string]types.WorkflowStep{
			"step1": {ID: "step1", Type: types.StepAnalysis, Operation: "analyze", NextSteps: types.NextSteps{Default: "step2"}},
			"step2": {ID: "step2", Type: types.StepAnalysis, Operation: "analyze"},
		},
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var execID string

	submit := func(ctx context.Context, task types.Task) (types.TaskResult, error) {
		if task.ID == "step1" {
			close(started)
			<-release
		}
		return types.TaskResult{Success: true, Status: types.TaskResultSuccess}, nil
	}

	done := make(chan struct{})
	var runErr error
	go func() {
		exec, err := e.Run(context.Background(), wf, nil, submit)
		runErr = err
		execID = exec.ID
		close(done)
	}()

	<-started
	// Execution ID equals workflow ID by default (no ID generator configured).
	e.Cancel(wf.ID)
	close(release)
	<-done

	if runErr == nil {
		t.Fatalf("expected cancellation error")
	}
	if kind, ok := rterr.KindOf(runErr); !ok || kind != rterr.KindCancelled {
		t.Fatalf("expected Cancelled, got %v", runErr)
	}
	_ = execID
}
