package delegator

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

func TestSelectModelForTaskPrefersHigherConfidence(t *testing.T) {
	d := NewDelegator()
	d.RegisterCapability("model-a", CapabilityEntry{TaskType: "summarize", Confidence: 0.4, AverageLatency: 50 * time.Millisecond})
	d.RegisterCapability("model-b", CapabilityEntry{TaskType: "summarize", Confidence: 0.9, AverageLatency: 80 * time.Millisecond})

	sel, err := d.SelectModelForTask(types.Task{Type: "summarize"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.ModelID != "model-b" {
		t.Fatalf("expected model-b to win on confidence, got %s", sel.ModelID)
	}
	if len(sel.FallbackModels) != 1 || sel.FallbackModels[0] != "model-a" {
		t.Fatalf("expected model-a as fallback, got %v", sel.FallbackModels)
	}
}

func TestSelectModelForTaskTieBreaksOnLatency(t *testing.T) {
	d := NewDelegator()
	d.RegisterCapability("slow", CapabilityEntry{TaskType: "classify", Confidence: 0.5, AverageLatency: 100 * time.Millisecond})
	d.RegisterCapability("fast", CapabilityEntry{TaskType: "classify", Confidence: 0.5, AverageLatency: 20 * time.Millisecond})

	sel, err := d.SelectModelForTask(types.Task{Type: "classify"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.ModelID != "fast" {
		t.Fatalf("expected fast model to win latency tie-break, got %s", sel.ModelID)
	}
}

func TestSelectModelForTaskPrefersAudioSpecialist(t *testing.T) {
	d := NewDelegator()
	d.RegisterCapability("generalist", CapabilityEntry{TaskType: "audio_analysis", Confidence: 0.6})
	d.RegisterCapability("specialist", CapabilityEntry{TaskType: "audio_analysis", Confidence: 0.5, Specializations: []string{"audio"}})

	sel, err := d.SelectModelForTask(types.Task{Type: "audio_analysis"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.ModelID != "specialist" {
		t.Fatalf("expected audio specialist to be preferred, got %s", sel.ModelID)
	}
}

func TestSelectModelForTaskFailsNoSuitableModel(t *testing.T) {
	d := NewDelegator()
	_, err := d.SelectModelForTask(types.Task{Type: "unknown_type"})
	if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindNoSuitableModel {
		t.Fatalf("expected NoSuitableModel, got %v", err)
	}
}

func TestGetNextTaskRespectsPriorityAndReadiness(t *testing.T) {
	d := NewDelegator()
	d.ScheduleTask(types.Task{ID: "low"}, 1, nil)
	d.ScheduleTask(types.Task{ID: "high-blocked"}, 10, []string{"not-done"})
	d.ScheduleTask(types.Task{ID: "high-ready"}, 10, nil)

	got, ok := d.GetNextTask()
	if !ok {
		t.Fatalf("expected a ready task")
	}
	if got.Task.ID != "high-ready" {
		t.Fatalf("expected high-ready to win (blocked task skipped), got %s", got.Task.ID)
	}
}

func TestGetNextTaskReturnsFalseWhenNoneReady(t *testing.T) {
	d := NewDelegator()
	d.ScheduleTask(types.Task{ID: "blocked"}, 5, []string{"never-completes"})
	if _, ok := d.GetNextTask(); ok {
		t.Fatalf("expected no ready task even though queue is non-empty")
	}
}

func TestCompleteTaskUnblocksDependents(t *testing.T) {
	d := NewDelegator()
	d.ScheduleTask(types.Task{ID: "parent"}, 5, nil)
	d.ScheduleTask(types.Task{ID: "child"}, 5, []string{"parent"})

	parent, ok := d.GetNextTask()
	if !ok || parent.Task.ID != "parent" {
		t.Fatalf("expected to dequeue parent first, got %v ok=%v", parent, ok)
	}
	if _, ok := d.GetNextTask(); ok {
		t.Fatalf("expected child still blocked")
	}
	if err := d.CompleteTask("parent", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	child, ok := d.GetNextTask()
	if !ok || child.Task.ID != "child" {
		t.Fatalf("expected child now ready, got %v ok=%v", child, ok)
	}
}

func TestHandleCompositeTaskSequentialPassesPriorResults(t *testing.T) {
	d := NewDelegator()
	task := types.CompositeTask{
		ID: "composite",
		Subtasks: []types.Task{
			{ID: "a"},
			{ID: "b"},
		},
		AggregationStrategy: types.AggregationSequential,
		Dependencies:        map[string][]string{"b": {"a"}},
	}

	var sawPriorInB bool
	exec := func(ctx context.Context, tk types.Task) (types.TaskResult, error) {
		if tk.ID == "b" {
			if _, ok := tk.Context["a"]; ok {
				sawPriorInB = true
			}
		}
		return types.TaskResult{Success: true, Status: types.TaskResultSuccess, Data: map[string]interface{}{"from": tk.ID}}, nil
	}

	results, err := d.HandleCompositeTask(context.Background(), task, exec)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !sawPriorInB {
		t.Fatalf("expected b to receive a's result in its context")
	}
}

func TestHandleCompositeTaskParallelRunsIndependentSubtasks(t *testing.T) {
	d := NewDelegator()
	task := types.CompositeTask{
		ID: "composite",
		Subtasks: []types.Task{
			{ID: "a"},
			{ID: "b"},
		},
		AggregationStrategy: types.AggregationParallel,
	}
	exec := func(ctx context.Context, tk types.Task) (types.TaskResult, error) {
		return types.TaskResult{Success: true, Status: types.TaskResultSuccess}, nil
	}
	results, err := d.HandleCompositeTask(context.Background(), task, exec)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestUpdateModelPerformanceTracksLatencyAndCounters(t *testing.T) {
	d := NewDelegator()
	d.RegisterCapability("m1", CapabilityEntry{TaskType: "summarize", Confidence: 0.5})
	d.UpdateModelPerformance("m1", "summarize", 100*time.Millisecond, true)
	d.UpdateModelPerformance("m1", "summarize", 50*time.Millisecond, false)

	entries := d.capabilities["m1"]
	if len(entries) != 1 {
		t.Fatalf("expected one capability entry, got %d", len(entries))
	}
	if entries[0].Successes != 1 || entries[0].Failures != 1 {
		t.Fatalf("expected 1 success and 1 failure, got %+v", entries[0])
	}
	if entries[0].AverageLatency <= 0 {
		t.Fatalf("expected nonzero rolling average latency")
	}
}
