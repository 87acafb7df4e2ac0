// Package delegator owns the priority queue of ScheduledTask plus a
// per-model capability table used for selection, and a composite-task
// runner over the three aggregation strategies.
package delegator

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

// CapabilityEntry describes one model's fitness for a task type.
type CapabilityEntry struct {
	TaskType             string
	Confidence           float64
	Specializations      []string
	ResourceRequirements map[string]float64
	AverageLatency       time.Duration
	Successes            int64
	Failures             int64
}

// ModelSelection is SelectModelForTask's result.
type ModelSelection struct {
	ModelID          string
	Confidence       float64
	FallbackModels   []string
	EstimatedLatency time.Duration
}

// selectionFloor is the minimum score a candidate must clear.
const selectionFloor = 0.1

// Delegator owns the ScheduledTask priority queue and capability table.
type Delegator struct {
	mu sync.Mutex

	queue        taskHeap
	running      map[string]*types.ScheduledTask
	completedSet map[string]bool

	capabilities map[string][]CapabilityEntry

	now func() time.Time
}

// NewDelegator constructs an empty Delegator.
func NewDelegator() *Delegator {
	return &Delegator{
		running:      make(map[string]*types.ScheduledTask),
		completedSet: make(map[string]bool),
		capabilities: make(map[string][]CapabilityEntry),
		now:          time.Now,
	}
}

// RegisterCapability adds or replaces modelID's declared fitness for
// entry.TaskType.
func (d *Delegator) RegisterCapability(modelID string, entry CapabilityEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.capabilities[modelID]
	for i, e := range entries {
		if e.TaskType == entry.TaskType {
			entries[i] = entry
			d.capabilities[modelID] = entries
			return
		}
	}
	d.capabilities[modelID] = append(entries, entry)
}

type scored struct {
	modelID string
	entry   CapabilityEntry
	score   float64
}

// SelectModelForTask scores every registered model against task.Type and
// returns the best match plus a ranked fallback list. Fails
// NoSuitableModel if nothing clears selectionFloor.
func (d *Delegator) SelectModelForTask(task types.Task) (ModelSelection, error) {
	d.mu.Lock()
	candidates := make([]scored, 0, len(d.capabilities))
	for modelID, entries := range d.capabilities {
		for _, e := range entries {
			if e.TaskType != task.Type {
				continue
			}
			score := e.Confidence
			if task.Type == "audio_analysis" && hasSpecialization(e.Specializations, "audio") {
				score += 0.25
			}
			candidates = append(candidates, scored{modelID: modelID, entry: e, score: score})
		}
	}
	d.mu.Unlock()

	if len(candidates) == 0 {
		return ModelSelection{}, rterr.ErrNoSuitableModel
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].entry.AverageLatency != candidates[j].entry.AverageLatency {
			return candidates[i].entry.AverageLatency < candidates[j].entry.AverageLatency
		}
		return resourceFit(candidates[i].entry) < resourceFit(candidates[j].entry)
	})

	if candidates[0].score < selectionFloor {
		return ModelSelection{}, rterr.ErrNoSuitableModel
	}

	fallbacks := make([]string, 0, len(candidates)-1)
	for _, c := range candidates[1:] {
		if c.score < selectionFloor {
			break
		}
		fallbacks = append(fallbacks, c.modelID)
	}

	best := candidates[0]
	return ModelSelection{
		ModelID:          best.modelID,
		Confidence:       best.score,
		FallbackModels:   fallbacks,
		EstimatedLatency: best.entry.AverageLatency,
	}, nil
}

func hasSpecialization(specs []string, want string) bool {
	for _, s := range specs {
		if s == want {
			return true
		}
	}
	return false
}

func resourceFit(e CapabilityEntry) float64 {
	var total float64
	for _, v := range e.ResourceRequirements {
		total += v
	}
	return total
}

// ScheduleTask enqueues task at priority, maintaining the heap's
// (priority desc, created_at asc) ordering.
func (d *Delegator) ScheduleTask(task types.Task, priority int, dependencies []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := &types.ScheduledTask{
		Task:         task,
		Priority:     priority,
		Dependencies: dependencies,
		Status:       types.ScheduledPending,
		CreatedAt:    d.now(),
	}
	heap.Push(&d.queue, st)
}

// GetNextTask returns the highest-priority task whose dependencies are
// all completed, or ok=false if none qualify (even if the queue is
// non-empty). The returned task is moved into the running set.
func (d *Delegator) GetNextTask() (*types.ScheduledTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	best := -1
	for i, st := range d.queue {
		if !d.readyLocked(st) {
			continue
		}
		if best < 0 || d.queue.Less(i, best) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	st := d.queue[best]
	heap.Remove(&d.queue, best)
	now := d.now()
	st.Status = types.ScheduledRunning
	st.StartedAt = &now
	d.running[st.Task.ID] = st
	return st, true
}

func (d *Delegator) readyLocked(st *types.ScheduledTask) bool {
	for _, dep := range st.Dependencies {
		if !d.completedSet[dep] {
			return false
		}
	}
	return true
}

// CompleteTask marks a running task complete, unblocking dependents.
func (d *Delegator) CompleteTask(id string, result map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.running[id]
	if !ok {
		return rterr.New(rterr.KindContextNotFound, "no running task with that id").WithModel(id)
	}
	now := d.now()
	st.Status = types.ScheduledCompleted
	st.CompletedAt = &now
	st.Result = result
	d.completedSet[id] = true
	delete(d.running, id)
	return nil
}

// QueueDepth reports the number of tasks still waiting (not yet
// dequeued by GetNextTask).
func (d *Delegator) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Executor runs a single subtask and returns its result.
type Executor func(ctx context.Context, task types.Task) (types.TaskResult, error)

// SubtaskResult pairs a CompositeTask's subtask with its outcome.
type SubtaskResult struct {
	TaskID string
	Result types.TaskResult
	Err    error
}

// HandleCompositeTask executes task's subtasks per its
// AggregationStrategy, honoring Dependencies regardless of strategy.
func (d *Delegator) HandleCompositeTask(ctx context.Context, task types.CompositeTask, exec Executor) ([]SubtaskResult, error) {
	switch task.AggregationStrategy {
	case types.AggregationParallel:
		return d.runParallel(ctx, task, exec)
	case types.AggregationPipeline:
		return d.runSequential(ctx, task, exec) // streaming order preserved via dependency order
	default:
		return d.runSequential(ctx, task, exec)
	}
}

func (d *Delegator) runSequential(ctx context.Context, task types.CompositeTask, exec Executor) ([]SubtaskResult, error) {
	order := topoOrder(task)
	byID := subtasksByID(task)

	prior := make(map[string]types.TaskResult, len(order))
	results := make([]SubtaskResult, 0, len(order))

	for _, id := range order {
		t := byID[id]
		t.Context = mergePriorResults(t.Context, task.Dependencies[id], prior)
		res, err := exec(ctx, t)
		results = append(results, SubtaskResult{TaskID: id, Result: res, Err: err})
		if err != nil {
			return results, err
		}
		prior[id] = res
	}
	return results, nil
}

func (d *Delegator) runParallel(ctx context.Context, task types.CompositeTask, exec Executor) ([]SubtaskResult, error) {
	order := topoOrder(task)
	byID := subtasksByID(task)

	layers := layersOf(order, task.Dependencies)

	prior := make(map[string]types.TaskResult)
	var priorMu sync.Mutex
	results := make([]SubtaskResult, 0, len(order))
	var resultsMu sync.Mutex

	for _, layer := range layers {
		var wg sync.WaitGroup
		for _, id := range layer {
			id := id
			t := byID[id]
			priorMu.Lock()
			t.Context = mergePriorResults(t.Context, task.Dependencies[id], prior)
			priorMu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := exec(ctx, t)
				resultsMu.Lock()
				results = append(results, SubtaskResult{TaskID: id, Result: res, Err: err})
				resultsMu.Unlock()
				if err == nil {
					priorMu.Lock()
					prior[id] = res
					priorMu.Unlock()
				}
			}()
		}
		wg.Wait()
	}

	for _, r := range results {
		if r.Err != nil {
			return results, r.Err
		}
	}
	return results, nil
}

func subtasksByID(task types.CompositeTask) map[string]types.Task {
	byID := make(map[string]types.Task, len(task.Subtasks))
	for _, t := range task.Subtasks {
		byID[t.ID] = t
	}
	return byID
}

// topoOrder returns task ids in an order that respects Dependencies
// (Kahn's algorithm), falling back to declaration order among ties.
func topoOrder(task types.CompositeTask) []string {
	ids := make([]string, 0, len(task.Subtasks))
	for _, t := range task.Subtasks {
		ids = append(ids, t.ID)
	}

	var order []string
	remaining := append([]string{}, ids...)
	visited := make(map[string]bool)

	for len(order) < len(ids) {
		progressed := false
		for _, id := range remaining {
			if visited[id] {
				continue
			}
			ready := true
			for _, dep := range task.Dependencies[id] {
				if !visited[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, id)
				visited[id] = true
				progressed = true
			}
		}
		if !progressed {
			// Dependency cycle or dangling reference: append whatever is
			// left in declaration order rather than looping forever.
			for _, id := range remaining {
				if !visited[id] {
					order = append(order, id)
					visited[id] = true
				}
			}
			break
		}
	}
	return order
}

// layersOf groups ids into waves that can run concurrently: each layer
// contains ids whose dependencies are all satisfied by earlier layers.
func layersOf(order []string, deps map[string][]string) [][]string {
	done := make(map[string]bool, len(order))
	var layers [][]string
	remaining := append([]string{}, order...)

	for len(remaining) > 0 {
		var layer []string
		var next []string
		for _, id := range remaining {
			ready := true
			for _, dep := range deps[id] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			} else {
				next = append(next, id)
			}
		}
		if len(layer) == 0 {
			layer = remaining
			next = nil
		}
		for _, id := range layer {
			done[id] = true
		}
		layers = append(layers, layer)
		remaining = next
	}
	return layers
}

func mergePriorResults(ctx map[string]interface{}, deps []string, prior map[string]types.TaskResult) map[string]interface{} {
	if len(deps) == 0 {
		return ctx
	}
	merged := make(map[string]interface{}, len(ctx)+len(deps))
	for k, v := range ctx {
		merged[k] = v
	}
	for _, dep := range deps {
		if r, ok := prior[dep]; ok {
			merged[dep] = r.Data
		}
	}
	return merged
}

// UpdateModelPerformance folds one task outcome into modelID's rolling
// average_latency and success/error counters for taskType.
func (d *Delegator) UpdateModelPerformance(modelID, taskType string, latency time.Duration, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.capabilities[modelID]
	for i, e := range entries {
		if e.TaskType != taskType {
			continue
		}
		if e.AverageLatency == 0 {
			e.AverageLatency = latency
		} else {
			// exponential moving average, alpha=0.3
			e.AverageLatency = time.Duration(0.7*float64(e.AverageLatency) + 0.3*float64(latency))
		}
		if success {
			e.Successes++
		} else {
			e.Failures++
		}
		entries[i] = e
		d.capabilities[modelID] = entries
		return
	}
}
