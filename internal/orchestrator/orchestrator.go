// Package orchestrator turns a Task into an ExecutionPlan, drives
// single-model execution with ordered fallback iteration under a capped
// total retry budget, delegates composite tasks to the TaskDelegator,
// and periodically analyzes a feedback ring buffer for per-(model,
// task_type) bottlenecks.
//
// Attempts move immediately to the next candidate model on failure;
// there is no inter-attempt delay, only the shared retry budget.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/modelrt/internal/delegator"
	"github.com/swarmguard/modelrt/internal/events"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

// ModelExecutor invokes modelID against task and returns its result.
type ModelExecutor func(ctx context.Context, modelID string, task types.Task) (types.TaskResult, error)

// FeedbackEntry is one recorded execution attempt, the unit
// AnalyzeBottlenecks aggregates over.
type FeedbackEntry struct {
	TaskID    string
	ModelID   string
	TaskType  string
	Success   bool
	Latency   time.Duration
	Timestamp time.Time
}

// Recommendation flags a (model_id, task_type) pair whose performance
// has fallen out of line with its peers.
type Recommendation struct {
	ModelID  string  `json:"model_id"`
	TaskType string  `json:"task_type"`
	Reason   string  `json:"reason"`
	Latency  float64 `json:"avg_latency_ms,omitempty"`
	ErrRate  float64 `json:"error_rate,omitempty"`
}

// Config tunes plan construction and bottleneck analysis.
type Config struct {
	DefaultMaxRetries  int
	FeedbackCapacity   int
	BottleneckInterval time.Duration
	LatencyRatio       float64 // flag when avg > LatencyRatio * peer median
	ErrorRateThreshold float64
}

// DefaultConfig returns the default plan/analysis knobs.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries:  3,
		FeedbackCapacity:   500,
		BottleneckInterval: 30 * time.Second,
		LatencyRatio:       2.0,
		ErrorRateThreshold: 0.1,
	}
}

// Orchestrator selects models, drives execution plans, and records feedback.
type Orchestrator struct {
	cfg       Config
	delegator *delegator.Delegator
	bus       *events.Bus
	now       func() time.Time
	tracer    trace.Tracer

	durationHist metric.Float64Histogram
	retryCounter metric.Int64Counter
	failCounter  metric.Int64Counter

	mu           sync.Mutex
	feedback     []FeedbackEntry
	lastAnalysis time.Time
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// WithEvents attaches an event bus; ExecuteTask emits an Error event
// (reason "execution_exhausted") on it when every candidate fails.
func WithEvents(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// NewOrchestrator wires a delegator, meter, and tracer into an Orchestrator.
func NewOrchestrator(cfg Config, d *delegator.Delegator, meter metric.Meter, tracer trace.Tracer, opts ...Option) *Orchestrator {
	durationHist, _ := meter.Float64Histogram("modelrt_orchestrator_task_duration_ms")
	retryCounter, _ := meter.Int64Counter("modelrt_orchestrator_retries_total")
	failCounter, _ := meter.Int64Counter("modelrt_orchestrator_failures_total")

	o := &Orchestrator{
		cfg:          cfg,
		delegator:    d,
		now:          time.Now,
		tracer:       tracer,
		durationHist: durationHist,
		retryCounter: retryCounter,
		failCounter:  failCounter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BuildPlan turns a task plus its model selection into an ExecutionPlan:
// a single-node Chain whose PlanNode carries the selected model and its
// fallbacks.
func (o *Orchestrator) BuildPlan(task types.Task, sel delegator.ModelSelection) types.ExecutionPlan {
	node := &types.PlanNode{
		ModelID:        sel.ModelID,
		TaskType:       task.Type,
		FallbackModels: sel.FallbackModels,
		Priority:       task.Priority,
	}
	return types.ExecutionPlan{
		Chain: types.Chain{
			Nodes:       map[string]*types.PlanNode{task.ID: node},
			EntryPoints: []string{task.ID},
			ExitPoints:  []string{task.ID},
		},
		Priority:                task.Priority,
		MaxRetries:              o.cfg.DefaultMaxRetries,
		ParallelizationStrategy: types.StrategyNone,
	}
}

// ExecuteTask selects a model for task, builds its plan, and drives
// execution across the primary model and its ordered fallbacks, up to
// plan.MaxRetries total attempts. Every attempt is recorded to the
// feedback ring buffer regardless of outcome.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task types.Task, exec ModelExecutor) (types.TaskResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_task")
	defer span.End()

	sel, err := o.delegator.SelectModelForTask(task)
	if err != nil {
		return types.TaskResult{}, err
	}
	plan := o.BuildPlan(task, sel)

	candidates := append([]string{sel.ModelID}, sel.FallbackModels...)
	maxAttempts := plan.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastResult types.TaskResult
	var lastErr error
	attempts := 0

	for _, modelID := range candidates {
		if attempts >= maxAttempts {
			break
		}
		attempts++

		start := o.now()
		result, execErr := exec(ctx, modelID, task)
		latency := o.now().Sub(start)

		o.recordFeedback(FeedbackEntry{
			TaskID:    task.ID,
			ModelID:   modelID,
			TaskType:  task.Type,
			Success:   execErr == nil && result.Success,
			Latency:   latency,
			Timestamp: o.now(),
		})
		o.durationHist.Record(ctx, float64(latency.Milliseconds()))

		if execErr == nil && result.Success {
			o.delegator.UpdateModelPerformance(modelID, task.Type, latency, true)
			result.Metadata.Duration = latency
			result.Metadata.Timestamp = o.now()
			if modelID != sel.ModelID {
				result.Metadata.FallbackModel = modelID
			}
			return result, nil
		}

		o.delegator.UpdateModelPerformance(modelID, task.Type, latency, false)
		lastResult, lastErr = result, execErr
		if attempts < maxAttempts {
			o.retryCounter.Add(ctx, 1)
		}
	}

	o.failCounter.Add(ctx, 1)
	if o.bus != nil {
		o.bus.Emit(ctx, events.Event{
			Kind:      events.KindError,
			Timestamp: o.now(),
			Fields:    map[string]interface{}{"task_id": task.ID, "attempts": attempts, "reason": "execution_exhausted"},
		})
	}
	if lastErr != nil {
		return lastResult, rterr.Wrap(rterr.KindExecutionFailed, "all models and retries exhausted", lastErr)
	}
	return lastResult, rterr.ErrExecutionFailed.WithModel(sel.ModelID)
}

// ExecuteComposite delegates a CompositeTask to the TaskDelegator's
// aggregation-strategy-aware runner.
func (o *Orchestrator) ExecuteComposite(ctx context.Context, task types.CompositeTask, exec delegator.Executor) ([]delegator.SubtaskResult, error) {
	return o.delegator.HandleCompositeTask(ctx, task, exec)
}

func (o *Orchestrator) recordFeedback(e FeedbackEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feedback = append(o.feedback, e)
	if over := len(o.feedback) - o.cfg.FeedbackCapacity; over > 0 {
		o.feedback = o.feedback[over:]
	}
}

// AnalyzeBottlenecks scans the feedback buffer for (model_id, task_type)
// pairs whose average latency exceeds LatencyRatio times the median
// across models serving that task type, or whose error rate exceeds
// ErrorRateThreshold. Debounced: a call within BottleneckInterval of the
// last analysis returns nil without rescanning.
func (o *Orchestrator) AnalyzeBottlenecks() []Recommendation {
	o.mu.Lock()
	now := o.now()
	if !o.lastAnalysis.IsZero() && now.Sub(o.lastAnalysis) < o.cfg.BottleneckInterval {
		o.mu.Unlock()
		return nil
	}
	o.lastAnalysis = now
	entries := make([]FeedbackEntry, len(o.feedback))
	copy(entries, o.feedback)
	o.mu.Unlock()

	return analyzeEntries(entries, o.cfg.LatencyRatio, o.cfg.ErrorRateThreshold)
}

type pairStats struct {
	modelID    string
	taskType   string
	totalLat   time.Duration
	count      int
	failures   int
}

func analyzeEntries(entries []FeedbackEntry, latencyRatio, errRateThreshold float64) []Recommendation {
	byPair := make(map[[2]string]*pairStats)
	byType := make(map[string][]*pairStats)

	for _, e := range entries {
		key := [2]string{e.ModelID, e.TaskType}
		st, ok := byPair[key]
		if !ok {
			st = &pairStats{modelID: e.ModelID, taskType: e.TaskType}
			byPair[key] = st
			byType[e.TaskType] = append(byType[e.TaskType], st)
		}
		st.totalLat += e.Latency
		st.count++
		if !e.Success {
			st.failures++
		}
	}

	var recs []Recommendation
	for taskType, pairs := range byType {
		medians := medianLatency(pairs)
		for _, st := range pairs {
			if st.count == 0 {
				continue
			}
			avg := float64(st.totalLat.Milliseconds()) / float64(st.count)
			errRate := float64(st.failures) / float64(st.count)

			if medians > 0 && avg > latencyRatio*medians {
				recs = append(recs, Recommendation{
					ModelID: st.modelID, TaskType: taskType,
					Reason: "latency exceeds peer median", Latency: avg,
				})
			}
			if errRate > errRateThreshold {
				recs = append(recs, Recommendation{
					ModelID: st.modelID, TaskType: taskType,
					Reason: "error rate above threshold", ErrRate: errRate,
				})
			}
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].TaskType != recs[j].TaskType {
			return recs[i].TaskType < recs[j].TaskType
		}
		return recs[i].ModelID < recs[j].ModelID
	})
	return recs
}

func medianLatency(pairs []*pairStats) float64 {
	if len(pairs) == 0 {
		return 0
	}
	avgs := make([]float64, 0, len(pairs))
	for _, st := range pairs {
		if st.count == 0 {
			continue
		}
		avgs = append(avgs, float64(st.totalLat.Milliseconds())/float64(st.count))
	}
	if len(avgs) == 0 {
		return 0
	}
	sort.Float64s(avgs)
	mid := len(avgs) / 2
	if len(avgs)%2 == 1 {
		return avgs[mid]
	}
	return (avgs[mid-1] + avgs[mid]) / 2
}
