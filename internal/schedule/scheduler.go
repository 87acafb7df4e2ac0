// Package schedule implements cron-triggered and event-triggered
// re-execution of saved workflows on top of the workflow executor.
// Schedules persist in workflowstore.Store and are restored on startup;
// event triggers match per-event-type handler lists with optional
// filters and a concurrency cap.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/modelrt/internal/types"
	"github.com/swarmguard/modelrt/internal/workflow"
	"github.com/swarmguard/modelrt/internal/workflowstore"
)

// WorkflowSource loads a saved Workflow by name.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, name string) (types.Workflow, bool, error)
}

// Runner drives one Workflow to completion, backed by workflow.Executor.
type Runner interface {
	Run(ctx context.Context, wf types.Workflow, params map[string]interface{}, submit workflow.TaskSubmitter) (*types.WorkflowExecution, error)
}

// eventHandler tracks the schedules registered for one event type.
type eventHandler struct {
	mu          sync.Mutex
	schedules   []types.ScheduleConfig
	running     int
	lastTrigger time.Time
}

// Scheduler manages cron schedules and event-driven triggers for saved
// workflows.
type Scheduler struct {
	cron    *cron.Cron
	store   *workflowstore.Store
	source  WorkflowSource
	runner  Runner
	submit  workflow.TaskSubmitter
	cronIDs map[string]cron.EntryID

	mu            sync.RWMutex
	eventHandlers map[string]*eventHandler

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// New builds a Scheduler that re-executes workflows loaded from store
// via runner, submitting steps through submit.
func New(store *workflowstore.Store, runner Runner, submit workflow.TaskSubmitter, meter metric.Meter) *Scheduler {
	scheduleRuns, _ := meter.Int64Counter("modelrt_workflow_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("modelrt_workflow_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("modelrt_workflow_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		source:        store,
		runner:        runner,
		submit:        submit,
		cronIDs:       make(map[string]cron.EntryID),
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("modelrt-scheduler"),
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("workflow scheduler started")
}

// Stop gracefully stops the cron loop, waiting for in-flight jobs up to
// ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers and persists cfg, which must set CronExpr or
// EventType; when both are set, only the cron schedule is registered.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg types.ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "schedule.add", trace.WithAttributes(
		attribute.String("workflow", cfg.WorkflowName),
		attribute.String("cron", cfg.CronExpr),
	))
	defer span.End()

	switch {
	case cfg.CronExpr != "":
		entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.executeScheduled(context.Background(), cfg)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		s.mu.Lock()
		s.cronIDs[cfg.WorkflowName] = entryID
		s.mu.Unlock()

	case cfg.EventType != "":
		s.registerEventHandler(cfg)

	default:
		return fmt.Errorf("schedule for %q must set cron_expr or event_type", cfg.WorkflowName)
	}

	return s.store.PutSchedule(ctx, cfg)
}

// RemoveSchedule unregisters and deletes the persisted schedule for
// workflowName.
func (s *Scheduler) RemoveSchedule(ctx context.Context, workflowName string) error {
	s.mu.Lock()
	if id, ok := s.cronIDs[workflowName]; ok {
		s.cron.Remove(id)
		delete(s.cronIDs, workflowName)
	}
	for eventType, handler := range s.eventHandlers {
		handler.mu.Lock()
		kept := handler.schedules[:0]
		for _, sched := range handler.schedules {
			if sched.WorkflowName != workflowName {
				kept = append(kept, sched)
			}
		}
		handler.schedules = kept
		empty := len(handler.schedules) == 0
		handler.mu.Unlock()
		if empty {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	return s.store.DeleteSchedule(ctx, workflowName)
}

// TriggerEvent processes an incoming event, executing every enabled,
// filter-matching, concurrency-available schedule registered for
// eventType.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]interface{}) {
	ctx, span := s.tracer.Start(ctx, "schedule.trigger_event", trace.WithAttributes(
		attribute.String("event_type", eventType),
	))
	defer span.End()

	s.mu.RLock()
	handler, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		return
	}

	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	handler.mu.Lock()
	schedules := append([]types.ScheduleConfig(nil), handler.schedules...)
	handler.mu.Unlock()

	for _, cfg := range schedules {
		if !cfg.Enabled || !matchesFilter(eventData, cfg.EventFilter) {
			continue
		}

		handler.mu.Lock()
		if cfg.MaxConcurrent > 0 && handler.running >= cfg.MaxConcurrent {
			handler.mu.Unlock()
			slog.Warn("schedule concurrency limit reached", "workflow", cfg.WorkflowName, "max", cfg.MaxConcurrent)
			continue
		}
		handler.running++
		handler.lastTrigger = time.Now()
		handler.mu.Unlock()

		go func(cfg types.ScheduleConfig) {
			defer func() {
				handler.mu.Lock()
				handler.running--
				handler.mu.Unlock()
			}()

			runCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, cfg.Timeout)
				defer cancel()
			}
			s.executeScheduled(runCtx, cfg)
		}(cfg)
	}
}

// RestoreSchedules re-registers every persisted, enabled schedule;
// meant to be called once at startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	restored, failed := 0, 0
	for _, cfg := range schedules {
		if !cfg.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, cfg); err != nil {
			slog.Error("failed to restore schedule", "workflow", cfg.WorkflowName, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("workflow schedules restored", "restored", restored, "failed", failed)
	return nil
}

func (s *Scheduler) executeScheduled(ctx context.Context, cfg types.ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "schedule.execute", trace.WithAttributes(
		attribute.String("workflow", cfg.WorkflowName),
	))
	defer span.End()

	start := time.Now()
	wf, found, err := s.source.GetWorkflow(ctx, cfg.WorkflowName)
	if err != nil || !found {
		slog.Error("scheduled workflow not found", "workflow", cfg.WorkflowName, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
		return
	}

	if _, err := s.runner.Run(ctx, wf, nil, s.submit); err != nil {
		slog.Error("scheduled workflow execution failed",
			"workflow", cfg.WorkflowName, "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
		return
	}

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
	slog.Info("scheduled workflow completed", "workflow", cfg.WorkflowName, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) registerEventHandler(cfg types.ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handler, ok := s.eventHandlers[cfg.EventType]
	if !ok {
		handler = &eventHandler{}
		s.eventHandlers[cfg.EventType] = handler
	}
	handler.mu.Lock()
	handler.schedules = append(handler.schedules, cfg)
	handler.mu.Unlock()
}

func matchesFilter(eventData, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	for key, want := range filter {
		got, ok := eventData[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
