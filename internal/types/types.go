// Package types defines the data model shared across the orchestration
// and resource-management components.
package types

import (
	"time"

	"github.com/swarmguard/modelrt/internal/rterr"
)

// Role is a closed enum for Message roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the recognized roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is immutable after append.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelConstraints bounds a ModelContext's size.
type ModelConstraints struct {
	MaxTokens          int  `json:"max_tokens"`
	ContextWindow      int  `json:"context_window"`
	TruncateMessages   bool `json:"truncate_messages"`
	SystemTokenReserve int  `json:"system_token_reserve,omitempty"`
	ResponseTokens     int  `json:"response_tokens,omitempty"`
}

// Validate requires both bounds to be strictly positive.
func (c ModelConstraints) Validate() error {
	if c.ContextWindow <= 0 || c.MaxTokens <= 0 {
		return rterr.ErrInvalidConstraints
	}
	return nil
}

// ContextMetadata tracks lifecycle and priority bookkeeping for a ModelContext.
type ContextMetadata struct {
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	LastUpdated time.Time `json:"last_updated"`
	Priority    int       `json:"priority"`
	Importance  float64   `json:"importance"`
	// EvictionPriority is a tie-break below Priority in eviction ordering.
	EvictionPriority EvictionPriority `json:"eviction_priority,omitempty"`
}

// EvictionPriority is a low|normal|high eviction label.
type EvictionPriority string

const (
	EvictionLow    EvictionPriority = "low"
	EvictionNormal EvictionPriority = "normal"
	EvictionHigh   EvictionPriority = "high"
)

// rank returns a sort weight: lower evicts first.
func (e EvictionPriority) rank() int {
	switch e {
	case EvictionLow:
		return 0
	case EvictionHigh:
		return 2
	default:
		return 1
	}
}

// LessEvictable reports whether a should be evicted before b, ordering
// by (priority asc, last_access asc, eviction-priority asc), the order
// the critical-pressure unload loop walks contexts in.
func LessEvictable(aPriority, bPriority int, aAccess, bAccess time.Time, aEvict, bEvict EvictionPriority) bool {
	if aPriority != bPriority {
		return aPriority < bPriority
	}
	if !aAccess.Equal(bAccess) {
		return aAccess.Before(bAccess)
	}
	return aEvict.rank() < bEvict.rank()
}

// ModelContext is the per-model conversational/working state.
type ModelContext struct {
	ModelID     string           `json:"model_id"`
	Messages    []Message        `json:"messages"`
	TokenCount  int              `json:"token_count"`
	Constraints ModelConstraints `json:"constraints"`
	Metadata    ContextMetadata  `json:"metadata"`
}

// SystemResources is a point-in-time snapshot of accounted system usage.
type SystemResources struct {
	TotalMemory     int64             `json:"total_memory"`
	AllocatedMemory int64             `json:"allocated_memory"`
	MemoryPressure  float64           `json:"memory_pressure"`
	CPU             float64           `json:"cpu"`
	AvailableCores  int               `json:"available_cores"`
	GPUMemory       int64             `json:"gpu_memory,omitempty"`
	Buffers         map[string]int64  `json:"buffers,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// CacheEntry is a disk-spill or in-memory cache record owned by the cache.
type CacheEntry struct {
	Context      ModelContext `json:"context"`
	CreatedAt    time.Time    `json:"created_at"`
	LastAccessed time.Time    `json:"last_accessed"`
	AccessCount  int          `json:"access_count"`
	SizeBytes    int64        `json:"size_bytes"`
	Metadata     map[string]string
}

// Task is a unit of dispatch.
type Task struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Priority  int                    `json:"priority,omitempty"`
	Timeout   time.Duration          `json:"timeout,omitempty"`
	Retries   int                    `json:"retries,omitempty"`
	ModelType string                 `json:"model_type,omitempty"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// ParallelizationStrategy controls how an ExecutionPlan's nodes run.
type ParallelizationStrategy string

const (
	StrategyNone      ParallelizationStrategy = "none"
	StrategyParallel  ParallelizationStrategy = "parallel"
	StrategyPipelined ParallelizationStrategy = "pipelined"
)

// PlanNode is one node of an ExecutionPlan's dependency chain.
type PlanNode struct {
	ModelID        string   `json:"model_id"`
	TaskType       string   `json:"task_type"`
	Inputs         []string `json:"inputs,omitempty"`
	Outputs        []string `json:"outputs,omitempty"`
	FallbackModels []string `json:"fallback_models,omitempty"`
	IsParallel     bool     `json:"is_parallel"`
	Priority       int      `json:"priority"`
}

// Chain is the DAG over PlanNodes.
type Chain struct {
	Nodes        map[string]*PlanNode `json:"nodes"`
	EntryPoints  []string             `json:"entry_points"`
	ExitPoints   []string             `json:"exit_points"`
	Dependencies map[string][]string  `json:"dependencies"`
}

// ExecutionPlan is the unit the orchestrator builds and drives.
type ExecutionPlan struct {
	Chain                  Chain                   `json:"chain"`
	Context                map[string]interface{}  `json:"context,omitempty"`
	Priority               int                     `json:"priority"`
	MaxRetries             int                     `json:"max_retries"`
	ParallelizationStrategy ParallelizationStrategy `json:"parallelization_strategy"`
}

// AggregationStrategy controls how a CompositeTask's subtasks combine.
type AggregationStrategy string

const (
	AggregationSequential AggregationStrategy = "sequential"
	AggregationParallel   AggregationStrategy = "parallel"
	AggregationPipeline   AggregationStrategy = "pipeline"
)

// CompositeTask is a Task whose execution is a DAG of subtasks.
type CompositeTask struct {
	ID                  string              `json:"id"`
	Subtasks            []Task              `json:"subtasks"`
	AggregationStrategy AggregationStrategy `json:"aggregation_strategy"`
	Dependencies        map[string][]string `json:"dependencies"`
}

// HealthStatus is the health monitor's 3-state machine output.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthState is the current state plus anti-flap bookkeeping.
type HealthState struct {
	Status                  HealthStatus `json:"status"`
	Since                   time.Time    `json:"since"`
	TransitionsInLastMinute int          `json:"transitions_in_last_minute"`
	ConfirmationSamplesSeen int          `json:"confirmation_samples_seen"`
}

// ScheduledStatus is a ScheduledTask's lifecycle state.
type ScheduledStatus string

const (
	ScheduledPending   ScheduledStatus = "pending"
	ScheduledRunning   ScheduledStatus = "running"
	ScheduledCompleted ScheduledStatus = "completed"
	ScheduledFailed    ScheduledStatus = "failed"
	ScheduledCancelled ScheduledStatus = "cancelled"
)

// ScheduledTask wraps a Task as tracked by the TaskDelegator's priority queue.
type ScheduledTask struct {
	Task         Task
	Priority     int
	Dependencies []string
	Status       ScheduledStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       map[string]interface{}
	Err          error
}

// TaskResultMetadata is carried on every TaskResult.
type TaskResultMetadata struct {
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
	FallbackModel string        `json:"fallback_model,omitempty"`
}

// TaskResultStatus is the user-visible outcome.
type TaskResultStatus string

const (
	TaskResultSuccess TaskResultStatus = "success"
	TaskResultError   TaskResultStatus = "error"
)

// TaskResult is returned to callers of the orchestrator.
type TaskResult struct {
	Success  bool                   `json:"success"`
	Status   TaskResultStatus       `json:"status"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata TaskResultMetadata     `json:"metadata"`
}

// StepType enumerates WorkflowStep kinds.
type StepType string

const (
	StepAnalysis       StepType = "analysis"
	StepGeneration     StepType = "generation"
	StepConditional    StepType = "conditional"
	StepTransformation StepType = "transformation"
)

// InputSource enumerates where a WorkflowStep input is read from.
type InputSource string

const (
	SourceParameter    InputSource = "parameter"
	SourcePreviousStep InputSource = "previous_step"
	SourceContext      InputSource = "context"
)

// StepInput describes one input binding for a WorkflowStep.
type StepInput struct {
	Source InputSource `json:"source"`
	Key    string      `json:"key"`
}

// StepCondition is evaluated for StepConditional steps.
type StepCondition struct {
	Operator string `json:"operator"`
	Left     string `json:"left"`
	Right    string `json:"right"`
}

// NextSteps names the default or conditional successor step ids.
type NextSteps struct {
	Default     string            `json:"default,omitempty"`
	Conditional map[string]string `json:"conditional,omitempty"` // "true"/"false" -> step id
}

// WorkflowStep is one node of a Workflow's step graph.
type WorkflowStep struct {
	ID         string                 `json:"id"`
	Type       StepType               `json:"type"`
	Operation  string                 `json:"operation"`
	Inputs     []StepInput            `json:"inputs,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Condition  *StepCondition         `json:"condition,omitempty"`
	NextSteps  NextSteps              `json:"next_steps"`
}

// Workflow is a named step graph.
type Workflow struct {
	Name        string                  `json:"name"`
	ID          string                  `json:"id"`
	InitialStep string                  `json:"initial_step"`
	Steps       map[string]WorkflowStep `json:"steps"`
	Parameters  map[string]interface{}  `json:"parameters,omitempty"`
}

// ExecutionStatus is a WorkflowExecution's lifecycle state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepExecutionResult records one step's outcome within an execution.
type StepExecutionResult struct {
	StepID    string                 `json:"step_id"`
	Status    ExecutionStatus        `json:"status"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Attempts  int                    `json:"attempts"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
}

// WorkflowExecution tracks one run of a Workflow through its step graph.
type WorkflowExecution struct {
	ID          string                          `json:"id"`
	WorkflowID  string                          `json:"workflow_id"`
	Status      ExecutionStatus                 `json:"status"`
	CurrentStep string                          `json:"current_step,omitempty"`
	Steps       map[string]StepExecutionResult  `json:"steps"`
	Context     map[string]interface{}          `json:"context"`
	StartedAt   time.Time                       `json:"started_at"`
	EndedAt     time.Time                       `json:"ended_at"`
	Error       string                          `json:"error,omitempty"`
}

// ScheduleConfig defines when and how a saved Workflow is re-executed:
// either on a cron expression or in response to a matching event.
type ScheduleConfig struct {
	WorkflowName  string                 `json:"workflow_name"`
	CronExpr      string                 `json:"cron_expr,omitempty"`
	EventType     string                 `json:"event_type,omitempty"`
	EventFilter   map[string]interface{} `json:"event_filter,omitempty"`
	Enabled       bool                   `json:"enabled"`
	MaxConcurrent int                    `json:"max_concurrent,omitempty"`
	Timeout       time.Duration          `json:"timeout,omitempty"`
}
