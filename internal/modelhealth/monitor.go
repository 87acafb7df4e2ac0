// Package modelhealth makes orchestration-level admission decisions
// from a handoff counter and a queue-depth gauge, reported alongside
// the underlying resource manager's memory/CPU headroom.
package modelhealth

import (
	"math"
	"sync"
	"sync/atomic"
)

// ResourceView is the subset of ResourceManager state ModelHealthMonitor
// reads to compute memory/CPU headroom; internal/resource.Manager
// satisfies it.
type ResourceView interface {
	MemoryPressure() float64
}

// Config holds ModelHealthMonitor's admission thresholds.
type Config struct {
	TotalMemory       int64
	MinAvailableMemory int64
	MaxActiveModels   int
	MaxQueueDepth     int
	TotalCPU          float64
	MinAvailableCPU   float64
}

// OrchestrationStatus is the reported orchestration-state enum.
type OrchestrationStatus string

const (
	StatusAvailable   OrchestrationStatus = "available"
	StatusDegraded    OrchestrationStatus = "degraded"
	StatusUnavailable OrchestrationStatus = "unavailable"
)

// Resources is the resource-headroom section of CheckModelHealth's result.
type Resources struct {
	MemoryAvailable int64
	CPUAvailable    float64
	ActiveModels    int
}

// Orchestration is the orchestration-state section of the result.
type Orchestration struct {
	Status         OrchestrationStatus
	ActiveHandoffs int
	QueueDepth     int
}

// Health is the full result of CheckModelHealth.
type Health struct {
	Resources      Resources
	Orchestration  Orchestration
	CanAcceptTasks bool
}

// Monitor tracks in-flight handoffs and queue depth and derives
// admission decisions from them plus a ResourceView.
type Monitor struct {
	cfg  Config
	res  ResourceView
	cpu  func() float64

	activeHandoffs int64
	queueDepth     int64

	mu           sync.Mutex
	activeModels int
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithCPUProbe overrides the CPU-availability source; defaults to
// reporting full availability (0 used, so cfg.TotalCPU available).
func WithCPUProbe(fn func() float64) Option {
	return func(m *Monitor) { m.cpu = fn }
}

// NewMonitor constructs a Monitor reading memory pressure from res.
func NewMonitor(cfg Config, res ResourceView, opts ...Option) *Monitor {
	m := &Monitor{cfg: cfg, res: res, cpu: func() float64 { return 0 }}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetActiveModels records the current count of loaded models, as
// tracked by ResourceManager/ContextStore.
func (m *Monitor) SetActiveModels(n int) {
	m.mu.Lock()
	m.activeModels = n
	m.mu.Unlock()
}

// BeginHandoff increments active_handoffs; call EndHandoff when the
// handoff succeeds or fails.
func (m *Monitor) BeginHandoff() {
	atomic.AddInt64(&m.activeHandoffs, 1)
}

// EndHandoff decrements active_handoffs.
func (m *Monitor) EndHandoff() {
	atomic.AddInt64(&m.activeHandoffs, -1)
}

// SetQueueDepth records the delegator's current queue depth.
func (m *Monitor) SetQueueDepth(n int) {
	atomic.StoreInt64(&m.queueDepth, int64(n))
}

// CheckModelHealth computes the current admission snapshot.
func (m *Monitor) CheckModelHealth() Health {
	m.mu.Lock()
	activeModels := m.activeModels
	m.mu.Unlock()

	memPressure := 0.0
	if m.res != nil {
		memPressure = m.res.MemoryPressure()
	}
	memAvailable := m.cfg.TotalMemory - int64(memPressure*float64(m.cfg.TotalMemory))
	cpuAvailable := m.cfg.TotalCPU - m.cpu()

	handoffs := int(atomic.LoadInt64(&m.activeHandoffs))
	queueDepth := int(atomic.LoadInt64(&m.queueDepth))

	canAccept := memAvailable >= m.cfg.MinAvailableMemory &&
		activeModels < m.cfg.MaxActiveModels &&
		queueDepth < m.cfg.MaxQueueDepth

	status := StatusAvailable
	if !canAccept {
		status = StatusUnavailable
	} else {
		degradeThreshold := int(math.Ceil(float64(m.cfg.MaxQueueDepth) * 0.6))
		if queueDepth >= degradeThreshold || handoffs >= 1 {
			status = StatusDegraded
		}
	}

	return Health{
		Resources: Resources{
			MemoryAvailable: memAvailable,
			CPUAvailable:    cpuAvailable,
			ActiveModels:    activeModels,
		},
		Orchestration: Orchestration{
			Status:         status,
			ActiveHandoffs: handoffs,
			QueueDepth:     queueDepth,
		},
		CanAcceptTasks: canAccept,
	}
}
