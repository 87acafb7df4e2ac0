// Package resource wraps a ContextStore with memory/CPU accounting,
// pressure-driven compression/eviction, a disk-spill cache with TTL and
// per-context advisory locks, and a per-model circuit breaker.
package resource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/modelrt/internal/contextstore"
	"github.com/swarmguard/modelrt/internal/events"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

// Config holds ResourceManager's tunables.
type Config struct {
	MaxMemoryUsage    int64
	MaxCPUUsage       float64
	WarningPressure   float64
	CriticalPressure  float64
	MaxModelsLoaded   int
	CircuitThreshold  int
	CircuitWindow     time.Duration
	CacheTTL          time.Duration
}

// DefaultConfig returns the default accounting and breaker tunables.
func DefaultConfig() Config {
	return Config{
		MaxMemoryUsage:   1 << 30, // 1 GiB
		MaxCPUUsage:      0.95,
		WarningPressure:  0.70,
		CriticalPressure: 0.90,
		MaxModelsLoaded:  64,
		CircuitThreshold: 4,
		CircuitWindow:    60 * time.Second,
		CacheTTL:         30 * time.Minute,
	}
}

// Manager wraps a ContextStore with accounting, spill, and circuit breaking.
type Manager struct {
	cfg   Config
	store *contextstore.Store
	cache *Cache
	bus   *events.Bus
	now   func() time.Time

	mu        sync.Mutex
	allocated int64
	cpu       float64
	breakers  map[string]*breaker
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithClock overrides time.Now, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.now = fn }
}

// NewManager constructs a Manager. store and cache are owned by the
// caller and may be shared with other components for inspection.
func NewManager(cfg Config, store *contextstore.Store, cache *Cache, bus *events.Bus, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		bus:      bus,
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) breakerFor(modelID string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[modelID]
	if !ok {
		b = newBreaker(m.cfg.CircuitThreshold, m.cfg.CircuitWindow, m.now)
		m.breakers[modelID] = b
	}
	return b
}

func (m *Manager) handleFailure(modelID string) {
	m.breakerFor(modelID).RecordFailure()
}

// Initialize creates a context for modelID. The sole admission cap on
// simultaneous contexts lives here, not in ContextStore.Initialize;
// when the cap is reached, the critical-pressure cleanup pass runs
// before the call fails ResourceExhausted.
func (m *Manager) Initialize(ctx context.Context, modelID string, constraints types.ModelConstraints) error {
	if m.cfg.MaxModelsLoaded > 0 && len(m.store.Models()) >= m.cfg.MaxModelsLoaded {
		// Run the ordinary (pressure-gated) cleanup pass: it only frees
		// a slot when memory pressure actually warrants it. Reaching the
		// cap alone does not force an eviction of healthy, low-pressure
		// contexts.
		m.runPressurePass(ctx)
		if len(m.store.Models()) >= m.cfg.MaxModelsLoaded {
			return rterr.ErrResourceExhausted.WithModel(modelID)
		}
	}
	if err := m.store.Initialize(modelID, constraints); err != nil {
		return err
	}
	m.emit(ctx, events.Event{
		Kind:    events.KindModelLoaded,
		ModelID: modelID,
		Fields:  map[string]interface{}{"from_cache": false},
	})
	return nil
}

// AddMessage runs the admission pipeline: breaker gate, message
// validation, memory/CPU limits, token delta, then append + accounting
// + cache persist.
func (m *Manager) AddMessage(ctx context.Context, modelID string, msg types.Message) error {
	b := m.breakerFor(modelID)
	if !b.Allow() {
		return rterr.ErrCircuitBreaker.WithModel(modelID)
	}

	// Validation failures surface immediately and never touch the
	// breaker; only resource and processing failures count against it.
	if err := contextstore.ValidateMessage(msg); err != nil {
		return err
	}

	estimate := int64(len(msg.Content))
	m.mu.Lock()
	projected := m.allocated + estimate
	cpu := m.cpu
	m.mu.Unlock()

	if m.cfg.MaxMemoryUsage > 0 && projected > m.cfg.MaxMemoryUsage {
		m.emitExhausted(ctx, "memory", m.cfg.MaxMemoryUsage, projected)
		m.handleFailure(modelID)
		return rterr.ErrMemoryLimit.WithModel(modelID)
	}
	if m.cfg.MaxCPUUsage > 0 && cpu > m.cfg.MaxCPUUsage {
		m.emitExhausted(ctx, "cpu", int64(m.cfg.MaxCPUUsage*100), int64(cpu*100))
		m.handleFailure(modelID)
		return rterr.ErrCpuLimit.WithModel(modelID)
	}

	before, _ := m.store.Get(modelID)
	beforeSize := contextByteSize(before)

	if err := m.store.AddMessage(ctx, modelID, msg); err != nil {
		if kind, ok := rterr.KindOf(err); ok && kind == rterr.KindResourceExhausted {
			m.emitExhausted(ctx, "Token limit exceeded", int64(before.Constraints.MaxTokens), int64(before.TokenCount))
			m.unloadExhausted(ctx, modelID, beforeSize)
		}
		m.handleFailure(modelID)
		return err
	}

	after, err := m.store.Get(modelID)
	if err != nil {
		m.handleFailure(modelID)
		return err
	}
	afterSize := contextByteSize(after)

	m.mu.Lock()
	m.allocated += afterSize - beforeSize
	m.mu.Unlock()

	if err := m.persist(modelID, after); err != nil {
		return err
	}

	m.runPressurePass(ctx)
	return nil
}

// Get returns modelID's context, restoring it from the disk-spill cache
// if it is not currently resident in the ContextStore.
func (m *Manager) Get(modelID string) (types.ModelContext, error) {
	if mc, err := m.store.Get(modelID); err == nil {
		return mc, nil
	}

	if m.cache == nil {
		return types.ModelContext{}, rterr.ErrContextNotFound.WithModel(modelID)
	}
	cached, ok := m.cache.Load(modelID, m.now())
	if !ok {
		return types.ModelContext{}, rterr.ErrContextNotFound.WithModel(modelID)
	}
	if err := m.store.Restore(modelID, cached); err != nil {
		return types.ModelContext{}, err
	}
	m.mu.Lock()
	m.allocated += contextByteSize(cached)
	m.mu.Unlock()
	m.emit(context.Background(), events.Event{
		Kind:    events.KindModelLoaded,
		ModelID: modelID,
		Fields:  map[string]interface{}{"from_cache": true},
	})
	return m.store.Get(modelID)
}

// Remove detaches modelID, releasing its accounted memory and cache
// entry. Its circuit breaker state is left intact (failures are a
// per-model history independent of whether a context is currently
// loaded).
func (m *Manager) Remove(modelID string) error {
	existing, getErr := m.store.Get(modelID)
	if err := m.store.Remove(modelID); err != nil {
		return err
	}
	if getErr == nil {
		m.mu.Lock()
		m.allocated -= contextByteSize(existing)
		if m.allocated < 0 {
			m.allocated = 0
		}
		m.mu.Unlock()
	}
	if m.cache != nil {
		m.cache.Evict(modelID)
	}
	m.emit(context.Background(), events.Event{
		Kind:    events.KindModelUnloaded,
		ModelID: modelID,
		Fields:  map[string]interface{}{"reason": "removed"},
	})
	return nil
}

// unloadExhausted tears a context down after the token-exhaustion path
// fires: the context is detached, its accounted memory released, its
// cache entry dropped, and a ContextCleanup event emitted.
func (m *Manager) unloadExhausted(ctx context.Context, modelID string, size int64) {
	if err := m.store.Remove(modelID); err != nil {
		return
	}
	m.mu.Lock()
	m.allocated -= size
	if m.allocated < 0 {
		m.allocated = 0
	}
	m.mu.Unlock()
	if m.cache != nil {
		m.cache.Evict(modelID)
	}
	m.emit(ctx, events.Event{
		Kind:    events.KindContextCleanup,
		ModelID: modelID,
		Fields: map[string]interface{}{
			"reason":  "token limit exceeded",
			"details": "context unloaded on exhaustion",
		},
	})
}

func (m *Manager) emit(ctx context.Context, ev events.Event) {
	if m.bus == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.bus.Emit(ctx, ev)
}

func (m *Manager) persist(modelID string, ctx types.ModelContext) error {
	if m.cache == nil {
		return nil
	}
	if err := m.cache.Save(modelID, ctx, m.now()); err != nil {
		return err
	}
	return nil
}

func (m *Manager) emitExhausted(ctx context.Context, reason string, limit, current int64) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, events.Event{
		Kind: events.KindResourceExhausted,
		Fields: map[string]interface{}{
			"reason":  reason,
			"limit":   limit,
			"current": current,
		},
	})
}

// MemoryPressure returns allocated/max_memory_usage, in [0, +inf).
func (m *Manager) MemoryPressure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxMemoryUsage <= 0 {
		return 0
	}
	return float64(m.allocated) / float64(m.cfg.MaxMemoryUsage)
}

// RecordCPU records the latest observed CPU utilization fraction. The
// sampling method is the caller's concern; the manager only compares
// the last reading against its limit.
func (m *Manager) RecordCPU(v float64) {
	m.mu.Lock()
	m.cpu = v
	m.mu.Unlock()
}

// runPressurePass applies the pressure bands: on crossing warning it
// emits ResourcePressure; on crossing critical it optimizes in (lowest
// priority, oldest last_access) order, then spills least-recently-used
// contexts to disk, then unloads the oldest until pressure falls below
// warning.
func (m *Manager) runPressurePass(ctx context.Context) {
	pressure := m.MemoryPressure()
	if pressure < m.cfg.WarningPressure {
		return
	}
	if m.bus != nil {
		m.bus.Emit(ctx, events.Event{
			Kind:   events.KindResourcePressure,
			Fields: map[string]interface{}{"pressure": pressure},
		})
	}
	if pressure < m.cfg.CriticalPressure {
		return
	}

	for _, id := range m.evictionOrder() {
		if m.MemoryPressure() < m.cfg.WarningPressure {
			return
		}

		before, err := m.store.Get(id)
		if err != nil {
			continue
		}
		beforeSize := contextByteSize(before)

		if m.store.Optimize(ctx, id) == nil {
			mc, err := m.store.Get(id)
			if err != nil {
				continue
			}
			afterSize := contextByteSize(mc)
			m.mu.Lock()
			m.allocated -= beforeSize - afterSize
			if m.allocated < 0 {
				m.allocated = 0
			}
			m.mu.Unlock()
			_ = m.persist(id, mc)
			if saved := beforeSize - afterSize; saved > 0 {
				m.emit(ctx, events.Event{
					Kind:    events.KindMemoryOptimized,
					ModelID: id,
					Fields: map[string]interface{}{
						"strategy":     "prune",
						"saved_memory": saved,
						"priority":     before.Metadata.Priority,
					},
				})
			}
			beforeSize = afterSize
		}

		if m.MemoryPressure() >= m.cfg.WarningPressure {
			if err := m.store.Remove(id); err == nil {
				m.mu.Lock()
				m.allocated -= beforeSize
				if m.allocated < 0 {
					m.allocated = 0
				}
				m.mu.Unlock()
				m.emit(ctx, events.Event{
					Kind:    events.KindModelUnloaded,
					ModelID: id,
					Fields:  map[string]interface{}{"reason": "memory_pressure"},
				})
			}
		}
	}
}

// evictionOrder returns model ids sorted by (lowest priority, oldest
// last_access, lowest eviction-priority rank), matching
// types.LessEvictable.
func (m *Manager) evictionOrder() []string {
	ids := m.store.Models()
	contexts := make(map[string]types.ModelContext, len(ids))
	for _, id := range ids {
		if mc, err := m.store.Get(id); err == nil {
			contexts[id] = mc
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := contexts[ids[i]], contexts[ids[j]]
		return types.LessEvictable(
			a.Metadata.Priority, b.Metadata.Priority,
			a.Metadata.LastAccess, b.Metadata.LastAccess,
			a.Metadata.EvictionPriority, b.Metadata.EvictionPriority,
		)
	})
	return ids
}

func contextByteSize(mc types.ModelContext) int64 {
	var total int64
	for _, msg := range mc.Messages {
		total += int64(len(msg.Content))
	}
	return total
}
