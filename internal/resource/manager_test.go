package resource

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/modelrt/internal/contextstore"
	"github.com/swarmguard/modelrt/internal/events"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

func testManager(cfg Config) *Manager {
	store := contextstore.NewStore()
	cache := NewMemCache(time.Hour)
	return NewManager(cfg, store, cache, events.NewBus())
}

func TestManagerAddMessageTracksAllocatedMemory(t *testing.T) {
	cfg := DefaultConfig()
	m := testManager(cfg)
	ctx := context.Background()

	if err := m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "hello world"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if m.MemoryPressure() <= 0 {
		t.Fatalf("expected nonzero memory pressure after append")
	}
}

func TestManagerAddMessageFailsMemoryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryUsage = 4 // bytes, tiny on purpose
	m := testManager(cfg)
	ctx := context.Background()

	m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000})
	err := m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "this is far more than four bytes"})
	if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindMemoryLimit {
		t.Fatalf("expected MemoryLimit, got %v", err)
	}
}

func TestManagerAddMessageFailsTokenLimitAndEmitsReason(t *testing.T) {
	cfg := DefaultConfig()
	store := contextstore.NewStore()
	cache := NewMemCache(time.Hour)
	bus := events.NewBus()
	m := NewManager(cfg, store, cache, bus)
	ctx := context.Background()

	var reasons []string
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.KindResourceExhausted {
			reasons = append(reasons, e.Fields["reason"].(string))
		}
	})

	if err := m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 10, ContextWindow: 200}); err != nil {
		t.Fatalf("init: %v", err)
	}
	err := m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "this message is far too long for a ten token budget"})
	if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if len(reasons) != 1 || reasons[0] != "Token limit exceeded" {
		t.Fatalf("expected one ResourceExhausted event with reason %q, got %v", "Token limit exceeded", reasons)
	}

	// The exhausted context is torn down, not left resident.
	if _, err := store.Get("m1"); err == nil {
		t.Fatalf("expected context removed after token exhaustion")
	}
	if _, ok := cache.Load("m1", time.Now()); ok {
		t.Fatalf("expected cache entry evicted after token exhaustion")
	}
}

func TestManagerEmitsModelLifecycleEvents(t *testing.T) {
	cfg := DefaultConfig()
	store := contextstore.NewStore()
	cache := NewMemCache(time.Hour)
	bus := events.NewBus()
	m := NewManager(cfg, store, cache, bus)
	ctx := context.Background()

	var kinds []events.Kind
	var fromCache []bool
	bus.Subscribe(func(e events.Event) {
		switch e.Kind {
		case events.KindModelLoaded:
			kinds = append(kinds, e.Kind)
			fc, _ := e.Fields["from_cache"].(bool)
			fromCache = append(fromCache, fc)
		case events.KindModelUnloaded:
			kinds = append(kinds, e.Kind)
		}
	})

	if err := m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Remove("m1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if len(kinds) != 2 || kinds[0] != events.KindModelLoaded || kinds[1] != events.KindModelUnloaded {
		t.Fatalf("expected ModelLoaded then ModelUnloaded, got %v", kinds)
	}
	if fromCache[0] {
		t.Fatalf("expected from_cache=false on fresh initialize")
	}
}

func TestManagerCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryUsage = 4 // bytes, so every append fails MemoryLimit
	cfg.CircuitThreshold = 2
	cfg.CircuitWindow = time.Minute
	m := testManager(cfg)
	ctx := context.Background()

	m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000})

	// Two memory-limit failures trip the breaker.
	for i := 0; i < 2; i++ {
		err := m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "far more than four bytes"})
		if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindMemoryLimit {
			t.Fatalf("expected MemoryLimit, got %v", err)
		}
	}

	err := m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "hi"})
	if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindCircuitBreaker {
		t.Fatalf("expected CircuitBreaker once threshold reached, got %v", err)
	}
}

func TestManagerInvalidMessageDoesNotTouchBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitThreshold = 2
	cfg.CircuitWindow = time.Minute
	m := testManager(cfg)
	ctx := context.Background()

	m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000})

	for i := 0; i < 5; i++ {
		err := m.AddMessage(ctx, "m1", types.Message{Role: "bogus", Content: "x"})
		if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindInvalidMessage {
			t.Fatalf("expected InvalidMessage, got %v", err)
		}
	}

	// Well past the threshold in validation failures, the breaker must
	// still admit a valid message.
	if err := m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "still admitted"}); err != nil {
		t.Fatalf("expected valid message admitted after validation failures, got %v", err)
	}
}

func TestManagerRemoveReleasesMemoryAndCache(t *testing.T) {
	m := testManager(DefaultConfig())
	ctx := context.Background()
	m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000})
	m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "hello"})

	if err := m.Remove("m1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.MemoryPressure() != 0 {
		t.Fatalf("expected memory released after remove, got pressure %f", m.MemoryPressure())
	}
	if _, ok := m.cache.Load("m1", time.Now()); ok {
		t.Fatalf("expected cache entry evicted after remove")
	}
}

func TestManagerGetRestoresFromCache(t *testing.T) {
	m := testManager(DefaultConfig())
	ctx := context.Background()
	m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000})
	m.AddMessage(ctx, "m1", types.Message{Role: types.RoleUser, Content: "hello"})

	// Detach from the live store without touching the cache, simulating
	// an eviction that left the disk-spill entry behind.
	m.store.Remove("m1")

	got, err := m.Get("m1")
	if err != nil {
		t.Fatalf("expected restore from cache, got error: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected restored context to carry its messages, got %+v", got)
	}
}

func TestManagerInitializeEnforcesModelCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxModelsLoaded = 1
	m := testManager(cfg)
	ctx := context.Background()

	if err := m.Initialize(ctx, "m1", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000}); err != nil {
		t.Fatalf("init m1: %v", err)
	}
	err := m.Initialize(ctx, "m2", types.ModelConstraints{MaxTokens: 500, ContextWindow: 1000})
	if kind, ok := rterr.KindOf(err); !ok || kind != rterr.KindResourceExhausted {
		t.Fatalf("expected ResourceExhausted at cap, got %v", err)
	}
}
