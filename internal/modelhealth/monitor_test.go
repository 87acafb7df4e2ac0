package modelhealth

import "testing"

type fakeResource struct{ pressure float64 }

func (f fakeResource) MemoryPressure() float64 { return f.pressure }

func baseConfig() Config {
	return Config{
		TotalMemory:        1000,
		MinAvailableMemory: 200,
		MaxActiveModels:    4,
		MaxQueueDepth:      10,
		TotalCPU:           1.0,
		MinAvailableCPU:    0.1,
	}
}

func TestCheckModelHealthAvailableWhenRoomy(t *testing.T) {
	m := NewMonitor(baseConfig(), fakeResource{pressure: 0.1})
	m.SetActiveModels(1)
	m.SetQueueDepth(1)

	h := m.CheckModelHealth()
	if !h.CanAcceptTasks {
		t.Fatalf("expected can_accept_tasks true, got %+v", h)
	}
	if h.Orchestration.Status != StatusAvailable {
		t.Fatalf("expected available, got %s", h.Orchestration.Status)
	}
}

func TestCheckModelHealthUnavailableWhenActiveModelsAtCap(t *testing.T) {
	cfg := baseConfig()
	m := NewMonitor(cfg, fakeResource{pressure: 0.1})
	m.SetActiveModels(cfg.MaxActiveModels)

	h := m.CheckModelHealth()
	if h.CanAcceptTasks {
		t.Fatalf("expected can_accept_tasks false at active model cap")
	}
	if h.Orchestration.Status != StatusUnavailable {
		t.Fatalf("expected unavailable, got %s", h.Orchestration.Status)
	}
}

func TestCheckModelHealthUnavailableWhenMemoryTooLow(t *testing.T) {
	cfg := baseConfig()
	// pressure 0.9 -> available = 1000 - 900 = 100 < MinAvailableMemory(200)
	m := NewMonitor(cfg, fakeResource{pressure: 0.9})
	m.SetActiveModels(1)

	h := m.CheckModelHealth()
	if h.CanAcceptTasks {
		t.Fatalf("expected can_accept_tasks false when memory too low")
	}
}

func TestCheckModelHealthDegradedOnQueueDepth(t *testing.T) {
	cfg := baseConfig() // MaxQueueDepth=10, 0.6*10=6 ceil=6
	m := NewMonitor(cfg, fakeResource{pressure: 0.1})
	m.SetActiveModels(1)
	m.SetQueueDepth(6)

	h := m.CheckModelHealth()
	if !h.CanAcceptTasks {
		t.Fatalf("expected still accepting tasks below hard caps")
	}
	if h.Orchestration.Status != StatusDegraded {
		t.Fatalf("expected degraded at 60%% queue depth, got %s", h.Orchestration.Status)
	}
}

func TestCheckModelHealthDegradedOnActiveHandoff(t *testing.T) {
	m := NewMonitor(baseConfig(), fakeResource{pressure: 0.1})
	m.SetActiveModels(1)
	m.BeginHandoff()
	defer m.EndHandoff()

	h := m.CheckModelHealth()
	if h.Orchestration.Status != StatusDegraded {
		t.Fatalf("expected degraded with an active handoff, got %s", h.Orchestration.Status)
	}
	if h.Orchestration.ActiveHandoffs != 1 {
		t.Fatalf("expected active_handoffs=1, got %d", h.Orchestration.ActiveHandoffs)
	}
}

func TestHandoffLifecycleDecrementsOnEnd(t *testing.T) {
	m := NewMonitor(baseConfig(), fakeResource{pressure: 0.1})
	m.BeginHandoff()
	m.EndHandoff()
	h := m.CheckModelHealth()
	if h.Orchestration.ActiveHandoffs != 0 {
		t.Fatalf("expected active_handoffs back to 0, got %d", h.Orchestration.ActiveHandoffs)
	}
}
