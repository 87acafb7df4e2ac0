package backend_test

import (
	"testing"

	"github.com/swarmguard/modelrt/internal/backend"
	"github.com/swarmguard/modelrt/internal/backend/mock"
)

func TestRegistryRegisterGetRemove(t *testing.T) {
	r := backend.NewRegistry()
	b := mock.New()

	r.Register("model-a", b)
	got, ok := r.Get("model-a")
	if !ok || got != backend.Backend(b) {
		t.Fatalf("expected to get back the registered backend")
	}

	r.Remove("model-a")
	if _, ok := r.Get("model-a"); ok {
		t.Fatalf("expected model-a gone after Remove")
	}
}

func TestRegistryList(t *testing.T) {
	r := backend.NewRegistry()
	r.Register("a", mock.New())
	r.Register("b", mock.New())

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
}
