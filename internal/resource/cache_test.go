package resource

import (
	"testing"
	"time"

	"github.com/swarmguard/modelrt/internal/types"
)

func TestMemCacheRoundTrip(t *testing.T) {
	c := NewMemCache(time.Hour)
	now := time.Now()
	ctx := types.ModelContext{ModelID: "m1", Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}}

	if err := c.Save("m1", ctx, now); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := c.Load("m1", now)
	if !ok {
		t.Fatalf("expected entry to load")
	}
	if got.ModelID != "m1" || len(got.Messages) != 1 {
		t.Fatalf("unexpected roundtrip content: %+v", got)
	}
}

func TestMemCacheExpiresPastTTL(t *testing.T) {
	c := NewMemCache(time.Minute)
	created := time.Now()
	ctx := types.ModelContext{ModelID: "m1"}
	if err := c.Save("m1", ctx, created); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := c.Load("m1", created.Add(2*time.Minute)); ok {
		t.Fatalf("expected entry to be treated as absent past ttl")
	}
}

func TestMemCacheEvictRemovesEntry(t *testing.T) {
	c := NewMemCache(time.Hour)
	now := time.Now()
	c.Save("m1", types.ModelContext{ModelID: "m1"}, now)
	c.Evict("m1")
	if _, ok := c.Load("m1", now); ok {
		t.Fatalf("expected entry gone after evict")
	}
}

func TestDiskCacheAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir, time.Hour)
	now := time.Now()
	ctx := types.ModelContext{ModelID: "m1", Messages: []types.Message{{Role: types.RoleUser, Content: "hello"}}}

	if err := c.Save("m1", ctx, now); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := c.Load("m1", now)
	if !ok {
		t.Fatalf("expected entry to load from disk")
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Fatalf("unexpected disk roundtrip content: %+v", got)
	}
}

func TestDiskCacheMissingEntryLoadsFalse(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir, time.Hour)
	if _, ok := c.Load("ghost", time.Now()); ok {
		t.Fatalf("expected no entry for unknown id")
	}
}
