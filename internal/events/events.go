// Package events implements the runtime's typed event stream: a closed
// event enum delivered to a synchronous subscriber list. Events are
// summary-only so no back-pressure handling is required.
//
// An optional NATS sink (internal/core/natsctx) mirrors the stream to a
// subject prefix when a connection is configured; distribution never
// blocks emission.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/modelrt/internal/core/natsctx"
)

// Kind is the closed taxonomy of event types.
type Kind string

const (
	KindModelLoaded       Kind = "ModelLoaded"
	KindModelUnloaded     Kind = "ModelUnloaded"
	KindMemoryOptimized   Kind = "MemoryOptimized"
	KindResourcePressure  Kind = "ResourcePressure"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindContextOptimized  Kind = "ContextOptimized"
	KindContextCleanup    Kind = "ContextCleanup"
	KindError             Kind = "Error"
	KindMetricsUpdated    Kind = "MetricsUpdated"
)

// Event is a single typed, summary-only notification.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	ModelID   string                 `json:"model_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Subscriber receives events synchronously, in the order a single
// component emitted them. Subscribers must not block.
type Subscriber func(Event)

// Bus is a synchronous, in-process typed event bus with an optional NATS
// mirror. The zero value is not usable; construct with NewBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber

	nc      *nats.Conn
	subject string
}

// NewBus constructs an event bus with no external mirror.
func NewBus() *Bus {
	return &Bus{}
}

// WithNATS configures an optional best-effort mirror onto subject prefix
// "<subject>.<kind>" on the given connection. nc may be nil, in which
// case the bus behaves exactly as NewBus.
func (b *Bus) WithNATS(nc *nats.Conn, subject string) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nc = nc
	b.subject = subject
	return b
}

// Subscribe attaches a subscriber and returns a detach function.
func (b *Bus) Subscribe(sub Subscriber) (detach func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
	idx := len(b.subscribers) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subscribers) {
			b.subscribers[idx] = nil
		}
	}
}

// Emit delivers ev to every live subscriber in registration order, then
// best-effort mirrors it to NATS if configured. Emission for a single
// component is strictly ordered; no ordering is guaranteed across
// components calling Emit concurrently.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	nc := b.nc
	subject := b.subject
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		sub(ev)
	}

	if nc != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("event marshal failed", "kind", ev.Kind, "error", err)
			return
		}
		if err := natsctx.Publish(ctx, nc, subject+"."+string(ev.Kind), data); err != nil {
			slog.Warn("event mirror publish failed", "kind", ev.Kind, "error", err)
		}
	}
}
