// Package mock provides a deterministic backend.Backend test double
// with scriptable responses, latency, and health.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/modelrt/internal/backend"
	"github.com/swarmguard/modelrt/internal/types"
)

// Response is one scripted outcome for a Chat call.
type Response struct {
	Content string
	Err     error
}

// Backend is a scriptable backend.Backend: Chat walks a fixed sequence
// of Responses, repeating the last one once exhausted.
type Backend struct {
	mu           sync.Mutex
	responses    []Response
	idx          int
	latency      time.Duration
	healthy      bool
	capabilities backend.Capabilities
	contextState map[string]interface{}
	sleep        func(time.Duration)
	calls        int
}

// Option configures a Backend at construction.
type Option func(*Backend)

func WithResponses(rs ...Response) Option { return func(b *Backend) { b.responses = rs } }
func WithLatency(d time.Duration) Option  { return func(b *Backend) { b.latency = d } }
func WithHealthy(ok bool) Option          { return func(b *Backend) { b.healthy = ok } }
func WithCapabilities(c backend.Capabilities) Option {
	return func(b *Backend) { b.capabilities = c }
}
func WithSleeper(fn func(time.Duration)) Option { return func(b *Backend) { b.sleep = fn } }

// New builds a mock Backend defaulting to healthy with one successful
// response whose content is "mock response".
func New(opts ...Option) *Backend {
	b := &Backend{
		responses:    []Response{{Content: "mock response"}},
		healthy:      true,
		sleep:        time.Sleep,
		contextState: make(map[string]interface{}),
		capabilities: backend.Capabilities{ContextWindow: 8192, ModelType: "mock"},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Calls reports how many times Chat has been invoked.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *Backend) Chat(ctx context.Context, opts backend.ChatOptions) (backend.ChatResult, error) {
	b.mu.Lock()
	if b.latency > 0 {
		b.mu.Unlock()
		b.sleep(b.latency)
		b.mu.Lock()
	}
	i := b.idx
	if i >= len(b.responses) {
		i = len(b.responses) - 1
	}
	resp := b.responses[i]
	if b.idx < len(b.responses)-1 {
		b.idx++
	}
	b.calls++
	b.mu.Unlock()

	if ctx.Err() != nil {
		return backend.ChatResult{}, ctx.Err()
	}
	if resp.Err != nil {
		return backend.ChatResult{}, resp.Err
	}
	return backend.ChatResult{Content: resp.Content, Role: types.RoleAssistant}, nil
}

func (b *Backend) GetCapabilities(ctx context.Context) (backend.Capabilities, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capabilities, nil
}

func (b *Backend) HealthCheck(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

func (b *Backend) GetResourceMetrics(ctx context.Context) (backend.ResourceMetrics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return backend.ResourceMetrics{MemoryBytes: 1 << 20, CPUPercent: 1.0, ActiveRequests: 0}, nil
}

func (b *Backend) GetContextState(ctx context.Context) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]interface{}, len(b.contextState))
	for k, v := range b.contextState {
		out[k] = v
	}
	return out, nil
}

func (b *Backend) SetContextState(ctx context.Context, state map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contextState = state
	return nil
}
