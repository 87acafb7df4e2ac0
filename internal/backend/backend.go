// Package backend defines the abstract inference-backend trait the
// orchestrator and workflow executor dispatch to. Concrete backends
// (audio analysis, audio generation, pattern recognition, language
// models) live outside this module; only the interface and a registry
// live here.
package backend

import (
	"context"

	"github.com/swarmguard/modelrt/internal/types"
)

// ChatOptions carries the parameters of one Chat invocation.
type ChatOptions struct {
	Messages    []types.Message
	Temperature *float64
	MaxTokens   *int
}

// ChatResult is a backend's response to a Chat call.
type ChatResult struct {
	Content string
	Role    types.Role
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	ContextWindow    int
	StreamingSupport bool
	SpecialTokens    []string
	ModelType        string
}

// ResourceMetrics is a point-in-time snapshot of a backend's resource use.
type ResourceMetrics struct {
	MemoryBytes    int64
	CPUPercent     float64
	ActiveRequests int
}

// Backend is the trait every inference backend must satisfy. Errors
// returned from Chat are surfaced upstream as ProviderError with the
// original message preserved; callers should wrap with
// rterr.Wrap(rterr.KindProviderError, ...) at the call site rather than
// here, since only the caller knows the model id.
type Backend interface {
	Chat(ctx context.Context, opts ChatOptions) (ChatResult, error)
	GetCapabilities(ctx context.Context) (Capabilities, error)
	HealthCheck(ctx context.Context) bool
	GetResourceMetrics(ctx context.Context) (ResourceMetrics, error)
	GetContextState(ctx context.Context) (map[string]interface{}, error)
	SetContextState(ctx context.Context, state map[string]interface{}) error
}
