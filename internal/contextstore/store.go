// Package contextstore holds the set of per-model bounded message
// histories with approximate token accounting.
package contextstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmguard/modelrt/internal/events"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

// Store owns the set of ModelContexts keyed by model id. The admission
// cap on simultaneous contexts lives one layer up, in ResourceManager
// (internal/resource); Store itself never rejects Initialize for
// capacity reasons.
type Store struct {
	mu   sync.Mutex
	byID map[string]*types.ModelContext

	bus *events.Bus
	now func() time.Time
}

// Option configures a Store at construction.
type Option func(*Store)

// WithEvents attaches an event bus for ContextOptimized notifications.
func WithEvents(bus *events.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		byID: make(map[string]*types.ModelContext),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates a new ModelContext for modelID. Fails with
// DuplicateContext if one already exists, or with the constraint's own
// validation error.
func (s *Store) Initialize(modelID string, constraints types.ModelConstraints) error {
	if err := constraints.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[modelID]; exists {
		return rterr.ErrDuplicateContext.WithModel(modelID)
	}

	now := s.now()
	s.byID[modelID] = &types.ModelContext{
		ModelID:     modelID,
		Constraints: constraints,
		Metadata: types.ContextMetadata{
			CreatedAt:   now,
			LastAccess:  now,
			LastUpdated: now,
		},
	}
	return nil
}

// Restore inserts a previously-persisted ModelContext wholesale (used by
// ResourceManager to rehydrate a context spilled to the disk cache).
// Fails DuplicateContext if modelID is already live.
func (s *Store) Restore(modelID string, mc types.ModelContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[modelID]; exists {
		return rterr.ErrDuplicateContext.WithModel(modelID)
	}
	clone := mc
	clone.ModelID = modelID
	s.byID[modelID] = &clone
	return nil
}

// AddMessage validates and appends message to modelID's context.
// potential_tokens = token_cost(existing ++ new); if that exceeds
// max_tokens the call fails ResourceExhausted without mutating state.
// If the resulting token_count exceeds 0.3*context_window, Optimize
// runs automatically before returning.
func (s *Store) AddMessage(ctx context.Context, modelID string, msg types.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	s.mu.Lock()
	mc, exists := s.byID[modelID]
	if !exists {
		s.mu.Unlock()
		return rterr.ErrContextNotFound.WithModel(modelID)
	}

	candidate := append(append([]types.Message{}, mc.Messages...), msg)
	potential := TokenCost(candidate)
	if potential > mc.Constraints.MaxTokens {
		s.mu.Unlock()
		return rterr.ErrResourceExhausted.WithModel(modelID)
	}

	now := s.now()
	mc.Messages = candidate
	mc.TokenCount = potential
	mc.Metadata.LastUpdated = now

	needsOptimize := float64(mc.TokenCount) > 0.3*float64(mc.Constraints.ContextWindow)
	s.mu.Unlock()

	if needsOptimize {
		return s.Optimize(ctx, modelID)
	}
	return nil
}

// Optimize reduces modelID's messages to the most recent suffix whose
// accumulated token cost is <= 0.25*context_window, preserving order.
// If the tightened suffix still exceeds max_tokens, it fails
// ResourceExhausted; otherwise it emits ContextOptimized.
func (s *Store) Optimize(ctx context.Context, modelID string) error {
	s.mu.Lock()
	mc, exists := s.byID[modelID]
	if !exists {
		s.mu.Unlock()
		return rterr.ErrContextNotFound.WithModel(modelID)
	}

	budget := 0.25 * float64(mc.Constraints.ContextWindow)
	suffix := tightestSuffix(mc.Messages, budget)
	tokens := TokenCost(suffix)

	if tokens > mc.Constraints.MaxTokens {
		s.mu.Unlock()
		return rterr.ErrResourceExhausted.WithModel(modelID)
	}

	mc.Messages = suffix
	mc.TokenCount = tokens
	mc.Metadata.LastUpdated = s.now()
	messageCount := len(suffix)
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(ctx, events.Event{
			Kind:    events.KindContextOptimized,
			ModelID: modelID,
			Fields: map[string]interface{}{
				"message_count": messageCount,
				"tokens":        tokens,
			},
		})
	}
	return nil
}

// tightestSuffix returns the longest trailing run of messages whose
// accumulated token cost is <= budget, preserving original order.
func tightestSuffix(messages []types.Message, budget float64) []types.Message {
	for start := 0; start < len(messages); start++ {
		candidate := messages[start:]
		if float64(TokenCost(candidate)) <= budget {
			return append([]types.Message{}, candidate...)
		}
	}
	if len(messages) == 0 {
		return nil
	}
	// Even the single most recent message exceeds budget: keep it alone
	// so the resource-exhaustion comparison above still has a number to
	// judge against max_tokens.
	return append([]types.Message{}, messages[len(messages)-1:]...)
}

// Remove detaches modelID's context. Memory accounting release is owned
// by resource.Manager, not Store.
func (s *Store) Remove(modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[modelID]; !exists {
		return rterr.ErrContextNotFound.WithModel(modelID)
	}
	delete(s.byID, modelID)
	return nil
}

// Get returns a read-only snapshot of modelID's context, touching
// last_access.
func (s *Store) Get(modelID string) (types.ModelContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, exists := s.byID[modelID]
	if !exists {
		return types.ModelContext{}, rterr.ErrContextNotFound.WithModel(modelID)
	}
	mc.Metadata.LastAccess = s.now()
	return *mc, nil
}

// Models returns the ids of all contexts currently held, sorted for
// deterministic iteration by callers such as ResourceManager's pressure
// pass.
func (s *Store) Models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func validateMessage(msg types.Message) error {
	if !msg.Role.Valid() {
		return rterr.ErrInvalidMessage
	}
	if strings.TrimSpace(msg.Content) == "" {
		return rterr.ErrInvalidMessage
	}
	return nil
}

// ValidateMessage exposes the same message validation AddMessage applies,
// for callers (ResourceManager) that need to fail fast before touching
// accounting state.
func ValidateMessage(msg types.Message) error {
	return validateMessage(msg)
}
