// Package state holds immutable snapshots behind linearized functional updates and
// publishes them to observers, coalescing batched updates into a single snapshot.
package state

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/geomemo/internal/events"
)

// Store owns a snapshot of type S. S must be treated as immutable: update functions
// return a new value and never mutate the one they receive.
type Store[S any] struct {
	mu      sync.Mutex
	current S
	depth   int
	dirty   bool
	bus     *events.Bus[S]
}

// NewStore constructs a Store seeded with initial. Observers never see snapshots published
// before they subscribed; they receive the current snapshot instead.
func NewStore[S any](initial S, opts ...events.Option) *Store[S] {
	busOptions := append([]events.Option{events.WithName("state")}, opts...)
	busOptions = append(busOptions, events.WithReplayCapacity(0))
	return &Store[S]{
		current: initial,
		bus:     events.NewBus[S](busOptions...),
	}
}

// Snapshot returns the current state.
func (s *Store[S]) Snapshot() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update applies fn to the current snapshot and returns the result. Concurrent calls are
// applied one at a time. Outside a batch the new snapshot is published immediately.
func (s *Store[S]) Update(fn func(S) S) S {
	next, _ := s.UpdateIf(func(current S) (S, bool) {
		return fn(current), true
	})
	return next
}

// UpdateIf is Update for functions that may decide nothing changed; an unchanged result
// is neither stored nor published.
func (s *Store[S]) UpdateIf(fn func(S) (S, bool)) (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed := fn(s.current)
	if !changed {
		return s.current, false
	}
	s.current = next
	if s.depth > 0 {
		s.dirty = true
		return next, true
	}
	s.bus.Publish(next)
	return next, true
}

// StartBatch suspends publication until the matching FinishBatch. Batches nest.
func (s *Store[S]) StartBatch() {
	s.mu.Lock()
	s.depth++
	s.mu.Unlock()
}

// FinishBatch ends a batch. The outermost FinishBatch publishes the final snapshot once
// if any update happened inside the batch.
func (s *Store[S]) FinishBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return
	}
	s.depth--
	if s.depth > 0 || !s.dirty {
		return
	}
	s.dirty = false
	s.bus.Publish(s.current)
}

// Batch runs fn inside StartBatch/FinishBatch.
func (s *Store[S]) Batch(fn func()) {
	s.StartBatch()
	defer s.FinishBatch()
	fn()
}

// Observe subscribes handler to published snapshots. The handler first receives the
// snapshot current at registration.
func (s *Store[S]) Observe(handler func(S)) *events.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.Subscribe(handler, events.WithSeed(s.current))
}

// ObserveContext is Observe bounded by ctx.
func (s *Store[S]) ObserveContext(ctx context.Context, handler func(S)) *events.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.SubscribeContext(ctx, handler, events.WithSeed(s.current))
}

// Close detaches all observers after they receive what was already published.
func (s *Store[S]) Close() {
	s.bus.Close()
}
