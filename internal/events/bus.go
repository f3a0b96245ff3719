// Package events provides Bus, a typed multicast channel that buffers events
// published while nobody listens and replays them to the first subscriber.
package events

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/geomemo/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultReplayCapacity bounds the events kept while no subscriber is attached.
	DefaultReplayCapacity = 64
	// DefaultQueueCapacity bounds the events pending for a single subscriber.
	DefaultQueueCapacity = 1024

	dropReasonReplay = "replay_overflow"
	dropReasonQueue  = "queue_overflow"
)

// Handler consumes events for one subscriber. Handlers run on the subscriber's own
// goroutine, so a slow handler only delays itself.
type Handler[E any] func(event E)

type options struct {
	name           string
	replayCapacity int
	queueCapacity  int
	logger         *zap.Logger
	metrics        *metrics.Collectors
}

// Option configures a Bus.
type Option func(*options)

// WithName labels the bus in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithReplayCapacity sets the replay buffer size. Zero disables replay.
func WithReplayCapacity(capacity int) Option {
	return func(o *options) {
		if capacity >= 0 {
			o.replayCapacity = capacity
		}
	}
}

// WithQueueCapacity sets the per-subscriber queue bound.
func WithQueueCapacity(capacity int) Option {
	return func(o *options) {
		if capacity > 0 {
			o.queueCapacity = capacity
		}
	}
}

// WithLogger sets the logger used for dropped events and handler panics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports dropped events to collectors.
func WithMetrics(collectors *metrics.Collectors) Option {
	return func(o *options) {
		o.metrics = collectors
	}
}

// Bus multicasts events of type E to every attached subscriber in publish order.
type Bus[E any] struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber[E]
	nextID      uint64
	replay      []E
	dropped     uint64
	closed      bool
	opts        options
}

// NewBus constructs a Bus.
func NewBus[E any](opts ...Option) *Bus[E] {
	resolved := options{
		name:           "events",
		replayCapacity: DefaultReplayCapacity,
		queueCapacity:  DefaultQueueCapacity,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&resolved)
	}
	return &Bus[E]{
		subscribers: make(map[uint64]*subscriber[E]),
		replay:      make([]E, 0, resolved.replayCapacity),
		opts:        resolved,
	}
}

// Publish delivers event to all subscribers, or buffers it for replay when none are
// attached. It never waits for handlers.
func (b *Bus[E]) Publish(event E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.subscribers) == 0 {
		b.bufferLocked(event)
		return
	}
	for _, sub := range b.subscribers {
		if sub.enqueue(event) {
			b.dropped++
			b.opts.metrics.EventDropped(b.opts.name, dropReasonQueue)
			b.opts.logger.Warn("subscriber queue full, dropped oldest event",
				zap.String("bus", b.opts.name),
				zap.Uint64("subscriber_id", sub.id))
		}
	}
}

func (b *Bus[E]) bufferLocked(event E) {
	if b.opts.replayCapacity == 0 {
		return
	}
	if len(b.replay) >= b.opts.replayCapacity {
		copy(b.replay, b.replay[1:])
		b.replay = b.replay[:len(b.replay)-1]
		b.dropped++
		b.opts.metrics.EventDropped(b.opts.name, dropReasonReplay)
		b.opts.logger.Debug("replay buffer full, dropped oldest event", zap.String("bus", b.opts.name))
	}
	b.replay = append(b.replay, event)
}

type subscribeOptions[E any] struct {
	seeds []E
}

// SubscribeOption configures a single subscription.
type SubscribeOption[E any] func(*subscribeOptions[E])

// WithSeed delivers seed to the new subscriber before any replayed or live event.
func WithSeed[E any](seed E) SubscribeOption[E] {
	return func(o *subscribeOptions[E]) {
		o.seeds = append(o.seeds, seed)
	}
}

// Subscribe attaches handler. If the bus had no subscribers, buffered events are
// handed to this subscriber first and the buffer is cleared.
func (b *Bus[E]) Subscribe(handler Handler[E], opts ...SubscribeOption[E]) *Subscription {
	var resolved subscribeOptions[E]
	for _, opt := range opts {
		opt(&resolved)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := newSubscriber(b.nextID, handler, b.opts.queueCapacity, b.opts)
	subscription := &Subscription{
		id:     sub.id,
		closed: sub.stopped,
	}
	if b.closed {
		close(sub.stopped)
		return subscription
	}

	sub.queue = append(sub.queue, resolved.seeds...)
	if len(b.subscribers) == 0 && len(b.replay) > 0 {
		sub.queue = append(sub.queue, b.replay...)
		b.replay = b.replay[:0]
	}
	b.subscribers[sub.id] = sub
	subscription.cancel = func() { b.unsubscribe(sub.id) }

	go sub.run()
	if len(sub.queue) > 0 {
		sub.notify()
	}
	return subscription
}

// SubscribeContext attaches handler until ctx ends or the subscription is closed.
func (b *Bus[E]) SubscribeContext(ctx context.Context, handler Handler[E], opts ...SubscribeOption[E]) *Subscription {
	subscription := b.Subscribe(handler, opts...)
	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-subscription.closed:
		}
	}()
	return subscription
}

// Unsubscribe detaches the subscription. Pending events for it are discarded.
func (b *Bus[E]) Unsubscribe(subscription *Subscription) {
	if subscription == nil {
		return
	}
	subscription.Close()
}

func (b *Bus[E]) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// Close stops accepting events. Subscribers finish what is already queued and exit.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber[E], 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs = append(subs, sub)
		delete(b.subscribers, id)
	}
	b.replay = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus[E]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Buffered returns the number of events waiting for a first subscriber.
func (b *Bus[E]) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replay)
}

// Dropped returns the number of events lost to overflow since construction.
func (b *Bus[E]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscription is the handle a consumer keeps to detach from a bus.
type Subscription struct {
	id     uint64
	once   sync.Once
	cancel func()
	closed <-chan struct{}
}

// ID returns the bus-local subscription identifier.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Done is closed once the subscriber's goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.closed
}
