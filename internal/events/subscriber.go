package events

import (
	"sync"

	"go.uber.org/zap"
)

type subscriber[E any] struct {
	id       uint64
	handler  Handler[E]
	capacity int
	opts     options

	mu    sync.Mutex
	queue []E

	signal     chan struct{}
	stopCh     chan struct{}
	finishCh   chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	finishOnce sync.Once
}

func newSubscriber[E any](id uint64, handler Handler[E], capacity int, opts options) *subscriber[E] {
	return &subscriber[E]{
		id:       id,
		handler:  handler,
		capacity: capacity,
		opts:     opts,
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		finishCh: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// enqueue appends event and reports whether the oldest pending event was dropped.
func (s *subscriber[E]) enqueue(event E) bool {
	s.mu.Lock()
	dropped := false
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.notify()
	return dropped
}

func (s *subscriber[E]) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[E]) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *subscriber[E]) finish() {
	s.finishOnce.Do(func() { close(s.finishCh) })
}

func (s *subscriber[E]) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.signal:
			if !s.drain() {
				return
			}
		case <-s.finishCh:
			s.drain()
			return
		}
	}
}

// drain delivers everything queued. It returns false when the subscriber was stopped mid-way.
func (s *subscriber[E]) drain() bool {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return true
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, event := range batch {
			select {
			case <-s.stopCh:
				return false
			default:
			}
			s.invoke(event)
		}
	}
}

func (s *subscriber[E]) invoke(event E) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.opts.logger.Error("event handler panicked",
				zap.String("bus", s.opts.name),
				zap.Uint64("subscriber_id", s.id),
				zap.Any("panic", recovered))
		}
	}()
	s.handler(event)
}
