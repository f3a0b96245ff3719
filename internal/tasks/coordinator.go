// Package tasks launches keyed, cancellable, debounced background work. Launching a
// key that is already active supersedes the earlier task.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrSuperseded is the cancellation cause of a task replaced by a newer launch of its key.
	ErrSuperseded = errors.New("tasks: superseded by a newer launch")
	// ErrPanicked wraps a recovered panic raised by a task body.
	ErrPanicked = errors.New("tasks: task panicked")
)

// Func is a task body. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// ErrorPolicy receives failures of task bodies. Cancellation never reaches it.
type ErrorPolicy func(key string, err error)

// IsCancellation reports whether err represents a superseded or cancelled task
// rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrSuperseded)
}

// Config describes the dependencies of a Coordinator.
type Config struct {
	// Parent roots every task. Cancelling it cancels all tasks of the coordinator.
	Parent      context.Context
	Name        string
	Clock       clockwork.Clock
	Logger      *zap.Logger
	ErrorPolicy ErrorPolicy
}

// Coordinator tracks live tasks by key.
type Coordinator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	name    string
	clock   clockwork.Clock
	logger  *zap.Logger
	onError ErrorPolicy

	mu         sync.Mutex
	tasks      map[string]*Handle
	generation uint64
	wg         sync.WaitGroup
}

// NewCoordinator constructs a Coordinator scoped to cfg.Parent.
func NewCoordinator(cfg Config) *Coordinator {
	parent := cfg.Parent
	if parent == nil {
		parent = context.Background()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "tasks"
	}
	ctx, cancel := context.WithCancel(parent)
	coordinator := &Coordinator{
		ctx:    ctx,
		cancel: cancel,
		name:   name,
		clock:  clock,
		logger: logger,
		tasks:  make(map[string]*Handle),
	}
	coordinator.onError = cfg.ErrorPolicy
	if coordinator.onError == nil {
		coordinator.onError = coordinator.logFailure
	}
	return coordinator
}

// Handle refers to one launched task.
type Handle struct {
	key        string
	generation uint64
	cancel     context.CancelCauseFunc
	waitFor    <-chan struct{}
	done       chan struct{}
	err        error
}

// Key returns the task key.
func (h *Handle) Key() string {
	return h.key
}

// Cancel cancels the task.
func (h *Handle) Cancel() {
	h.cancel(context.Canceled)
}

// Done is closed once the task has finished, been cancelled or been superseded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task outcome once Done is closed: nil on success, the cancellation
// cause, or the error returned by the body.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Launch schedules fn under key after debounce. An active task with the same key is
// cancelled with ErrSuperseded first, and fn does not start before that task has exited,
// so two bodies for one key never overlap.
func (c *Coordinator) Launch(key string, debounce time.Duration, fn Func) *Handle {
	c.mu.Lock()
	var waitFor <-chan struct{}
	if prior, ok := c.tasks[key]; ok {
		prior.cancel(ErrSuperseded)
		waitFor = prior.done
	}
	c.generation++
	ctx, cancel := context.WithCancelCause(c.ctx)
	handle := &Handle{
		key:        key,
		generation: c.generation,
		cancel:     cancel,
		waitFor:    waitFor,
		done:       make(chan struct{}),
	}
	c.tasks[key] = handle
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, handle, debounce, fn)
	return handle
}

func (c *Coordinator) run(ctx context.Context, handle *Handle, debounce time.Duration, fn Func) {
	defer c.wg.Done()

	if debounce > 0 {
		timer := c.clock.NewTimer(debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.complete(handle, context.Cause(ctx))
			return
		case <-timer.Chan():
		}
	}
	if handle.waitFor != nil {
		select {
		case <-handle.waitFor:
		case <-ctx.Done():
			c.complete(handle, context.Cause(ctx))
			return
		}
	}
	if ctx.Err() != nil {
		c.complete(handle, context.Cause(ctx))
		return
	}

	err := c.invoke(ctx, fn)
	if err != nil && ctx.Err() != nil && IsCancellation(err) {
		err = context.Cause(ctx)
	}
	c.complete(handle, err)
}

func (c *Coordinator) invoke(ctx context.Context, fn Func) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, recovered)
		}
	}()
	return fn(ctx)
}

// complete removes the registry entry before signalling Done so IsActive never lags.
func (c *Coordinator) complete(handle *Handle, err error) {
	c.mu.Lock()
	if current, ok := c.tasks[handle.key]; ok && current.generation == handle.generation {
		delete(c.tasks, handle.key)
	}
	c.mu.Unlock()

	handle.err = err
	close(handle.done)
	handle.cancel(nil)

	switch {
	case err == nil:
	case errors.Is(err, ErrSuperseded):
		c.logger.Debug("task superseded", zap.String("coordinator", c.name), zap.String("key", handle.key))
	case IsCancellation(err):
		c.logger.Debug("task cancelled", zap.String("coordinator", c.name), zap.String("key", handle.key))
	default:
		c.onError(handle.key, err)
	}
}

func (c *Coordinator) logFailure(key string, err error) {
	c.logger.Error("task failed",
		zap.String("coordinator", c.name),
		zap.String("key", key),
		zap.Error(err))
}

// Cancel cancels the task registered under key and reports whether one was active.
func (c *Coordinator) Cancel(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.tasks[key]
	if ok {
		handle.cancel(context.Canceled)
	}
	return ok
}

// IsActive reports whether a task is scheduled or running under key.
func (c *Coordinator) IsActive(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[key]
	return ok
}

// Lookup returns the live task registered under key.
func (c *Coordinator) Lookup(key string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.tasks[key]
	return handle, ok
}

// ActiveCount returns the number of live tasks.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// CancelAll cancels every live task. The coordinator stays usable.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, handle := range c.tasks {
		handle.cancel(context.Canceled)
	}
}

// Wait blocks until every launched task has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels the coordinator scope and waits for its tasks.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Context returns the coordinator scope.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}
