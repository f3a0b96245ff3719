// Package editmode gates mutations behind a timed write mode. The machine starts
// read-only, becomes writable on request and falls back to read-only when the write
// window expires without activity.
package editmode

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/geomemo/internal/events"
	"github.com/MarcoPoloResearchLab/geomemo/internal/tasks"
)

const (
	StateReadOnly = "read_only"
	StateWritable = "writable"

	EventEnable  = "enable"
	EventDisable = "disable"
	EventExpire  = "expire"

	// DefaultDuration is the write window granted by a single activation.
	DefaultDuration = 5 * time.Minute
	// DefaultTickInterval throttles TimerTick events.
	DefaultTickInterval = time.Second

	expiryTaskKey = "editmode:expiry"
	tickTaskKey   = "editmode:tick"
)

// Mode is the observable edit mode.
type Mode int

const (
	ReadOnly Mode = iota
	Writable
)

func (m Mode) String() string {
	if m == Writable {
		return StateWritable
	}
	return StateReadOnly
}

// State is the process-wide edit mode value.
type State struct {
	Mode      Mode
	Remaining time.Duration
}

// EventKind discriminates machine events.
type EventKind int

const (
	ModeChanged EventKind = iota + 1
	TimerTick
)

// Event is published on the machine bus. Writable is set for ModeChanged, Remaining for TimerTick.
type Event struct {
	Kind      EventKind
	Writable  bool
	Remaining time.Duration
}

// Config describes the dependencies of a Machine.
type Config struct {
	Parent         context.Context
	Duration       time.Duration
	TickInterval   time.Duration
	ReplayCapacity int
	Clock          clockwork.Clock
	Logger         *zap.Logger
	BusOptions     []events.Option
}

// Machine is the edit-mode state machine.
type Machine struct {
	// mu is held for writing by transitions and for reading while an onAllowed callback runs.
	mu        sync.RWMutex
	fsm       *fsm.FSM
	expiresAt time.Time

	duration time.Duration
	tick     time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
	timers   *tasks.Coordinator
	bus      *events.Bus[Event]
}

// NewMachine constructs a read-only Machine.
func NewMachine(cfg Config) *Machine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	busOptions := []events.Option{events.WithName("editmode"), events.WithLogger(logger)}
	if cfg.ReplayCapacity > 0 {
		busOptions = append(busOptions, events.WithReplayCapacity(cfg.ReplayCapacity))
	}
	busOptions = append(busOptions, cfg.BusOptions...)

	machine := &Machine{
		duration: duration,
		tick:     tick,
		clock:    clock,
		logger:   logger,
		bus:      events.NewBus[Event](busOptions...),
	}
	machine.timers = tasks.NewCoordinator(tasks.Config{
		Parent: cfg.Parent,
		Name:   "editmode",
		Clock:  clock,
		Logger: logger,
	})
	machine.fsm = fsm.NewFSM(
		StateReadOnly,
		fsm.Events{
			{Name: EventEnable, Src: []string{StateReadOnly}, Dst: StateWritable},
			{Name: EventDisable, Src: []string{StateWritable}, Dst: StateReadOnly},
			{Name: EventExpire, Src: []string{StateWritable}, Dst: StateReadOnly},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				machine.logger.Info("edit mode changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
					zap.String("event", e.Event))
				machine.bus.Publish(Event{Kind: ModeChanged, Writable: e.Dst == StateWritable})
			},
		},
	)
	return machine
}

// Events returns the machine bus.
func (m *Machine) Events() *events.Bus[Event] {
	return m.bus
}

// State returns the current mode and the remaining write window.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fsm.Current() != StateWritable {
		return State{Mode: ReadOnly}
	}
	return State{Mode: Writable, Remaining: m.remainingLocked()}
}

// IsWritable reports whether mutations are currently permitted.
func (m *Machine) IsWritable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current() == StateWritable
}

// SetWritable switches the mode explicitly. Setting writable while already writable
// restarts the window.
func (m *Machine) SetWritable(writable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if writable {
		m.enableLocked()
		return
	}
	m.disableLocked(EventDisable)
}

// Toggle flips the mode.
func (m *Machine) Toggle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() == StateWritable {
		m.disableLocked(EventDisable)
		return
	}
	m.enableLocked()
}

// Touch records user activity. While writable it restarts the window without changing
// the mode; while read-only it does nothing.
func (m *Machine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() != StateWritable {
		return
	}
	m.armLocked()
}

// ValidateWritable runs onAllowed if the machine is writable and onDenied otherwise, and
// reports which one ran. The mode cannot change while onAllowed runs, so onAllowed must
// not call back into the machine.
func (m *Machine) ValidateWritable(onAllowed, onDenied func()) bool {
	m.mu.RLock()
	writable := m.fsm.Current() == StateWritable
	if writable {
		if onAllowed != nil {
			onAllowed()
		}
		m.mu.RUnlock()
		return true
	}
	m.mu.RUnlock()
	if onDenied != nil {
		onDenied()
	}
	return false
}

// Close stops the timers and the bus.
func (m *Machine) Close() {
	m.timers.Close()
	m.bus.Close()
}

func (m *Machine) enableLocked() {
	if m.fsm.Can(EventEnable) {
		if err := m.fsm.Event(context.Background(), EventEnable); err != nil {
			m.logger.Error("edit mode transition failed", zap.String("event", EventEnable), zap.Error(err))
			return
		}
		m.timers.Launch(tickTaskKey, 0, m.tickLoop)
		m.armLocked()
		m.bus.Publish(Event{Kind: TimerTick, Remaining: m.duration})
		return
	}
	m.armLocked()
}

func (m *Machine) disableLocked(event string) {
	if !m.fsm.Can(event) {
		return
	}
	m.timers.Cancel(expiryTaskKey)
	m.timers.Cancel(tickTaskKey)
	m.expiresAt = time.Time{}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.logger.Error("edit mode transition failed", zap.String("event", event), zap.Error(err))
	}
}

// armLocked restarts the expiry timer. Relaunching the key supersedes the pending timer
// while mu is held, so a superseded timer observes its cancellation in expire. Ticks
// come from tickLoop only, so bursts of activity do not flood subscribers.
func (m *Machine) armLocked() {
	m.expiresAt = m.clock.Now().Add(m.duration)
	m.timers.Launch(expiryTaskKey, m.duration, m.expire)
}

func (m *Machine) expire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.disableLocked(EventExpire)
	return nil
}

func (m *Machine) tickLoop(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.mu.RLock()
			if m.fsm.Current() == StateWritable {
				m.bus.Publish(Event{Kind: TimerTick, Remaining: m.remainingLocked()})
			}
			m.mu.RUnlock()
		}
	}
}

func (m *Machine) remainingLocked() time.Duration {
	if m.expiresAt.IsZero() {
		return 0
	}
	remaining := m.expiresAt.Sub(m.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
