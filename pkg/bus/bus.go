package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Capacity is the bound of the event bus. Small fixed size keeps the hot
// path allocation-free and makes a stalled subscriber visible quickly.
const Capacity = 128

// Type identifies the event variant
type Type string

const (
	TypeState     Type = "state"
	TypeHealth    Type = "health"
	TypeLogRotate Type = "logrotate"
	TypeFatal     Type = "fatal"
)

// StateKind is the state announced by a TypeState event
type StateKind string

const (
	StateStarting  StateKind = "starting"
	StateRunning   StateKind = "running"
	StateStopping  StateKind = "stopping"
	StateStopped   StateKind = "stopped"
	StateFailed    StateKind = "failed"
	StateRestarted StateKind = "restarted"
)

// Event is a telemetry event from a worker or the fleet manager
type Event struct {
	ID        string
	Type      Type
	Entity    string
	Timestamp time.Time

	// State is set for TypeState events
	State StateKind

	// PID is the subprocess pid when known, 0 otherwise
	PID int

	// Healthy is set for TypeHealth events
	Healthy bool

	// Msg is set for TypeFatal events
	Msg string

	// ExitCode is reported with stopped/failed state events when the
	// subprocess has been reaped. The restart policy ignores it; it is
	// carried for the operator.
	ExitCode int
}

// State builds a state-transition event
func State(entity string, kind StateKind, pid int) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeState,
		Entity:    entity,
		Timestamp: time.Now(),
		State:     kind,
		PID:       pid,
	}
}

// Health builds a health-check result event
func Health(entity string, healthy bool) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeHealth,
		Entity:    entity,
		Timestamp: time.Now(),
		Healthy:   healthy,
	}
}

// LogRotate builds a log-rotation event
func LogRotate(entity string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeLogRotate,
		Entity:    entity,
		Timestamp: time.Now(),
	}
}

// Fatal builds a fatal-error event
func Fatal(entity, msg string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      TypeFatal,
		Entity:    entity,
		Timestamp: time.Now(),
		Msg:       msg,
	}
}

var (
	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("bus: closed")

	// ErrNotDraining is returned by Send when the bus is full, meaning the
	// subscriber has stopped consuming
	ErrNotDraining = errors.New("bus: subscriber not draining")
)

// suppressed gates best-effort sends process-wide. Once a best-effort send
// observes a closed bus the subscriber is gone for good; one warning is
// enough, the rest are silent no-ops.
var suppressed atomic.Bool

// Bus is a bounded fan-in channel: many producers, one consumer.
type Bus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool

	// onSuppress is invoked exactly once, from the best-effort path, when
	// the process-wide suppression flag flips
	onSuppress func()

	dropped atomic.Uint64
}

// New returns a bus with the standard capacity
func New() *Bus {
	return NewWithCapacity(Capacity)
}

// NewWithCapacity returns a bus with a caller-chosen bound (tests)
func NewWithCapacity(n int) *Bus {
	return &Bus{ch: make(chan Event, n)}
}

// OnSuppress registers a callback fired when best-effort sends get disabled
func (b *Bus) OnSuppress(fn func()) {
	b.mu.Lock()
	b.onSuppress = fn
	b.mu.Unlock()
}

// Events returns the consumer side of the bus
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Send is the critical discipline: phase transitions must not be lost.
// A closed bus fails the operation; a full bus means the subscriber is not
// draining and the operation must fail rather than stall.
func (b *Bus) Send(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- ev:
		return nil
	default:
		return ErrNotDraining
	}
}

// TrySend is the best-effort discipline for high-frequency events. A full bus
// drops silently; a closed bus flips the process-wide suppression flag and
// fires the warning callback once.
func (b *Bus) TrySend(ev Event) {
	if suppressed.Load() {
		return
	}

	b.mu.RLock()
	closed := b.closed
	var fired func()
	if closed && suppressed.CompareAndSwap(false, true) {
		fired = b.onSuppress
	}
	if !closed {
		select {
		case b.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	if fired != nil {
		fired()
	}
}

// Dropped returns the count of best-effort events dropped on a full bus
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus. Subsequent critical sends fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// ResetSuppression clears the process-wide best-effort flag. Test hook.
func ResetSuppression() {
	suppressed.Store(false)
}
