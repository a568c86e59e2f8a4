package bundle

import (
	"errors"
	"sync"
)

// State tracks where an engine is in its run.
type State int32

const (
	StateIdle State = iota
	StateUnlocking
	StateUnwrapping
	StateEncrypting
	StateExtracting
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUnlocking:
		return "unlocking"
	case StateUnwrapping:
		return "unwrapping"
	case StateEncrypting:
		return "encrypting"
	case StateExtracting:
		return "extracting"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Event is one progress update: a percentage plus a human-readable
// message, consumed asynchronously by the UI layer.
type Event struct {
	State   State
	Percent float64
	Message string
}

// reporter publishes events without ever blocking the engine: when the
// consumer lags, intermediate updates are dropped.
type reporter struct {
	ch chan<- Event
}

func newReporter(ch chan<- Event) *reporter {
	return &reporter{ch: ch}
}

func (r *reporter) emit(state State, percent float64, message string) {
	if r.ch == nil {
		return
	}
	select {
	case r.ch <- Event{State: state, Percent: percent, Message: message}:
	default:
	}
}

// ErrOperationInProgress is returned when an engine run is requested
// while another holds the operation lock.
var ErrOperationInProgress = errors.New("another vault operation is already running")

// OperationLock serializes encryption and decryption runs. Both engines
// share one lock because they share staging temp space and key-unlock
// state.
type OperationLock struct {
	mu sync.Mutex
}

func (l *OperationLock) acquire() error {
	if !l.mu.TryLock() {
		return ErrOperationInProgress
	}
	return nil
}

func (l *OperationLock) release() {
	l.mu.Unlock()
}
