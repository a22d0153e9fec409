package session

import "errors"

// State is the lifecycle state of the proxy session. The allowed edges are:
//
//	DISCONNECTED  -> CONNECTING
//	CONNECTING    -> CONNECTED | DISCONNECTED
//	CONNECTED     -> DISCONNECTING
//	DISCONNECTING -> DISCONNECTED
//	any           -> DISCONNECTED (engine fault, via Machine.Reset)
//
// Everything else is rejected by Machine.Transition.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
)

// States lists every state in declaration order.
var States = []State{StateDisconnected, StateConnecting, StateConnected, StateDisconnecting}

// ErrInvalidTransition is returned when Transition receives an illegal edge.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Transient reports whether the state is waiting on the engine.
func (s State) Transient() bool {
	return s == StateConnecting || s == StateDisconnecting
}

// Machine tracks the current State. It is not safe for concurrent use; the
// owner serializes access.
//
// While the machine sits in a transient state it exposes a channel that is
// closed as soon as the state leaves it, so waiters can block until the
// in-flight engine operation resolves.
type Machine struct {
	state   State
	settled chan struct{}
}

// NewMachine returns a machine in StateDisconnected.
func NewMachine() *Machine {
	return &Machine{state: StateDisconnected}
}

func (m *Machine) Current() State {
	return m.state
}

// Settled returns a channel closed once the current transient state is left.
// For a stable state the returned channel is already closed.
func (m *Machine) Settled() <-chan struct{} {
	if m.settled == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.settled
}

// Transition moves to next, or returns ErrInvalidTransition leaving the
// current state untouched.
func (m *Machine) Transition(next State) error {
	if !allowedTransition(m.state, next) {
		return ErrInvalidTransition
	}
	m.set(next)
	return nil
}

// Reset forces StateDisconnected from any state. It reports whether the
// state actually changed.
func (m *Machine) Reset() bool {
	if m.state == StateDisconnected {
		return false
	}
	m.set(StateDisconnected)
	return true
}

func (m *Machine) set(next State) {
	if m.settled != nil {
		close(m.settled)
		m.settled = nil
	}
	m.state = next
	if next.Transient() {
		m.settled = make(chan struct{})
	}
}

func allowedTransition(cur, next State) bool {
	switch cur {
	case StateDisconnected:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateDisconnected
	case StateConnected:
		return next == StateDisconnecting
	case StateDisconnecting:
		return next == StateDisconnected
	default:
		return false
	}
}
