package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ecamargo/kindred/internal/bus"
)

// State represents a session connection state.
type State string

const (
	Idle               State = "IDLE"
	AwaitingCredential State = "AWAITING_CREDENTIAL"
	Connected          State = "CONNECTED"
	Closing            State = "CLOSING"
)

// validTransitions defines allowed state transitions. There is no terminal
// error state: failures land back in Idle with the error captured as data so
// the session can recover automatically.
var validTransitions = map[State][]State{
	Idle:               {AwaitingCredential, Connected},
	AwaitingCredential: {Connected, Closing, Idle},
	Connected:          {Closing, Idle},
	Closing:            {Idle},
}

// SessionError is the error sub-state: the last close or auth failure,
// retained as data alongside whatever state the machine is in.
type SessionError struct {
	Code     int
	Message  string
	Terminal bool // logout/unauthorized: credentials must be discarded
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session error %d: %s", e.Code, e.Message)
}

// Machine tracks and enforces session state transitions for one account.
type Machine struct {
	mu      sync.RWMutex
	account string
	current State
	lastErr *SessionError
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle.
func NewMachine(account string, b *bus.Bus) *Machine {
	return &Machine{
		account: account,
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed from the current state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	b := m.bus
	m.mu.Unlock()

	if b != nil {
		b.Publish(bus.Event{
			Kind:      "session.status_changed",
			Account:   m.account,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// SetError records the error sub-state without changing the connection state.
func (m *Machine) SetError(code int, msg string, terminal bool) {
	m.mu.Lock()
	m.lastErr = &SessionError{Code: code, Message: msg, Terminal: terminal}
	m.mu.Unlock()
}

// ClearError clears the error sub-state, typically on a successful connect.
func (m *Machine) ClearError() {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
}

// LastError returns the error sub-state, or nil when the session is healthy.
func (m *Machine) LastError() *SessionError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
