package channel

import (
	"fmt"

	"github.com/fathima-sithara/chat-app/shared/errs"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	// StatePendingReconnect is a channel that dropped on its own and is
	// waiting for the application to bring it back.
	StatePendingReconnect
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StatePendingReconnect:
		return "closed_pending_reconnect"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateClosed:           {StateConnecting},
	StateConnecting:       {StateOpen, StateClosed},
	StateOpen:             {StatePendingReconnect, StateClosed},
	StatePendingReconnect: {StateConnecting, StateClosed},
}

// Lifecycle is the push channel state machine. The zero value is closed.
type Lifecycle struct {
	state    State
	onChange func(from, to State)
}

func NewLifecycle(onChange func(from, to State)) *Lifecycle {
	return &Lifecycle{onChange: onChange}
}

func (l *Lifecycle) State() State { return l.state }

func (l *Lifecycle) Is(s State) bool { return l.state == s }

// CanDial reports whether a dial may start from the current state.
func (l *Lifecycle) CanDial() bool {
	return l.state == StateClosed || l.state == StatePendingReconnect
}

// Transition moves to next or returns ErrIllegalTransition.
func (l *Lifecycle) Transition(next State) error {
	for _, allowed := range transitions[l.state] {
		if allowed == next {
			from := l.state
			l.state = next
			if l.onChange != nil {
				l.onChange(from, next)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errs.ErrIllegalTransition, l.state, next)
}
