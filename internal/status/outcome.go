package status

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle position of one startup attempt.
type State int

const (
	StatePending State = iota
	StateRunning
	StateFailed
	// StateStopped is reported when an operator stops a running server.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrTerminal is returned when resolving an outcome that already left Pending.
var ErrTerminal = errors.New("status: outcome already resolved")

// Outcome is the result of a startup attempt.
type Outcome struct {
	AttemptID string
	State     State
	Reason    string
	Address   string
	Attempts  int
	At        time.Time
}

// NewPending starts the state machine for one startup attempt.
func NewPending(attemptID, address string) Outcome {
	return Outcome{AttemptID: attemptID, State: StatePending, Address: address, At: time.Now().UTC()}
}

// Running resolves the outcome after a successful probe.
func (o Outcome) Running(attempts int) (Outcome, error) {
	return o.resolve(StateRunning, attempts, "")
}

// Failed resolves the outcome with reason.
func (o Outcome) Failed(attempts int, reason string) (Outcome, error) {
	return o.resolve(StateFailed, attempts, reason)
}

func (o Outcome) resolve(state State, attempts int, reason string) (Outcome, error) {
	if o.State != StatePending {
		return o, ErrTerminal
	}
	o.State = state
	o.Attempts = attempts
	o.Reason = reason
	o.At = time.Now().UTC()
	return o, nil
}

// Stopped builds an operator stop outcome for address.
func Stopped(attemptID, address, reason string) Outcome {
	return Outcome{AttemptID: attemptID, State: StateStopped, Address: address, Reason: reason, At: time.Now().UTC()}
}

// BindErrorPrefix starts the reason of an outcome whose listener never bound.
const BindErrorPrefix = "bind error: "

// IsBindError reports whether the attempt failed before anything listened.
func (o Outcome) IsBindError() bool {
	return o.State == StateFailed && strings.HasPrefix(o.Reason, BindErrorPrefix)
}

// IsRunning reports whether the server was confirmed reachable.
func (o Outcome) IsRunning() bool { return o.State == StateRunning }

// Message renders the single operator-facing line for the outcome.
func (o Outcome) Message() string {
	switch o.State {
	case StateRunning:
		return fmt.Sprintf("server running on %s (healthy after %d probe(s))", o.Address, o.Attempts)
	case StateFailed:
		return "server failed: " + o.Reason
	case StateStopped:
		if o.Reason == "" {
			return "server stopped"
		}
		return "server stopped: " + o.Reason
	default:
		return "server starting on " + o.Address
	}
}
