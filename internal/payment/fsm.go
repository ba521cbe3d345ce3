package payment

import "errors"

var ErrInvalidTransition = errors.New("invalid payment state transition")

// transitions is the complete state machine. A failed payment is never
// reused: retries go through the orchestrator and create a fresh row.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSuccess, StatusFailed},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition can occur.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
