// Package statemachine implements the explicit job lifecycle state and
// transition guard described in spec.md §4.J, promoting the source's
// implicit file-presence lifecycle to an explicit, persisted field
// (Design Notes item 4).
package statemachine

import "fmt"

// State is the lifecycle state of a job within a single stage service.
//
// These values are part of the persisted job record's on-disk contract
// (pkg/jobstore writes them verbatim) and must not be renamed casually.
type State string

const (
	StatePending            State = "pending"
	StateWaitingCredentials State = "waiting_credentials"
	StateRunning            State = "running"
	StateSucceeded          State = "succeeded"
	StateFailed             State = "failed"
)

// transitions enumerates every legal (from, to) pair. Anything not
// listed here is rejected by Transition.
var transitions = map[State]map[State]bool{
	StatePending: {
		StateWaitingCredentials: true,
		StateRunning:            true, // non-credential stages (e.g. obs) skip straight to running
		StateFailed:             true, // listener arrives with status != success before RunJob ever starts
	},
	StateWaitingCredentials: {
		StateRunning: true,
		StateFailed:  true,
	},
	StateRunning: {
		StateSucceeded: true,
		StateFailed:    true,
		StatePending:   true, // crash recovery: a job caught mid-run reverts to pending on restart
	},
	StateSucceeded: {},
	StateFailed:    {},
}

// Transition validates that moving from `from` to `to` is legal and
// returns an error describing the illegal transition otherwise. It does
// not mutate anything itself — callers persist the new state via
// pkg/jobstore after a successful call.
func Transition(from, to State) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("statemachine: unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("statemachine: illegal transition %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether a state has no further legal transitions.
func Terminal(s State) bool {
	return s == StateSucceeded || s == StateFailed
}

// RecoverFromCrash returns the state a job should be rehydrated into at
// service startup when it was found on disk in `persisted`. Per spec.md
// §4.J: a job caught mid-running when the service crashed is returned
// to pending, with no idempotency claimed across the crash — handlers
// must tolerate re-execution or be idempotent.
func RecoverFromCrash(persisted State) State {
	if persisted == StateRunning {
		return StatePending
	}
	return persisted
}
