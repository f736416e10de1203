package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionAllowed(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"pending to waiting_credentials", StatePending, StateWaitingCredentials},
		{"pending to running (no-credential stage)", StatePending, StateRunning},
		{"pending to failed (listener arrives failed)", StatePending, StateFailed},
		{"waiting_credentials to running", StateWaitingCredentials, StateRunning},
		{"running to succeeded", StateRunning, StateSucceeded},
		{"running to failed", StateRunning, StateFailed},
		{"running to pending (crash recovery)", StateRunning, StatePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, Transition(tt.from, tt.to))
		})
	}
}

func TestTransitionRejected(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"succeeded is terminal", StateSucceeded, StateRunning},
		{"failed is terminal", StateFailed, StateRunning},
		{"cannot skip credentials backwards", StateRunning, StateWaitingCredentials},
		{"unknown from state", State("bogus"), StateRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Transition(tt.from, tt.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StateSucceeded))
	assert.True(t, Terminal(StateFailed))
	assert.False(t, Terminal(StateRunning))
	assert.False(t, Terminal(StatePending))
}

func TestRecoverFromCrash(t *testing.T) {
	assert.Equal(t, StatePending, RecoverFromCrash(StateRunning))
	assert.Equal(t, StateWaitingCredentials, RecoverFromCrash(StateWaitingCredentials))
	assert.Equal(t, StatePending, RecoverFromCrash(StatePending))
}
