package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusNames(t *testing.T) {
	assert.Equal(t, "received", StatusReceived.String())
	assert.Equal(t, "timed_out_awaiting_confirmation", StatusTimedOut.String())
	assert.Equal(t, "unknown", Status(99).String())
}

func TestTerminalStates(t *testing.T) {
	terminal := []Status{
		StatusSucceeded, StatusAuthFailed, StatusDenied, StatusTimedOut,
		StatusValidationFailed, StatusRolledBack, StatusFatal,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []Status{
		StatusReceived, StatusAuthenticating, StatusAwaitingConfirmation,
		StatusStaged, StatusValidated, StatusBackedUp, StatusApplying,
		StatusReloaded, StatusApplyFailed,
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusReceived, StatusAuthenticating))
	assert.True(t, CanTransition(StatusStaged, StatusValidated))
	assert.True(t, CanTransition(StatusApplyFailed, StatusRolledBack))
	assert.True(t, CanTransition(StatusApplyFailed, StatusFatal))

	// No skipping forward or moving back.
	assert.False(t, CanTransition(StatusReceived, StatusApplying))
	assert.False(t, CanTransition(StatusStaged, StatusBackedUp))
	assert.False(t, CanTransition(StatusSucceeded, StatusReceived))
	assert.False(t, CanTransition(StatusValidated, StatusStaged))
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for from, successors := range legalTransitions {
		if from.IsTerminal() {
			assert.Empty(t, successors, "%s is terminal but has successors", from)
		}
	}
}
