package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateCreating, StateRunning, true},
		{StateCreating, StatePaused, false},
		{StateRunning, StatePausing, true},
		{StateRunning, StateRunning, false},
		{StatePausing, StatePaused, true},
		{StatePausing, StateRunning, true},
		{StatePaused, StateResuming, true},
		{StatePaused, StateRunning, false},
		{StateResuming, StateRunning, true},
		{StateStopping, StateTerminated, true},
		{StateFailed, StateRunning, false},
		{StateTerminated, StateRunning, false},
		{StateUnknown, StateRunning, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StateFailed))
	assert.True(t, IsTerminal(StateTerminated))
	assert.False(t, IsTerminal(StateRunning))
}

func TestValidateIntentRejectsFromTerminal(t *testing.T) {
	assert.False(t, ValidateIntent(IntentPause, StateTerminated))
	assert.False(t, ValidateIntent(IntentRenew, StateFailed))
}

func TestValidateIntentPauseOnlyFromRunning(t *testing.T) {
	assert.True(t, ValidateIntent(IntentPause, StateRunning))
	assert.False(t, ValidateIntent(IntentPause, StatePaused))
	assert.False(t, ValidateIntent(IntentPause, StateCreating))
}

func TestValidateIntentResumeOnlyFromPaused(t *testing.T) {
	assert.True(t, ValidateIntent(IntentResume, StatePaused))
	assert.False(t, ValidateIntent(IntentResume, StateRunning))
}

func TestValidateIntentRenewFromAnyNonTerminal(t *testing.T) {
	assert.True(t, ValidateIntent(IntentRenew, StateRunning))
	assert.True(t, ValidateIntent(IntentRenew, StatePaused))
	assert.True(t, ValidateIntent(IntentRenew, StateCreating))
}
