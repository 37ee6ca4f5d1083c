package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to queued", StatusPending, StatusQueued, true},
		{"pending cannot skip to spawning", StatusPending, StatusSpawning, false},
		{"pending cannot skip to running", StatusPending, StatusRunning, false},
		{"queued to spawning", StatusQueued, StatusSpawning, true},
		{"queued cannot skip to running", StatusQueued, StatusRunning, false},
		{"spawning to running", StatusSpawning, StatusRunning, true},
		{"spawning to failed", StatusSpawning, StatusFailed, true},
		{"spawning cannot complete", StatusSpawning, StatusCompleted, false},
		{"running to paused", StatusRunning, StatusPaused, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to timed out", StatusRunning, StatusTimedOut, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to escalated", StatusRunning, StatusEscalated, true},
		{"paused requeues", StatusPaused, StatusQueued, true},
		{"paused cannot escalate directly", StatusPaused, StatusEscalated, false},
		{"timed out requeues", StatusTimedOut, StatusQueued, true},
		{"timed out escalates", StatusTimedOut, StatusEscalated, true},
		{"failed requeues", StatusFailed, StatusQueued, true},
		{"failed escalates", StatusFailed, StatusEscalated, true},
		{"completed is terminal", StatusCompleted, StatusQueued, false},
		{"escalated is terminal", StatusEscalated, StatusQueued, false},
		{"unknown source rejected", Status("bogus"), StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusEscalated.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusTimedOut.IsTerminal())
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusQueued, StatusSpawning, StatusRunning,
		StatusPaused, StatusCompleted, StatusTimedOut, StatusFailed, StatusEscalated,
	} {
		assert.True(t, s.IsValid(), "expected %s to be valid", s)
	}
	assert.False(t, Status("").IsValid())
	assert.False(t, Status("done").IsValid())
}

func TestStatusValidTargets(t *testing.T) {
	targets := StatusRunning.ValidTargets()
	require.Len(t, targets, 5)
	assert.Empty(t, StatusCompleted.ValidTargets())
	assert.Nil(t, Status("bogus").ValidTargets())
}

// Terminal states must be unreachable sources: no sequence of valid
// transitions continues past Completed or Escalated.
func TestTerminalStatesHaveNoExits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		all := []Status{
			StatusPending, StatusQueued, StatusSpawning, StatusRunning,
			StatusPaused, StatusCompleted, StatusTimedOut, StatusFailed, StatusEscalated,
		}
		from := rapid.SampledFrom(all).Draw(t, "from")
		to := rapid.SampledFrom(all).Draw(t, "to")
		if from.IsTerminal() {
			assert.False(t, from.CanTransitionTo(to))
		}
		if from.CanTransitionTo(to) {
			assert.False(t, from.IsTerminal())
		}
	})
}
