package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState(t *testing.T) {
	st := NewState("developer", "coder", []string{"architect"})
	assert.Equal(t, "developer", st.Role)
	assert.Equal(t, StatusPending, st.Status)
	assert.Equal(t, []string{"architect"}, st.Dependencies)
	assert.NotNil(t, st.Artifacts)
	assert.Zero(t, st.RetryCount)
}

func TestStateTransitionTo(t *testing.T) {
	now := time.Now()

	t.Run("valid transition updates status", func(t *testing.T) {
		st := NewState("developer", "coder", nil)
		require.NoError(t, st.TransitionTo(StatusQueued, now))
		assert.Equal(t, StatusQueued, st.Status)
		assert.Equal(t, now, st.UpdatedAt)
		assert.Nil(t, st.CompletedAt)
	})

	t.Run("invalid transition rejected and state unchanged", func(t *testing.T) {
		st := NewState("developer", "coder", nil)
		err := st.TransitionTo(StatusRunning, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid transition")
		assert.Contains(t, err.Error(), "developer")
		assert.Equal(t, StatusPending, st.Status)
	})

	t.Run("completion stamps completed at", func(t *testing.T) {
		st := NewState("developer", "coder", nil)
		st.Status = StatusRunning
		require.NoError(t, st.TransitionTo(StatusCompleted, now))
		require.NotNil(t, st.CompletedAt)
		assert.Equal(t, now, *st.CompletedAt)
	})

	t.Run("escalation does not stamp completed at", func(t *testing.T) {
		st := NewState("developer", "coder", nil)
		st.Status = StatusRunning
		require.NoError(t, st.TransitionTo(StatusEscalated, now))
		assert.Nil(t, st.CompletedAt)
	})
}

func TestStateMergeArtifacts(t *testing.T) {
	st := NewState("developer", "coder", nil)
	st.MergeArtifacts(map[string]string{"design": "docs/design.md"})
	st.MergeArtifacts(map[string]string{"code": "src/main.go"})
	assert.Equal(t, "docs/design.md", st.Artifacts["design"])
	assert.Equal(t, "src/main.go", st.Artifacts["code"])

	// Re-reporting overwrites the key but keeps the others.
	st.MergeArtifacts(map[string]string{"code": "src/app.go"})
	assert.Equal(t, "src/app.go", st.Artifacts["code"])
	assert.Equal(t, "docs/design.md", st.Artifacts["design"])

	// Nil map on the receiver is tolerated.
	st.Artifacts = nil
	st.MergeArtifacts(map[string]string{"report": "out.txt"})
	assert.Equal(t, "out.txt", st.Artifacts["report"])
}

func TestStateTouch(t *testing.T) {
	st := NewState("tester", "coder", nil)
	now := time.Now()
	st.Touch(now)
	require.NotNil(t, st.LastHeartbeat)
	assert.Equal(t, now, *st.LastHeartbeat)
	assert.Equal(t, now, st.UpdatedAt)
}

func TestStateClone(t *testing.T) {
	now := time.Now()
	st := NewState("developer", "coder", []string{"architect"})
	st.Touch(now)
	st.MergeArtifacts(map[string]string{"code": "src/main.go"})

	cp := st.Clone()
	cp.Dependencies[0] = "mutated"
	cp.Artifacts["code"] = "mutated"
	*cp.LastHeartbeat = now.Add(time.Hour)

	assert.Equal(t, "architect", st.Dependencies[0])
	assert.Equal(t, "src/main.go", st.Artifacts["code"])
	assert.Equal(t, now, *st.LastHeartbeat)
}

func TestStateDependsOn(t *testing.T) {
	st := NewState("tester", "coder", []string{"architect", "developer"})
	assert.True(t, st.DependsOn("developer"))
	assert.False(t, st.DependsOn("reviewer"))
}
