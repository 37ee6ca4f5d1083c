package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rowanhq/foreman/internal/agent"
)

func stateAt(status agent.Status, spawned, beat, deadline *time.Time) *agent.State {
	return &agent.State{
		Role:          "developer",
		Status:        status,
		SpawnedAt:     spawned,
		LastHeartbeat: beat,
		TimeoutAt:     deadline,
	}
}

func ts(t time.Time) *time.Time { return &t }

func TestCheck(t *testing.T) {
	now := time.Now()
	tr := New(3*time.Minute, 2*time.Minute)

	tests := []struct {
		name string
		st   *agent.State
		want Verdict
	}{
		{
			name: "pending is not live",
			st:   stateAt(agent.StatusPending, nil, nil, nil),
			want: NotLive,
		},
		{
			name: "completed is not live",
			st:   stateAt(agent.StatusCompleted, nil, nil, nil),
			want: NotLive,
		},
		{
			name: "spawning within grace",
			st:   stateAt(agent.StatusSpawning, ts(now.Add(-time.Minute)), nil, nil),
			want: Healthy,
		},
		{
			name: "spawning past grace is stale",
			st:   stateAt(agent.StatusSpawning, ts(now.Add(-3*time.Minute)), nil, nil),
			want: Stale,
		},
		{
			name: "running with recent heartbeat",
			st:   stateAt(agent.StatusRunning, ts(now.Add(-time.Hour)), ts(now.Add(-time.Minute)), ts(now.Add(time.Hour))),
			want: Healthy,
		},
		{
			name: "running silent past timeout",
			st:   stateAt(agent.StatusRunning, ts(now.Add(-time.Hour)), ts(now.Add(-5*time.Minute)), ts(now.Add(time.Hour))),
			want: Stale,
		},
		{
			name: "running without heartbeat falls back to spawn time",
			st:   stateAt(agent.StatusRunning, ts(now.Add(-10*time.Minute)), nil, nil),
			want: Stale,
		},
		{
			name: "deadline beats a fresh heartbeat",
			st:   stateAt(agent.StatusRunning, ts(now.Add(-time.Hour)), ts(now.Add(-time.Second)), ts(now.Add(-time.Minute))),
			want: DeadlineExceeded,
		},
		{
			name: "exactly at timeout is still healthy",
			st:   stateAt(agent.StatusRunning, nil, ts(now.Add(-3*time.Minute)), nil),
			want: Healthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Check(tt.st, now))
		})
	}
}

func TestSweepStale(t *testing.T) {
	now := time.Now()
	tr := New(3*time.Minute, 2*time.Minute)

	healthy := stateAt(agent.StatusRunning, nil, ts(now), nil)
	healthy.Role = "a"
	silent := stateAt(agent.StatusRunning, nil, ts(now.Add(-10*time.Minute)), nil)
	silent.Role = "b"
	expired := stateAt(agent.StatusRunning, nil, ts(now), ts(now.Add(-time.Minute)))
	expired.Role = "c"
	idle := stateAt(agent.StatusPending, nil, nil, nil)
	idle.Role = "d"

	stale := tr.SweepStale([]*agent.State{healthy, silent, expired, idle}, now)
	var roles []string
	for _, st := range stale {
		roles = append(roles, st.Role)
	}
	assert.Equal(t, []string{"b", "c"}, roles)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "stale", Stale.String())
	assert.Equal(t, "deadline_exceeded", DeadlineExceeded.String())
	assert.Equal(t, "not_live", NotLive.String())
}
