// Package heartbeat classifies worker liveness. Every tool call a worker
// makes counts as a heartbeat; the tracker decides when silence or an
// expired attempt deadline means the worker is gone.
package heartbeat

import (
	"time"

	"github.com/rowanhq/foreman/internal/agent"
)

// Verdict is the tracker's classification of one role.
type Verdict int

const (
	// Healthy means the worker is within its liveness bounds.
	Healthy Verdict = iota
	// Stale means the worker went silent past the heartbeat timeout, or
	// never made its first tool call within the spawning grace period.
	Stale
	// DeadlineExceeded means the attempt outlived its wall-clock deadline
	// even though heartbeats may still arrive.
	DeadlineExceeded
	// NotLive means the role has no live worker to track.
	NotLive
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case Stale:
		return "stale"
	case DeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "not_live"
	}
}

// Tracker holds the liveness thresholds. It is stateless; all signal
// lives on the agent states themselves.
type Tracker struct {
	// Timeout is how long a running worker may go without a tool call.
	Timeout time.Duration
	// SpawningGrace is how long a spawned worker has to make its first
	// tool call.
	SpawningGrace time.Duration
}

// New returns a Tracker with the given thresholds.
func New(timeout, spawningGrace time.Duration) *Tracker {
	return &Tracker{Timeout: timeout, SpawningGrace: spawningGrace}
}

// Check classifies one role at the given instant. The deadline check wins
// over staleness: a worker past its attempt deadline is DeadlineExceeded
// even if it heartbeated a second ago.
func (t *Tracker) Check(st *agent.State, now time.Time) Verdict {
	switch st.Status {
	case agent.StatusSpawning:
		if st.SpawnedAt == nil {
			return Healthy
		}
		if now.Sub(*st.SpawnedAt) > t.SpawningGrace {
			return Stale
		}
		return Healthy
	case agent.StatusRunning:
		if st.TimeoutAt != nil && now.After(*st.TimeoutAt) {
			return DeadlineExceeded
		}
		last := st.LastHeartbeat
		if last == nil {
			// Running implies a first tool call happened; fall back to
			// spawn time if the heartbeat stamp is somehow missing.
			last = st.SpawnedAt
		}
		if last != nil && now.Sub(*last) > t.Timeout {
			return Stale
		}
		return Healthy
	default:
		return NotLive
	}
}

// SweepStale returns the roles that are Stale or DeadlineExceeded, in the
// order given.
func (t *Tracker) SweepStale(states []*agent.State, now time.Time) []*agent.State {
	var out []*agent.State
	for _, st := range states {
		switch t.Check(st, now) {
		case Stale, DeadlineExceeded:
			out = append(out, st)
		}
	}
	return out
}
