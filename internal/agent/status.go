// Package agent defines the domain entities of an orchestration run: the
// per-role AgentState and its lifecycle state machine, inter-agent messages,
// progress checkpoints, and the singleton project record.
package agent

// Status represents the lifecycle state of a role within a run.
// Valid transitions:
//
//	Pending  -> Queued
//	Queued   -> Spawning
//	Spawning -> Running, Failed
//	Running  -> Paused, Completed, TimedOut, Failed, Escalated
//	Paused   -> Queued
//	TimedOut -> Queued, Escalated
//	Failed   -> Queued, Escalated
//	Completed, Escalated -> (terminal)
type Status string

const (
	// StatusPending means at least one dependency has not completed.
	StatusPending Status = "pending"
	// StatusQueued means all dependencies completed; awaiting launch.
	StatusQueued Status = "queued"
	// StatusSpawning means the worker process started but has not yet made
	// a tool call.
	StatusSpawning Status = "spawning"
	// StatusRunning means the worker is live and making tool calls.
	StatusRunning Status = "running"
	// StatusPaused means the worker reported context exhaustion and will be
	// requeued with recovery context.
	StatusPaused Status = "paused"
	// StatusCompleted means the worker finished its assignment.
	StatusCompleted Status = "completed"
	// StatusTimedOut means the heartbeat tracker classified the role stale.
	StatusTimedOut Status = "timed_out"
	// StatusFailed means the worker process exited abnormally.
	StatusFailed Status = "failed"
	// StatusEscalated means retries are exhausted or the worker requested
	// human help; terminal for the run unless externally reset.
	StatusEscalated Status = "escalated"
)

// validTransitions defines the allowed status transitions.
// The key is the current status, the value is the set of valid targets.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusQueued: true,
	},
	StatusQueued: {
		StatusSpawning: true,
	},
	StatusSpawning: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusPaused:    true,
		StatusCompleted: true,
		StatusTimedOut:  true,
		StatusFailed:    true,
		StatusEscalated: true, // blocked report or human help request
	},
	StatusPaused: {
		StatusQueued: true,
	},
	StatusTimedOut: {
		StatusQueued:    true,
		StatusEscalated: true,
	},
	StatusFailed: {
		StatusQueued:    true,
		StatusEscalated: true,
	},
	// Terminal states have no valid transitions
	StatusCompleted: {},
	StatusEscalated: {},
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for Completed and Escalated. Terminal states
// cannot transition to any other state within a run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusEscalated
}

// CanTransitionTo returns true if moving from the current status to target
// is legal under the lifecycle state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all statuses reachable from the current status.
func (s Status) ValidTargets() []Status {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]Status, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}
