package agent

import (
	"fmt"
	"time"
)

// State is the authoritative record for one role in the run. The store owns
// all mutation; everyone else gets copies.
type State struct {
	// Role uniquely identifies the agent within the run.
	Role string `json:"role"`
	// WorkerKind names the worker profile the launcher uses for this role.
	WorkerKind string `json:"worker_kind"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Dependencies are the roles that must complete before this one queues.
	Dependencies []string `json:"dependencies,omitempty"`

	// SpawnedAt is set each time the launcher starts a worker process.
	SpawnedAt *time.Time `json:"spawned_at,omitempty"`
	// CompletedAt is set when the role reaches a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// TimeoutAt is the wall-clock deadline for the current attempt.
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
	// LastHeartbeat is the most recent liveness signal, updated by any
	// tool call from the role's worker.
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// RetryCount is the number of failure recoveries consumed. Pause
	// recoveries do not count.
	RetryCount int `json:"retry_count"`

	// Artifacts maps artifact names to paths or identifiers produced so
	// far. Merged on report, never replaced wholesale.
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// LastMessage is the most recent free-form status text from the worker.
	LastMessage string `json:"last_message,omitempty"`
	// LastError records why the most recent attempt ended abnormally.
	LastError string `json:"last_error,omitempty"`

	// ContextUsage is the worker's self-reported context fraction in
	// [0.0, 1.0], 0 when never reported.
	ContextUsage float64 `json:"context_usage,omitempty"`

	// RecoveryContext is injected into the next attempt's prompt after a
	// pause or failure recovery. Cleared once consumed.
	RecoveryContext string `json:"recovery_context,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns a Pending state for a roster entry. Roles with no
// dependencies still start Pending; the scheduling sweep promotes them.
func NewState(role, workerKind string, dependencies []string) *State {
	return &State{
		Role:         role,
		WorkerKind:   workerKind,
		Status:       StatusPending,
		Dependencies: dependencies,
		Artifacts:    make(map[string]string),
	}
}

// TransitionTo moves the state to target, enforcing the lifecycle state
// machine. CompletedAt is stamped only on Completed; an escalated role
// never finished.
func (s *State) TransitionTo(target Status, now time.Time) error {
	if !s.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid transition for role %s: %s -> %s", s.Role, s.Status, target)
	}
	s.Status = target
	s.UpdatedAt = now
	if target == StatusCompleted {
		t := now
		s.CompletedAt = &t
	}
	return nil
}

// MergeArtifacts folds newly reported artifacts into the existing map.
// Existing keys are overwritten; keys absent from the report survive.
func (s *State) MergeArtifacts(reported map[string]string) {
	if len(reported) == 0 {
		return
	}
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]string, len(reported))
	}
	for k, v := range reported {
		s.Artifacts[k] = v
	}
}

// Touch records a liveness signal at now.
func (s *State) Touch(now time.Time) {
	t := now
	s.LastHeartbeat = &t
	s.UpdatedAt = now
}

// DependsOn reports whether role is among this state's dependencies.
func (s *State) DependsOn(role string) bool {
	for _, dep := range s.Dependencies {
		if dep == role {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (s *State) Clone() *State {
	cp := *s
	if s.Dependencies != nil {
		cp.Dependencies = append([]string(nil), s.Dependencies...)
	}
	if s.Artifacts != nil {
		cp.Artifacts = make(map[string]string, len(s.Artifacts))
		for k, v := range s.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	if s.SpawnedAt != nil {
		t := *s.SpawnedAt
		cp.SpawnedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	if s.TimeoutAt != nil {
		t := *s.TimeoutAt
		cp.TimeoutAt = &t
	}
	if s.LastHeartbeat != nil {
		t := *s.LastHeartbeat
		cp.LastHeartbeat = &t
	}
	return &cp
}
