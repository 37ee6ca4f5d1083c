package agent

import "time"

// ProjectPhase is the coarse state of the whole run.
type ProjectPhase string

const (
	// PhaseRunning means the supervisor loop is active.
	PhaseRunning ProjectPhase = "running"
	// PhaseCompleted means every role reached Completed.
	PhaseCompleted ProjectPhase = "completed"
	// PhaseEscalated means at least one role escalated and the run needs
	// human attention.
	PhaseEscalated ProjectPhase = "escalated"
	// PhaseStopped means the operator shut the run down before it finished.
	PhaseStopped ProjectPhase = "stopped"
)

// Project is the singleton run record.
type Project struct {
	Name        string       `json:"name"`
	WorkDir     string       `json:"work_dir"`
	Phase       ProjectPhase `json:"phase"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Done reports whether the run has reached a final phase.
func (p *Project) Done() bool {
	return p.Phase == PhaseCompleted || p.Phase == PhaseEscalated || p.Phase == PhaseStopped
}
