package agent

import (
	"fmt"
	"time"
)

// Checkpoint is a durable progress snapshot recorded by a worker. The most
// recent valid checkpoint for a role seeds its recovery context.
type Checkpoint struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Summary is a prose description of where the work stands.
	Summary string `json:"summary"`
	// CompletedItems lists work items already done.
	CompletedItems []string `json:"completed_items,omitempty"`
	// PendingItems lists work items still open.
	PendingItems []string `json:"pending_items,omitempty"`
	// ActiveFiles lists files the worker was editing at snapshot time.
	ActiveFiles []string `json:"active_files,omitempty"`
	// Notes carries anything the next attempt should know.
	Notes string `json:"notes,omitempty"`

	// CompletedCount and TotalCount track item accounting independent of
	// the slices so a resumed attempt can report progress numerically.
	CompletedCount int `json:"completed_count"`
	TotalCount     int `json:"total_count"`
}

// Validate enforces checkpoint consistency: a summary must be present and
// the item accounting must balance, completed + pending = total.
func (c *Checkpoint) Validate() error {
	if c.Role == "" {
		return fmt.Errorf("checkpoint missing role")
	}
	if c.Summary == "" {
		return fmt.Errorf("checkpoint missing summary")
	}
	if c.CompletedCount < 0 || c.TotalCount < 0 {
		return fmt.Errorf("checkpoint counts must be non-negative")
	}
	if c.CompletedCount+len(c.PendingItems) != c.TotalCount {
		return fmt.Errorf("checkpoint accounting mismatch: completed %d + pending %d != total %d",
			c.CompletedCount, len(c.PendingItems), c.TotalCount)
	}
	return nil
}
