// Package checkpoint turns recorded progress snapshots into the recovery
// context injected into a relaunched worker's prompt. The first retry
// resumes from the latest checkpoint; the second narrows scope to the
// checkpoint's pending items.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/store"
)

// FreshStart is the recovery context used when a role must restart with
// no checkpoint on record.
const FreshStart = "No checkpoint was recorded by the previous attempt. Start the assignment from the beginning."

// Engine builds recovery context from the checkpoint history.
type Engine struct {
	store *store.Store
}

// New creates an Engine over the store.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Latest returns the most recent checkpoint for role, or nil when none
// exists.
func (e *Engine) Latest(ctx context.Context, role string) (*agent.Checkpoint, error) {
	cp, err := e.store.LatestCheckpoint(ctx, role)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ResumeContext builds the recovery context for a first retry or a pause
// requeue: continue from the latest checkpoint, or start fresh when the
// previous attempt never recorded one.
func (e *Engine) ResumeContext(ctx context.Context, role, reason string) (string, error) {
	cp, err := e.Latest(ctx, role)
	if err != nil {
		return "", fmt.Errorf("building resume context for %s: %w", role, err)
	}
	if cp == nil {
		log.Info(log.CatCkpt, "No checkpoint to resume from", "role", role)
		return FreshStart, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A previous attempt at this assignment ended (%s). Resume from its last checkpoint; do not redo completed work.\n\n", reason)
	e.renderCheckpoint(&b, cp)
	return b.String(), nil
}

// ReducedScopeContext builds the recovery context for a second retry: the
// relaunched worker is told to deliver only the checkpoint's pending
// items. Without a checkpoint it falls back to a fresh start.
func (e *Engine) ReducedScopeContext(ctx context.Context, role, reason string) (string, error) {
	cp, err := e.Latest(ctx, role)
	if err != nil {
		return "", fmt.Errorf("building reduced scope context for %s: %w", role, err)
	}
	if cp == nil {
		return FreshStart, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Two attempts at this assignment have ended (%s). Scope is now reduced: complete ONLY the pending items below and skip everything else.\n\n", reason)
	e.renderCheckpoint(&b, cp)
	if len(cp.PendingItems) > 0 {
		b.WriteString("\nDeliver only these items:\n")
		for _, item := range cp.PendingItems {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	return b.String(), nil
}

func (e *Engine) renderCheckpoint(b *strings.Builder, cp *agent.Checkpoint) {
	fmt.Fprintf(b, "Checkpoint summary: %s\n", cp.Summary)
	fmt.Fprintf(b, "Progress: %d of %d items complete.\n", cp.CompletedCount, cp.TotalCount)
	if len(cp.CompletedItems) > 0 || len(cp.PendingItems) > 0 {
		b.WriteString("Work items:\n")
		for _, item := range cp.CompletedItems {
			fmt.Fprintf(b, "- [x] %s\n", item)
		}
		for _, item := range cp.PendingItems {
			fmt.Fprintf(b, "- [ ] %s\n", item)
		}
	}
	if len(cp.ActiveFiles) > 0 {
		fmt.Fprintf(b, "Files in flight: %s\n", strings.Join(cp.ActiveFiles, ", "))
	}
	if cp.Notes != "" {
		fmt.Fprintf(b, "Notes from the previous attempt: %s\n", cp.Notes)
	}
}
