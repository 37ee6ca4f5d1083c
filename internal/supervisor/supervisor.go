// Package supervisor drives the fleet. A single polling loop sweeps the
// agent states each tick: dead workers are detected and timed out,
// recoverable failures are requeued with recovery context, roles whose
// dependencies completed are scheduled, and queued roles are launched.
// Every state change goes through the store so it commits atomically and
// fans out to subscribers.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/checkpoint"
	"github.com/rowanhq/foreman/internal/config"
	"github.com/rowanhq/foreman/internal/heartbeat"
	"github.com/rowanhq/foreman/internal/launcher"
	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/notify"
	"github.com/rowanhq/foreman/internal/prompt"
	"github.com/rowanhq/foreman/internal/pubsub"
	"github.com/rowanhq/foreman/internal/roster"
	"github.com/rowanhq/foreman/internal/store"
)

// WorkerRunner is the slice of the launcher the supervisor drives.
type WorkerRunner interface {
	Launch(role, workerKind, prompt string) error
	Stop(ctx context.Context, role string) error
	Running(role string) bool
	Count() int
	Exits(ctx context.Context) <-chan pubsub.Event[launcher.ExitEvent]
}

// Supervisor owns the polling loop and all role state transitions that
// do not originate from the workers themselves.
type Supervisor struct {
	cfg       config.SupervisorConfig
	store     *store.Store
	roster    *roster.Roster
	tracker   *heartbeat.Tracker
	ckpt      *checkpoint.Engine
	runner    WorkerRunner
	notifier  *notify.Notifier
	serverURL string

	done     chan struct{}
	doneOnce sync.Once
}

// New builds a Supervisor. serverURL is handed to workers in their prompt
// so they can reach the coordination plane.
func New(cfg config.SupervisorConfig, st *store.Store, ros *roster.Roster, runner WorkerRunner, notifier *notify.Notifier, serverURL string) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		store:     st,
		roster:    ros,
		tracker:   heartbeat.New(cfg.HeartbeatTimeout, cfg.SpawningGrace),
		ckpt:      checkpoint.New(st),
		runner:    runner,
		notifier:  notifier,
		serverURL: serverURL,
		done:      make(chan struct{}),
	}
}

// Done is closed once the run reaches a terminal phase.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Run polls until the run terminates or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	exits := s.runner.Exits(ctx)

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	log.Info(log.CatSup, "Supervisor started", "pollingInterval", s.cfg.PollingInterval)

	// First sweep immediately so the initial roles launch without
	// waiting out a full tick.
	if s.Sweep(ctx, time.Now()) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-exits:
			if !ok {
				return nil
			}
			s.handleExit(ctx, ev.Payload)
			if s.Sweep(ctx, time.Now()) {
				return nil
			}
		case <-ticker.C:
			if s.Sweep(ctx, time.Now()) {
				return nil
			}
		}
	}
}

// Sweep runs one pass over all roles and reports whether the run reached
// a terminal phase. Each role takes at most one transition per sweep.
func (s *Supervisor) Sweep(ctx context.Context, now time.Time) (terminal bool) {
	states, err := s.store.List(ctx)
	if err != nil {
		log.ErrorErr(log.CatSup, "Sweep could not list states", err)
		return false
	}

	touched := make(map[string]bool)
	s.sweepHealth(ctx, states, now, touched)
	s.sweepRecovery(ctx, states, now, touched)
	s.sweepScheduling(ctx, states, touched)
	s.sweepLaunch(ctx, states, now, touched)
	return s.checkCompletion(ctx, now)
}

// sweepHealth times out workers whose silence or deadline says they are
// gone. The process is stopped before the state flips so a late tool call
// cannot race the transition.
func (s *Supervisor) sweepHealth(ctx context.Context, states []*agent.State, now time.Time, touched map[string]bool) {
	for _, st := range states {
		verdict := s.tracker.Check(st, now)
		if verdict == heartbeat.Healthy || verdict == heartbeat.NotLive {
			continue
		}

		if s.runner.Running(st.Role) {
			if err := s.runner.Stop(ctx, st.Role); err != nil {
				log.ErrorErr(log.CatSup, "Stopping unhealthy worker failed", err, "role", st.Role)
			}
		}

		// A worker that never made its first tool call cannot time out;
		// Spawning only exits to Running or Failed.
		target := agent.StatusTimedOut
		reason := fmt.Sprintf("no tool call for %s", s.cfg.HeartbeatTimeout)
		if verdict == heartbeat.DeadlineExceeded {
			reason = "attempt deadline exceeded"
		}
		if st.Status == agent.StatusSpawning {
			target = agent.StatusFailed
			reason = fmt.Sprintf("no tool call within %s of spawning", s.cfg.SpawningGrace)
		}

		_, err := s.store.Mutate(ctx, st.Role, func(tx *store.Tx, cur *agent.State) error {
			if cur.Status != st.Status {
				return fmt.Errorf("role %s moved to %s mid-sweep", cur.Role, cur.Status)
			}
			cur.LastError = reason
			return cur.TransitionTo(target, tx.Now())
		})
		if err != nil {
			log.ErrorErr(log.CatSup, "Health transition failed", err, "role", st.Role)
			continue
		}
		log.Warn(log.CatSup, "Worker declared dead", "role", st.Role, "verdict", verdict.String(), "reason", reason)
		touched[st.Role] = true
	}
}

// sweepRecovery requeues paused and recoverable roles, and escalates the
// ones that exhausted their retries. A pause is not a failure, so it
// never consumes a retry.
func (s *Supervisor) sweepRecovery(ctx context.Context, states []*agent.State, now time.Time, touched map[string]bool) {
	for _, st := range states {
		if touched[st.Role] {
			continue
		}
		switch st.Status {
		case agent.StatusPaused:
			s.recoverPaused(ctx, st)
			touched[st.Role] = true
		case agent.StatusTimedOut, agent.StatusFailed:
			s.recoverFailed(ctx, st)
			touched[st.Role] = true
		}
	}
}

func (s *Supervisor) recoverPaused(ctx context.Context, st *agent.State) {
	// The worker usually exits on its own after pausing; reap it if not.
	if s.runner.Running(st.Role) {
		if err := s.runner.Stop(ctx, st.Role); err != nil {
			log.ErrorErr(log.CatSup, "Stopping paused worker failed", err, "role", st.Role)
			return
		}
	}

	recovery, err := s.ckpt.ResumeContext(ctx, st.Role, "The previous worker paused before exhausting its context window.")
	if err != nil {
		log.ErrorErr(log.CatSup, "Building resume context failed", err, "role", st.Role)
		return
	}
	_, err = s.store.Mutate(ctx, st.Role, func(tx *store.Tx, cur *agent.State) error {
		cur.RecoveryContext = recovery
		cur.TimeoutAt = nil
		return cur.TransitionTo(agent.StatusQueued, tx.Now())
	})
	if err != nil {
		log.ErrorErr(log.CatSup, "Requeueing paused role failed", err, "role", st.Role)
		return
	}
	log.Info(log.CatSup, "Paused role requeued", "role", st.Role)
}

func (s *Supervisor) recoverFailed(ctx context.Context, st *agent.State) {
	// Each policy application consumes a retry; the attempt that would
	// reach MaxRetries escalates instead of relaunching.
	attempt := st.RetryCount + 1
	if attempt >= s.cfg.MaxRetries {
		s.escalate(ctx, st, attempt)
		return
	}

	reason := fmt.Sprintf("The previous attempt ended with: %s.", st.LastError)
	var recovery string
	var err error
	if attempt >= 2 {
		// From the second retry on, shrink the target to what the
		// checkpoint says is still pending.
		recovery, err = s.ckpt.ReducedScopeContext(ctx, st.Role, reason)
	} else {
		recovery, err = s.ckpt.ResumeContext(ctx, st.Role, reason)
	}
	if err != nil {
		log.ErrorErr(log.CatSup, "Building recovery context failed", err, "role", st.Role)
		return
	}

	_, err = s.store.Mutate(ctx, st.Role, func(tx *store.Tx, cur *agent.State) error {
		cur.RetryCount = attempt
		cur.RecoveryContext = recovery
		cur.TimeoutAt = nil
		return cur.TransitionTo(agent.StatusQueued, tx.Now())
	})
	if err != nil {
		log.ErrorErr(log.CatSup, "Requeueing failed role failed", err, "role", st.Role)
		return
	}
	log.Info(log.CatSup, "Failed role requeued", "role", st.Role, "attempt", attempt, "maxRetries", s.cfg.MaxRetries)
}

// escalate retires a role permanently and notifies the operator with the
// role's full context: retries, last error, latest checkpoint, artifacts.
func (s *Supervisor) escalate(ctx context.Context, st *agent.State, attempt int) {
	reason := fmt.Sprintf("%s after %d retries: %s", st.Status, attempt, st.LastError)
	updated, err := s.store.Mutate(ctx, st.Role, func(tx *store.Tx, cur *agent.State) error {
		cur.RetryCount = attempt
		cur.LastError = reason
		cur.TimeoutAt = nil
		return cur.TransitionTo(agent.StatusEscalated, tx.Now())
	})
	if err != nil {
		log.ErrorErr(log.CatSup, "Escalation transition failed", err, "role", st.Role)
		return
	}
	log.Warn(log.CatSup, "Role escalated", "role", st.Role, "retries", attempt)

	var summary string
	if cp, cerr := s.ckpt.Latest(ctx, st.Role); cerr == nil && cp != nil {
		summary = cp.Summary
	}
	s.notifier.Escalated(ctx, notify.Escalation{
		Role:       st.Role,
		Reason:     reason,
		RetryCount: attempt,
		LastError:  st.LastError,
		Checkpoint: summary,
		Artifacts:  updated.Artifacts,
	})
}

// sweepScheduling moves pending roles whose dependencies all completed
// into the queue, in roster declaration order.
func (s *Supervisor) sweepScheduling(ctx context.Context, states []*agent.State, touched map[string]bool) {
	byRole := make(map[string]*agent.State, len(states))
	for _, st := range states {
		byRole[st.Role] = st
	}

	for _, st := range s.inRosterOrder(states) {
		if touched[st.Role] || st.Status != agent.StatusPending {
			continue
		}
		if !s.depsCompleted(st, byRole) {
			continue
		}
		_, err := s.store.Mutate(ctx, st.Role, func(tx *store.Tx, cur *agent.State) error {
			return cur.TransitionTo(agent.StatusQueued, tx.Now())
		})
		if err != nil {
			log.ErrorErr(log.CatSup, "Scheduling transition failed", err, "role", st.Role)
			continue
		}
		log.Info(log.CatSup, "Role scheduled", "role", st.Role, "dependencies", st.Dependencies)
		touched[st.Role] = true
	}
}

// inRosterOrder returns states sorted by roster declaration order, which
// is the scheduling and launch tie-break.
func (s *Supervisor) inRosterOrder(states []*agent.State) []*agent.State {
	ordered := make([]*agent.State, len(states))
	copy(ordered, states)
	sort.SliceStable(ordered, func(i, j int) bool {
		return s.roster.Position(ordered[i].Role) < s.roster.Position(ordered[j].Role)
	})
	return ordered
}

func (s *Supervisor) depsCompleted(st *agent.State, byRole map[string]*agent.State) bool {
	for _, dep := range st.Dependencies {
		upstream, ok := byRole[dep]
		if !ok || upstream.Status != agent.StatusCompleted {
			return false
		}
	}
	return true
}

// sweepLaunch spawns workers for queued roles, oldest roster position
// first, respecting the concurrency cap.
func (s *Supervisor) sweepLaunch(ctx context.Context, states []*agent.State, now time.Time, touched map[string]bool) {
	live := s.runner.Count()
	for _, st := range states {
		if st.Status == agent.StatusSpawning {
			live++
		}
	}

	for _, st := range s.inRosterOrder(states) {
		if touched[st.Role] || st.Status != agent.StatusQueued {
			continue
		}
		if s.cfg.MaxConcurrent > 0 && live >= s.cfg.MaxConcurrent {
			log.Debug(log.CatSup, "Concurrency cap reached", "live", live, "cap", s.cfg.MaxConcurrent)
			return
		}
		if s.launch(ctx, st.Role, now) {
			touched[st.Role] = true
			live++
		}
	}
}

// launch flips a queued role to Spawning, renders its prompt, and starts
// the worker. The recovery context is consumed by the prompt; a fresh
// attempt must not inherit it.
func (s *Supervisor) launch(ctx context.Context, role string, now time.Time) bool {
	entry := s.roster.Lookup(role)
	if entry == nil {
		log.Error(log.CatSup, "Queued role missing from roster", "role", role)
		return false
	}

	var recovery string
	updated, err := s.store.Mutate(ctx, role, func(tx *store.Tx, cur *agent.State) error {
		recovery = cur.RecoveryContext
		cur.RecoveryContext = ""
		cur.SpawnedAt = &now
		deadline := now.Add(s.cfg.TimeoutFor(entry.Timeout))
		cur.TimeoutAt = &deadline
		cur.LastHeartbeat = nil
		return cur.TransitionTo(agent.StatusSpawning, tx.Now())
	})
	if err != nil {
		log.ErrorErr(log.CatSup, "Spawning transition failed", err, "role", role)
		return false
	}

	rendered, err := prompt.Render(prompt.Input{
		Role:            role,
		Kind:            prompt.Kind(entry.PromptKind),
		Assignment:      entry.Assignment,
		ServerURL:       s.serverURL,
		Dependencies:    entry.DependsOn,
		HeartbeatEvery:  s.cfg.HeartbeatInterval,
		FileBudget:      s.cfg.EstimatedContextBudget(),
		RecoveryContext: recovery,
	})
	if err == nil {
		err = s.runner.Launch(role, entry.WorkerKind, rendered)
	}
	if err != nil {
		log.ErrorErr(log.CatSup, "Launching worker failed", err, "role", role)
		_, merr := s.store.Mutate(ctx, role, func(tx *store.Tx, cur *agent.State) error {
			cur.LastError = fmt.Sprintf("launch failed: %v", err)
			return cur.TransitionTo(agent.StatusFailed, tx.Now())
		})
		if merr != nil {
			log.ErrorErr(log.CatSup, "Recording launch failure failed", merr, "role", role)
		}
		return false
	}

	log.Info(log.CatSup, "Worker launched",
		"role", role,
		"workerKind", entry.WorkerKind,
		"deadline", updated.TimeoutAt.Format(time.RFC3339),
		"continuation", recovery != "")
	return true
}

// handleExit records a worker that exited while it still owed work. A
// clean exit after complete, or an exit following a pause, is the normal
// teardown path and changes nothing.
func (s *Supervisor) handleExit(ctx context.Context, ev launcher.ExitEvent) {
	st, err := s.store.State(ctx, ev.Role)
	if err != nil {
		log.ErrorErr(log.CatSup, "Exit for unknown role", err, "role", ev.Role)
		return
	}
	if st.Status != agent.StatusSpawning && st.Status != agent.StatusRunning {
		log.Debug(log.CatSup, "Worker exited after settling", "role", ev.Role, "status", st.Status, "exitCode", ev.ExitCode)
		return
	}

	// Exit code 0 without a complete call still means the assignment was
	// abandoned.
	reason := fmt.Sprintf("worker exited with code %d before reporting completion", ev.ExitCode)
	if ev.Err != nil {
		reason = fmt.Sprintf("worker exited before reporting completion: %v", ev.Err)
	}
	_, err = s.store.Mutate(ctx, ev.Role, func(tx *store.Tx, cur *agent.State) error {
		if cur.Status != agent.StatusSpawning && cur.Status != agent.StatusRunning {
			return nil
		}
		cur.LastError = reason
		return cur.TransitionTo(agent.StatusFailed, tx.Now())
	})
	if err != nil {
		log.ErrorErr(log.CatSup, "Recording worker exit failed", err, "role", ev.Role)
		return
	}
	log.Warn(log.CatSup, "Worker exited unexpectedly", "role", ev.Role, "exitCode", ev.ExitCode)
}

// checkCompletion settles the project phase once no role can make further
// progress. An escalation does not halt the run by itself; independent
// roles keep going, and only when nothing is queued, live, or recoverable
// does the run settle. Roles stuck pending behind an escalated dependency
// stay pending.
func (s *Supervisor) checkCompletion(ctx context.Context, now time.Time) bool {
	states, err := s.store.List(ctx)
	if err != nil {
		log.ErrorErr(log.CatSup, "Completion check could not list states", err)
		return false
	}
	if len(states) == 0 {
		return false
	}

	var escalated string
	completed := 0
	for _, st := range states {
		switch st.Status {
		case agent.StatusQueued, agent.StatusSpawning, agent.StatusRunning,
			agent.StatusPaused, agent.StatusTimedOut, agent.StatusFailed:
			// Still in flight or recoverable on the next sweep. Scheduling
			// already ran, so any pending role left here is truly stuck.
			return false
		case agent.StatusEscalated:
			escalated = st.Role
		case agent.StatusCompleted:
			completed++
		}
	}

	if completed == len(states) {
		if err := s.store.SetPhase(ctx, agent.PhaseCompleted, now); err != nil {
			log.ErrorErr(log.CatSup, "Recording completed phase failed", err)
		}
		log.Info(log.CatSup, "Run completed", "roles", len(states))
		s.notifier.RunCompleted(ctx)
		s.finish()
		return true
	}
	if escalated != "" {
		if err := s.store.SetPhase(ctx, agent.PhaseEscalated, now); err != nil {
			log.ErrorErr(log.CatSup, "Recording escalated phase failed", err)
		}
		log.Warn(log.CatSup, "Run settled with escalations", "role", escalated)
		s.notifier.RunEscalated(ctx, escalated)
		s.finish()
		return true
	}
	return false
}

func (s *Supervisor) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
