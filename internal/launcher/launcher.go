// Package launcher starts and stops worker processes. Each role's worker
// runs the configured command for its worker kind, receives its prompt on
// stdin, and learns the coordination endpoint from its environment.
// Process exits are published so the supervisor can react.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rowanhq/foreman/internal/config"
	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/pubsub"
)

// Environment variables injected into every worker process.
const (
	EnvRole   = "FOREMAN_ROLE"
	EnvServer = "FOREMAN_SERVER"
)

// ExitEvent is published when a worker process ends.
type ExitEvent struct {
	Role     string
	ExitCode int
	Err      error
	At       time.Time
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Launcher starts workers and tears them down.
type Launcher struct {
	workers   map[string]config.WorkerKind
	workDir   string
	serverURL string
	grace     time.Duration

	broker *pubsub.Broker[ExitEvent]

	mu    sync.Mutex
	procs map[string]*proc
}

// New builds a Launcher. grace bounds the polite phase of Stop.
func New(workers map[string]config.WorkerKind, workDir, serverURL string, grace time.Duration) *Launcher {
	return &Launcher{
		workers:   workers,
		workDir:   workDir,
		serverURL: serverURL,
		grace:     grace,
		broker:    pubsub.NewBroker[ExitEvent](),
		procs:     make(map[string]*proc),
	}
}

// Exits returns a subscription to worker exit events.
func (l *Launcher) Exits(ctx context.Context) <-chan pubsub.Event[ExitEvent] {
	return l.broker.Subscribe(ctx)
}

// Close shuts down the exit broker. Live workers are not touched; call
// StopAll first for a clean teardown.
func (l *Launcher) Close() {
	l.broker.Close()
}

// Running reports whether a worker process is live for role.
func (l *Launcher) Running(role string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.procs[role]
	return ok
}

// Count returns the number of live worker processes.
func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Launch starts a worker for role using its kind's command, writes the
// prompt to its stdin, and watches for exit.
func (l *Launcher) Launch(role, workerKind, prompt string) error {
	kind, ok := l.workers[workerKind]
	if !ok {
		return fmt.Errorf("unknown worker kind: %s", workerKind)
	}

	l.mu.Lock()
	if _, live := l.procs[role]; live {
		l.mu.Unlock()
		return fmt.Errorf("role %s already has a live worker", role)
	}
	l.mu.Unlock()

	args := append([]string(nil), kind.Args...)
	if kind.Model != "" {
		args = append(args, "--model", kind.Model)
	}

	cmd := exec.Command(kind.Command, args...)
	cmd.Dir = l.workDir
	cmd.Env = append(os.Environ(), kind.Env...)
	cmd.Env = append(cmd.Env,
		EnvRole+"="+role,
		EnvServer+"="+l.serverURL,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin for %s: %w", role, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker for %s: %w", role, err)
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	l.mu.Lock()
	l.procs[role] = p
	l.mu.Unlock()

	log.Info(log.CatLaunch, "Worker started", "role", role, "kind", workerKind, "pid", cmd.Process.Pid)

	log.SafeGo("launcher-stdin-"+role, func() {
		if _, err := stdin.Write([]byte(prompt)); err != nil {
			log.Warn(log.CatLaunch, "Prompt delivery failed", "role", role, "error", err)
		}
		_ = stdin.Close()
	})

	log.SafeGo("launcher-wait-"+role, func() {
		err := cmd.Wait()
		close(p.done)

		l.mu.Lock()
		if l.procs[role] == p {
			delete(l.procs, role)
		}
		l.mu.Unlock()

		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		log.Info(log.CatLaunch, "Worker exited", "role", role, "code", code, "error", err)
		l.broker.Publish(pubsub.DeletedEvent, ExitEvent{
			Role:     role,
			ExitCode: code,
			Err:      err,
			At:       time.Now(),
		})
	})

	return nil
}

// Stop tears down the worker for role: SIGTERM first, SIGKILL once the
// grace period runs out. It returns once the process is gone. Stopping a
// role with no live worker is a no-op.
func (l *Launcher) Stop(ctx context.Context, role string) error {
	l.mu.Lock()
	p, ok := l.procs[role]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	log.Info(log.CatLaunch, "Stopping worker", "role", role)
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-time.After(l.grace):
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		return ctx.Err()
	}

	log.Warn(log.CatLaunch, "Worker ignored SIGTERM, killing", "role", role)
	_ = p.cmd.Process.Kill()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll tears down every live worker.
func (l *Launcher) StopAll(ctx context.Context) {
	l.mu.Lock()
	roles := make([]string, 0, len(l.procs))
	for role := range l.procs {
		roles = append(roles, role)
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, role := range roles {
		wg.Add(1)
		role := role
		log.SafeGo("launcher-stopall-"+role, func() {
			defer wg.Done()
			if err := l.Stop(ctx, role); err != nil {
				log.Warn(log.CatLaunch, "Teardown incomplete", "role", role, "error", err)
			}
		})
	}
	wg.Wait()
}
