package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/pubsub"
)

// ErrNotFound is returned when a role or record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable marks a database fault, as opposed to a missing row
// or a rejected transition. Callers match it with errors.Is to tell the two
// apart.
var ErrStorageUnavailable = errors.New("storage unavailable")

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

const (
	stateCacheTTL   = 5 * time.Second
	cacheSweepEvery = time.Minute
)

const stateColumns = `role, worker_kind, status, dependencies, spawned_at, completed_at,
	timeout_at, last_heartbeat, retry_count, artifacts, last_message, last_error,
	context_usage, recovery_context, updated_at`

const messageColumns = `seq, id, created_at, from_role, to_role, type, content, artifacts, metadata`

const checkpointColumns = `id, role, created_at, summary, completed_items, pending_items,
	active_files, notes, completed_count, total_count`

// StateChange is published on the store's event broker after each commit
// that touched a role.
type StateChange struct {
	Role  string
	State *agent.State
}

// Store is the single authority over run state. The supervisor and the
// tool surface share one Store; the per-role lock serializes their writes
// so each role sees one transition at a time.
type Store struct {
	db     *sql.DB
	events *pubsub.Broker[StateChange]

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	cache *gocache.Cache
}

// New wraps an open database in a Store.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		events: pubsub.NewBroker[StateChange](),
		locks:  make(map[string]*sync.Mutex),
		cache:  gocache.New(stateCacheTTL, cacheSweepEvery),
	}
}

// Events exposes the state-change broker for read-side consumers.
func (s *Store) Events() *pubsub.Broker[StateChange] {
	return s.events
}

// Close shuts the event broker down. The database is owned by the caller.
func (s *Store) Close() {
	s.events.Close()
}

func (s *Store) roleLock(role string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[role]
	if !ok {
		l = &sync.Mutex{}
		s.locks[role] = l
	}
	return l
}

// InitProject creates the singleton project row if it does not exist yet.
// Restarting against an existing database keeps the original row.
func (s *Store) InitProject(ctx context.Context, name, workDir string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_state (id, name, work_dir, phase, started_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		name, workDir, string(agent.PhaseRunning), now.Unix(),
	)
	if err != nil {
		return storageErr("initializing project", err)
	}
	return nil
}

// Project returns the singleton project row.
func (s *Store) Project(ctx context.Context) (*agent.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, work_dir, phase, started_at, completed_at FROM project_state WHERE id = 1`)
	var p agent.Project
	var started int64
	var completed *int64
	if err := row.Scan(&p.Name, &p.WorkDir, (*string)(&p.Phase), &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("loading project", err)
	}
	p.StartedAt = time.Unix(started, 0)
	p.CompletedAt = timePtr(completed)
	return &p, nil
}

// SetPhase moves the project to phase, stamping completion for final phases.
func (s *Store) SetPhase(ctx context.Context, phase agent.ProjectPhase, now time.Time) error {
	var completed *int64
	if phase != agent.PhaseRunning {
		u := now.Unix()
		completed = &u
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE project_state SET phase = ?, completed_at = ? WHERE id = 1`,
		string(phase), completed)
	if err != nil {
		return storageErr("setting project phase", err)
	}
	return nil
}

// SeedStates inserts Pending rows for any roles not already present.
// Existing rows are left alone so a restart resumes where it stopped.
func (s *Store) SeedStates(ctx context.Context, states []*agent.State, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning seed transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range states {
		st.UpdatedAt = now
		m := toStateModel(st)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_states (`+stateColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(role) DO NOTHING`,
			m.Role, m.WorkerKind, m.Status, m.Dependencies, m.SpawnedAt, m.CompletedAt,
			m.TimeoutAt, m.LastHeartbeat, m.RetryCount, m.Artifacts, m.LastMessage,
			m.LastError, m.ContextUsage, m.RecoveryContext, m.UpdatedAt,
		)
		if err != nil {
			return storageErr("seeding role "+st.Role, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("committing seed", err)
	}
	return nil
}

func scanState(scanner interface{ Scan(...any) error }) (*agent.State, error) {
	var m agentStateModel
	err := scanner.Scan(
		&m.Role, &m.WorkerKind, &m.Status, &m.Dependencies, &m.SpawnedAt, &m.CompletedAt,
		&m.TimeoutAt, &m.LastHeartbeat, &m.RetryCount, &m.Artifacts, &m.LastMessage,
		&m.LastError, &m.ContextUsage, &m.RecoveryContext, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// State returns a copy of the state for role. Reads hit a short-lived
// cache invalidated on every commit for the role.
func (s *Store) State(ctx context.Context, role string) (*agent.State, error) {
	if cached, ok := s.cache.Get(role); ok {
		return cached.(*agent.State).Clone(), nil
	}
	st, err := s.loadState(ctx, s.db, role)
	if err != nil {
		return nil, err
	}
	s.cache.Set(role, st.Clone(), gocache.DefaultExpiration)
	return st, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadState(ctx context.Context, q querier, role string) (*agent.State, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM agent_states WHERE role = ?`, role)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", role, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("loading state for "+role, err)
	}
	return st, nil
}

// List returns all agent states ordered by role name.
func (s *Store) List(ctx context.Context) ([]*agent.State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM agent_states ORDER BY role`)
	if err != nil {
		return nil, storageErr("listing states", err)
	}
	defer func() { _ = rows.Close() }()

	var states []*agent.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, storageErr("scanning state", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading states", err)
	}
	return states, nil
}

// Tx is the handle passed to a Mutate callback. Anything done through it
// commits or rolls back with the state update.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

// Now is the timestamp the mutation runs at.
func (t *Tx) Now() time.Time {
	return t.now
}

// AppendMessage adds a message to the log inside the enclosing mutation.
// ID and CreatedAt are assigned here; Seq is set from the insert.
func (t *Tx) AppendMessage(msg *agent.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = t.now
	m := toMessageModel(msg)
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO agent_messages (id, created_at, from_role, to_role, type, content, artifacts, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CreatedAt, m.FromRole, m.ToRole, m.Type, m.Content, m.Artifacts, m.Metadata,
	)
	if err != nil {
		return storageErr("appending message", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return storageErr("reading message seq", err)
	}
	msg.Seq = seq
	return nil
}

// RecordCheckpoint stores a validated checkpoint inside the enclosing
// mutation.
func (t *Tx) RecordCheckpoint(c *agent.Checkpoint) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.CreatedAt = t.now
	m := toCheckpointModel(c)
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO checkpoints (role, created_at, summary, completed_items, pending_items, active_files, notes, completed_count, total_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Role, m.CreatedAt, m.Summary, m.CompletedItems, m.PendingItems, m.ActiveFiles,
		m.Notes, m.CompletedCount, m.TotalCount,
	)
	if err != nil {
		return storageErr("recording checkpoint", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("reading checkpoint id", err)
	}
	c.ID = id
	return nil
}

// Mutate loads the state for role, runs fn, and persists the result in one
// transaction. The per-role lock is held for the duration, so concurrent
// mutations of the same role serialize. An error from fn rolls everything
// back, log entries and checkpoints included.
func (s *Store) Mutate(ctx context.Context, role string, fn func(tx *Tx, st *agent.State) error) (*agent.State, error) {
	lock := s.roleLock(role)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("beginning mutation", err)
	}
	defer func() { _ = tx.Rollback() }()

	st, err := s.loadState(ctx, tx, role)
	if err != nil {
		return nil, err
	}

	if err := fn(&Tx{ctx: ctx, tx: tx, now: now}, st); err != nil {
		return nil, err
	}
	st.UpdatedAt = now

	m := toStateModel(st)
	_, err = tx.ExecContext(ctx,
		`UPDATE agent_states SET worker_kind = ?, status = ?, dependencies = ?, spawned_at = ?,
		    completed_at = ?, timeout_at = ?, last_heartbeat = ?, retry_count = ?, artifacts = ?,
		    last_message = ?, last_error = ?, context_usage = ?, recovery_context = ?, updated_at = ?
		 WHERE role = ?`,
		m.WorkerKind, m.Status, m.Dependencies, m.SpawnedAt, m.CompletedAt, m.TimeoutAt,
		m.LastHeartbeat, m.RetryCount, m.Artifacts, m.LastMessage, m.LastError,
		m.ContextUsage, m.RecoveryContext, m.UpdatedAt, m.Role,
	)
	if err != nil {
		return nil, storageErr("persisting state for "+role, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("committing mutation for "+role, err)
	}

	s.cache.Delete(role)
	s.events.Publish(pubsub.UpdatedEvent, StateChange{Role: role, State: st.Clone()})
	log.Debug(log.CatDB, "State committed", "role", role, "status", st.Status)
	return st.Clone(), nil
}

// Append adds a message to the log outside any role mutation, in its own
// transaction.
func (s *Store) Append(ctx context.Context, msg *agent.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := (&Tx{ctx: ctx, tx: tx, now: time.Now()}).AppendMessage(msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("committing append", err)
	}
	return nil
}

func scanMessage(scanner interface{ Scan(...any) error }) (*agent.Message, error) {
	var m messageModel
	err := scanner.Scan(&m.Seq, &m.ID, &m.CreatedAt, &m.FromRole, &m.ToRole, &m.Type,
		&m.Content, &m.Artifacts, &m.Metadata)
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// MessagesFor returns messages addressed to role (directly or broadcast)
// with seq greater than after, oldest first, at most limit (0 = no cap).
func (s *Store) MessagesFor(ctx context.Context, role string, after int64, limit int) ([]*agent.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM agent_messages
		WHERE (to_role = ? OR to_role = ?) AND seq > ? ORDER BY seq`
	args := []any{role, agent.BroadcastTarget, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

// Tail returns the most recent n messages across all roles, oldest first.
func (s *Store) Tail(ctx context.Context, n int) ([]*agent.Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM agent_messages ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*agent.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("querying messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*agent.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scanning message", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading messages", err)
	}
	return msgs, nil
}

func scanCheckpoint(scanner interface{ Scan(...any) error }) (*agent.Checkpoint, error) {
	var m checkpointModel
	err := scanner.Scan(&m.ID, &m.Role, &m.CreatedAt, &m.Summary, &m.CompletedItems,
		&m.PendingItems, &m.ActiveFiles, &m.Notes, &m.CompletedCount, &m.TotalCount)
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

// LatestCheckpoint returns the most recent checkpoint for role, or
// ErrNotFound when none has been recorded.
func (s *Store) LatestCheckpoint(ctx context.Context, role string) (*agent.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE role = ? ORDER BY id DESC LIMIT 1`, role)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for %s: %w", role, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("loading checkpoint for "+role, err)
	}
	return c, nil
}

// Checkpoints returns all checkpoints for role, oldest first.
func (s *Store) Checkpoints(ctx context.Context, role string) ([]*agent.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE role = ? ORDER BY id`, role)
	if err != nil {
		return nil, storageErr("querying checkpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*agent.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, storageErr("scanning checkpoint", err)
		}
		cps = append(cps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading checkpoints", err)
	}
	return cps, nil
}
