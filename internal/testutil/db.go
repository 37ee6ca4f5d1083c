// Package testutil provides test helpers for database and store setup.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/store"
)

// NewTestDB creates a migrated SQLite database in a temp directory.
// The database is closed when the test finishes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestStore creates a Store over a fresh database, seeded with the
// given roles as Pending states with no dependencies.
func NewTestStore(t *testing.T, roles ...string) *store.Store {
	t.Helper()
	s := store.New(NewTestDB(t))
	t.Cleanup(s.Close)

	states := make([]*agent.State, len(roles))
	for i, role := range roles {
		states[i] = agent.NewState(role, "coder", nil)
	}
	require.NoError(t, s.SeedStates(context.Background(), states, time.Now()))
	require.NoError(t, s.InitProject(context.Background(), "test", t.TempDir(), time.Now()))
	return s
}

// SetStatus force-walks a role through valid transitions until it reaches
// target, resuming from the role's current position on the path. Only
// statuses reachable from Pending are supported.
func SetStatus(t *testing.T, s *store.Store, role string, target agent.Status) *agent.State {
	t.Helper()
	paths := map[agent.Status][]agent.Status{
		agent.StatusQueued:    {agent.StatusQueued},
		agent.StatusSpawning:  {agent.StatusQueued, agent.StatusSpawning},
		agent.StatusRunning:   {agent.StatusQueued, agent.StatusSpawning, agent.StatusRunning},
		agent.StatusPaused:    {agent.StatusQueued, agent.StatusSpawning, agent.StatusRunning, agent.StatusPaused},
		agent.StatusCompleted: {agent.StatusQueued, agent.StatusSpawning, agent.StatusRunning, agent.StatusCompleted},
		agent.StatusTimedOut:  {agent.StatusQueued, agent.StatusSpawning, agent.StatusRunning, agent.StatusTimedOut},
		agent.StatusFailed:    {agent.StatusQueued, agent.StatusSpawning, agent.StatusRunning, agent.StatusFailed},
		agent.StatusEscalated: {agent.StatusQueued, agent.StatusSpawning, agent.StatusRunning, agent.StatusEscalated},
	}
	steps, ok := paths[target]
	require.True(t, ok, "unsupported target status %s", target)

	final, err := s.State(context.Background(), role)
	require.NoError(t, err)
	start := 0
	for i, step := range steps {
		if final.Status == step {
			start = i + 1
		}
	}
	for _, step := range steps[start:] {
		st, err := s.Mutate(context.Background(), role, func(tx *store.Tx, st *agent.State) error {
			if st.Status == step {
				return nil
			}
			return st.TransitionTo(step, tx.Now())
		})
		require.NoError(t, err)
		final = st
	}
	return final
}
