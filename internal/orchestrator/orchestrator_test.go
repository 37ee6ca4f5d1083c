package orchestrator

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(rosterPath, []byte(`
agents:
  - role: architect
    worker_kind: coder
    assignment: Design the thing.
  - role: developer
    worker_kind: coder
    depends_on: [architect]
    assignment: Build the thing.
`), 0o600))

	cfg := config.Defaults()
	cfg.ProjectName = "wiring-test"
	cfg.Roster = rosterPath
	cfg.WorkDir = dir
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Workers = map[string]config.WorkerKind{
		"coder": {Command: "true"},
	}
	// Keep the loop from actually launching anything during the test.
	cfg.Supervisor.PollingInterval = time.Hour
	return cfg
}

func TestNewWiresTheRun(t *testing.T) {
	o, err := New(testConfig(t))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(o.ServerURL, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(o.ServerURL, "/sse"))

	states, err := o.Store().List(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, st := range states {
		assert.Equal(t, agent.StatusPending, st.Status)
	}

	proj, err := o.Store().Project(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wiring-test", proj.Name)
	assert.Equal(t, agent.PhaseRunning, proj.Phase)

	o.shutdown(false)
}

func TestNewRejectsBadRoster(t *testing.T) {
	cfg := testConfig(t)
	cfg.Roster = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	o, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	// The plane must accept connections while the run is live.
	require.Eventually(t, func() bool {
		resp, err := http.Get(strings.TrimSuffix(o.ServerURL, "/sse") + "/message")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
