package toolsurface_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/mcp"
	"github.com/rowanhq/foreman/internal/messagelog"
	"github.com/rowanhq/foreman/internal/notify"
	"github.com/rowanhq/foreman/internal/roster"
	"github.com/rowanhq/foreman/internal/store"
	"github.com/rowanhq/foreman/internal/testutil"
	"github.com/rowanhq/foreman/internal/toolsurface"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Escalation
}

func (f *fakeNotifier) Escalated(ctx context.Context, esc notify.Escalation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, esc)
}

func (f *fakeNotifier) all() []notify.Escalation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Escalation(nil), f.events...)
}

type fixture struct {
	store    *store.Store
	msgs     *messagelog.Log
	notifier *fakeNotifier
	server   *mcp.Server
	conn     *mcp.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	r := &roster.Roster{Entries: []roster.Entry{
		{Role: "architect", WorkerKind: "planner", Assignment: "Design the system."},
		{Role: "developer", WorkerKind: "coder", DependsOn: []string{"architect"}, Assignment: "Implement the design."},
		{Role: "tester", WorkerKind: "coder", DependsOn: []string{"developer"}, Assignment: "Test the implementation."},
	}}
	require.NoError(t, r.Validate(nil))

	s := store.New(testutil.NewTestDB(t))
	t.Cleanup(s.Close)
	var states []*agent.State
	for _, e := range r.Entries {
		states = append(states, agent.NewState(e.Role, e.WorkerKind, e.DependsOn))
	}
	require.NoError(t, s.SeedStates(context.Background(), states, time.Now()))
	require.NoError(t, s.InitProject(context.Background(), "demo", t.TempDir(), time.Now()))

	msgs := messagelog.New(s)
	t.Cleanup(msgs.Close)

	notifier := &fakeNotifier{}
	surface := toolsurface.New(s, msgs, r, notifier, time.Minute, 2*time.Minute)

	server := mcp.NewServer("foreman", "0.1.0")
	t.Cleanup(server.Close)
	surface.RegisterAll(server)
	surface.RegisterResources(server)

	conn := mcp.NewConn()
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.NotNil(t, server.HandleMessage(context.Background(), conn, body))
	server.HandleMessage(context.Background(), conn, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))

	return &fixture{store: s, msgs: msgs, notifier: notifier, server: server, conn: conn}
}

func (f *fixture) callTool(t *testing.T, name string, args any) *mcp.ToolCallResult {
	t.Helper()
	rawArgs, err := json.Marshal(args)
	require.NoError(t, err)
	req := map[string]any{
		"jsonrpc": mcp.JSONRPCVersion,
		"id":      7,
		"method":  "tools/call",
		"params":  mcp.ToolCallParams{Name: name, Arguments: rawArgs},
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	raw := f.server.HandleMessage(context.Background(), f.conn, body)
	require.NotNil(t, raw)
	var resp mcp.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Nil(t, resp.Error, "unexpected RPC error: %v", resp.Error)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result mcp.ToolCallResult
	require.NoError(t, json.Unmarshal(data, &result))
	return &result
}

func (f *fixture) text(t *testing.T, result *mcp.ToolCallResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return result.Content[0].Text
}

func (f *fixture) status(t *testing.T, role string) agent.Status {
	t.Helper()
	st, err := f.store.State(context.Background(), role)
	require.NoError(t, err)
	return st.Status
}

func TestFirstToolCallPromotesSpawningWorker(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusSpawning)

	result := f.callTool(t, "heartbeat", map[string]any{"agent_id": "developer"})
	assert.False(t, result.IsError)
	assert.Equal(t, agent.StatusRunning, f.status(t, "developer"))

	st, err := f.store.State(context.Background(), "developer")
	require.NoError(t, err)
	assert.NotNil(t, st.LastHeartbeat)
}

func TestHeartbeatExtendsDeadline(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "heartbeat", map[string]any{
		"agent_id": "developer", "activity": "thinking", "progress": "reading the schema",
	})
	assert.False(t, result.IsError)
	assert.Contains(t, f.text(t, result), "Deadline extended")

	st, err := f.store.State(context.Background(), "developer")
	require.NoError(t, err)
	require.NotNil(t, st.TimeoutAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), *st.TimeoutAt, 5*time.Second)
	assert.Equal(t, "reading the schema", st.LastMessage)
}

func TestHeartbeatRecordsContextUsage(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "heartbeat", map[string]any{"agent_id": "developer", "context_usage": 0.7})
	assert.False(t, result.IsError)

	st, err := f.store.State(context.Background(), "developer")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, st.ContextUsage, 0.001)
}

func TestHeartbeatRejections(t *testing.T) {
	f := newFixture(t)

	result := f.callTool(t, "heartbeat", map[string]any{"agent_id": "ghost"})
	assert.True(t, result.IsError)
	assert.Contains(t, f.text(t, result), "unknown role")

	result = f.callTool(t, "heartbeat", map[string]any{"agent_id": "developer", "context_usage": 1.5})
	assert.True(t, result.IsError)
	assert.Contains(t, f.text(t, result), "context_usage")

	result = f.callTool(t, "heartbeat", map[string]any{"agent_id": "developer", "activity": "napping"})
	assert.True(t, result.IsError)
	assert.Contains(t, f.text(t, result), "invalid activity")
}

func TestReportStatusWorking(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "report_status", map[string]any{
		"agent_id":  "developer",
		"status":    "working",
		"message":   "halfway through the parser",
		"artifacts": map[string]string{"parser": "src/parser.go"},
	})
	assert.False(t, result.IsError)

	st, err := f.store.State(context.Background(), "developer")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusRunning, st.Status)
	assert.Equal(t, "halfway through the parser", st.LastMessage)
	assert.Equal(t, "src/parser.go", st.Artifacts["parser"])

	msgs, err := f.msgs.Inbox(context.Background(), "tester", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, agent.MessageProgress, msgs[0].Type)
}

func TestReportStatusDone(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "report_status", map[string]any{
		"agent_id": "developer", "status": "done", "message": "feature shipped",
		"artifacts": map[string]string{"code": "src/main.go"},
	})
	assert.False(t, result.IsError)
	assert.Equal(t, agent.StatusCompleted, f.status(t, "developer"))

	msgs, err := f.msgs.Inbox(context.Background(), "tester", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, agent.MessageDone, msgs[0].Type)
	assert.Equal(t, "src/main.go", msgs[0].Artifacts["code"])
}

func TestReportStatusNeedsReview(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "report_status", map[string]any{
		"agent_id": "developer", "status": "needs_review", "message": "please look at the API shape",
	})
	assert.False(t, result.IsError)
	assert.Equal(t, agent.StatusRunning, f.status(t, "developer"))

	msgs, err := f.msgs.Inbox(context.Background(), "architect", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, agent.MessageNeedsReview, msgs[0].Type)
}

func TestReportStatusBlocked(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	t.Run("requires a reason", func(t *testing.T) {
		result := f.callTool(t, "report_status", map[string]any{"agent_id": "developer", "status": "blocked"})
		assert.True(t, result.IsError)
		assert.Contains(t, f.text(t, result), "blocked_reason")
	})

	t.Run("escalates with a reason", func(t *testing.T) {
		f.callTool(t, "checkpoint", map[string]any{
			"agent_id": "developer", "summary": "auth wiring half done",
		})
		result := f.callTool(t, "report_status", map[string]any{
			"agent_id": "developer", "status": "blocked", "blocked_reason": "credentials missing",
			"artifacts": map[string]string{"notes": "docs/auth.md"},
		})
		assert.False(t, result.IsError)
		assert.Equal(t, agent.StatusEscalated, f.status(t, "developer"))

		// The notification carries enough for a human to act on.
		events := f.notifier.all()
		require.Len(t, events, 1)
		assert.Equal(t, "developer", events[0].Role)
		assert.Contains(t, events[0].Reason, "credentials missing")
		assert.Equal(t, 0, events[0].RetryCount)
		assert.Equal(t, "auth wiring half done", events[0].Checkpoint)
		assert.Equal(t, "docs/auth.md", events[0].Artifacts["notes"])

		// The blocker was broadcast on the message log.
		msgs, err := f.msgs.Inbox(context.Background(), "tester", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, agent.MessageBlocked, msgs[0].Type)
	})
}

func TestReportStatusContextLimit(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "report_status", map[string]any{
		"agent_id": "developer", "status": "context_limit", "message": "context nearly full",
	})
	assert.False(t, result.IsError)
	assert.Equal(t, agent.StatusPaused, f.status(t, "developer"))

	msgs, err := f.msgs.Inbox(context.Background(), "tester", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, agent.MessageContextLimit, msgs[0].Type)
}

func TestReportStatusInvalid(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "report_status", map[string]any{"agent_id": "developer", "status": "napping"})
	assert.True(t, result.IsError)
	assert.Contains(t, f.text(t, result), "invalid status")
}

func TestCheckpointTool(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "checkpoint", map[string]any{
		"agent_id":        "developer",
		"summary":         "parser done, tests remain",
		"completed_items": []string{"parser"},
		"pending_items":   []string{"tests"},
		"completed_count": 1,
		"total_count":     2,
	})
	assert.False(t, result.IsError)
	assert.Contains(t, f.text(t, result), "50% complete")

	cp, err := f.store.LatestCheckpoint(context.Background(), "developer")
	require.NoError(t, err)
	assert.Equal(t, "parser done, tests remain", cp.Summary)

	// Counts default to the item lists when omitted.
	result = f.callTool(t, "checkpoint", map[string]any{
		"agent_id":        "developer",
		"summary":         "tests done too",
		"completed_items": []string{"parser", "tests"},
	})
	assert.False(t, result.IsError)
	assert.Contains(t, f.text(t, result), "100% complete")

	// Broken accounting is rejected and nothing is stored.
	result = f.callTool(t, "checkpoint", map[string]any{
		"agent_id": "developer", "summary": "bad", "completed_count": 5, "total_count": 2,
	})
	assert.True(t, result.IsError)
	cps, err := f.store.Checkpoints(context.Background(), "developer")
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

func TestGetContext(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "architect", agent.StatusRunning)
	f.callTool(t, "complete", map[string]any{
		"agent_id": "architect", "artifacts": map[string]string{"design": "docs/design.md"},
	})
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	t.Run("all sections by default", func(t *testing.T) {
		result := f.callTool(t, "get_context", map[string]any{"agent_id": "developer"})
		require.False(t, result.IsError)

		var snap toolsurface.ContextResult
		require.NoError(t, json.Unmarshal([]byte(f.text(t, result)), &snap))
		require.NotNil(t, snap.Project)
		assert.Equal(t, "demo", snap.Project.Name)
		assert.Len(t, snap.Agents, 3)
		assert.Equal(t, "docs/design.md", snap.Artifacts["architect"]["design"])
		require.NotEmpty(t, snap.Messages) // architect's completion broadcast
	})

	t.Run("narrowed to one section and role", func(t *testing.T) {
		result := f.callTool(t, "get_context", map[string]any{
			"agent_id": "developer", "include": []string{"agents"}, "role": "architect",
		})
		require.False(t, result.IsError)

		var snap toolsurface.ContextResult
		require.NoError(t, json.Unmarshal([]byte(f.text(t, result)), &snap))
		assert.Nil(t, snap.Project)
		assert.Empty(t, snap.Messages)
		require.Len(t, snap.Agents, 1)
		assert.Equal(t, "architect", snap.Agents[0].Role)
		assert.Equal(t, agent.StatusCompleted, snap.Agents[0].Status)
	})

	t.Run("observer may omit agent_id", func(t *testing.T) {
		result := f.callTool(t, "get_context", map[string]any{})
		require.False(t, result.IsError)

		var snap toolsurface.ContextResult
		require.NoError(t, json.Unmarshal([]byte(f.text(t, result)), &snap))
		assert.Len(t, snap.Agents, 3)
	})

	t.Run("unknown section", func(t *testing.T) {
		result := f.callTool(t, "get_context", map[string]any{
			"agent_id": "developer", "include": []string{"gossip"},
		})
		assert.True(t, result.IsError)
		assert.Contains(t, f.text(t, result), "unknown context section")
	})
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	t.Run("unknown sender", func(t *testing.T) {
		result := f.callTool(t, "send_message", map[string]any{
			"agent_id": "ghost", "to": "tester", "type": "info", "content": "hi",
		})
		assert.True(t, result.IsError)
		assert.Contains(t, f.text(t, result), "unknown sender role")
	})

	t.Run("unknown target", func(t *testing.T) {
		result := f.callTool(t, "send_message", map[string]any{
			"agent_id": "developer", "to": "ghost", "type": "info", "content": "hi",
		})
		assert.True(t, result.IsError)
		assert.Contains(t, f.text(t, result), "not a known target")
	})

	t.Run("unsendable type", func(t *testing.T) {
		result := f.callTool(t, "send_message", map[string]any{
			"agent_id": "developer", "to": "tester", "type": "heartbeat", "content": "hi",
		})
		assert.True(t, result.IsError)
		assert.Contains(t, f.text(t, result), "invalid message type")
	})

	t.Run("delivery", func(t *testing.T) {
		result := f.callTool(t, "send_message", map[string]any{
			"agent_id": "developer", "to": "tester", "type": "request",
			"content": "code is ready", "artifacts": map[string]string{"code": "src/main.go"},
		})
		require.False(t, result.IsError)

		msgs, err := f.msgs.Inbox(context.Background(), "tester", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "code is ready", msgs[0].Content)
		assert.Equal(t, "src/main.go", msgs[0].Artifacts["code"])
	})
}

func TestRequestHelp(t *testing.T) {
	t.Run("agent kind posts a question", func(t *testing.T) {
		f := newFixture(t)
		testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

		result := f.callTool(t, "request_help", map[string]any{
			"agent_id": "developer", "kind": "agent", "target": "architect",
			"issue": "which storage layout?", "context": "two candidate schemas",
		})
		require.False(t, result.IsError)
		assert.Equal(t, agent.StatusRunning, f.status(t, "developer"))

		msgs, err := f.msgs.Inbox(context.Background(), "architect", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, agent.MessageQuestion, msgs[0].Type)
		assert.Contains(t, msgs[0].Content, "two candidate schemas")
	})

	t.Run("agent kind requires a target", func(t *testing.T) {
		f := newFixture(t)
		testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

		result := f.callTool(t, "request_help", map[string]any{
			"agent_id": "developer", "kind": "agent", "issue": "which storage layout?",
		})
		assert.True(t, result.IsError)
		assert.Contains(t, f.text(t, result), "target role is required")
	})

	t.Run("clarification goes to the supervisor", func(t *testing.T) {
		f := newFixture(t)
		testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

		result := f.callTool(t, "request_help", map[string]any{
			"agent_id": "developer", "kind": "clarification", "issue": "is the deadline firm?",
		})
		require.False(t, result.IsError)
		assert.Equal(t, agent.StatusRunning, f.status(t, "developer"))

		msgs, err := f.msgs.Inbox(context.Background(), agent.SupervisorTarget, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, agent.MessageQuestion, msgs[0].Type)
	})

	t.Run("human kind escalates", func(t *testing.T) {
		f := newFixture(t)
		testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

		result := f.callTool(t, "request_help", map[string]any{
			"agent_id": "developer", "kind": "human", "issue": "requirements contradict",
		})
		require.False(t, result.IsError)
		assert.Equal(t, agent.StatusEscalated, f.status(t, "developer"))
		require.Len(t, f.notifier.all(), 1)
	})

	t.Run("invalid kind", func(t *testing.T) {
		f := newFixture(t)
		testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

		result := f.callTool(t, "request_help", map[string]any{
			"agent_id": "developer", "kind": "carrier-pigeon", "issue": "anyone there?",
		})
		assert.True(t, result.IsError)
		assert.Contains(t, f.text(t, result), "invalid kind")
	})
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)

	result := f.callTool(t, "complete", map[string]any{
		"agent_id": "developer", "summary": "all done",
		"artifacts": map[string]string{"code": "src/main.go"},
	})
	require.False(t, result.IsError)
	assert.Contains(t, f.text(t, result), "completion recorded")
	assert.Equal(t, agent.StatusCompleted, f.status(t, "developer"))

	// Completion was broadcast.
	msgs, err := f.msgs.Inbox(context.Background(), "tester", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, agent.MessageDone, msgs[0].Type)

	// A terminal role can no longer act.
	result = f.callTool(t, "heartbeat", map[string]any{"agent_id": "developer"})
	assert.True(t, result.IsError)
	assert.Contains(t, f.text(t, result), "can no longer act")
}

func TestResourcesExposeRunState(t *testing.T) {
	f := newFixture(t)
	testutil.SetStatus(t, f.store, "developer", agent.StatusRunning)
	f.callTool(t, "checkpoint", map[string]any{
		"agent_id": "developer", "summary": "progress",
	})
	f.callTool(t, "send_message", map[string]any{
		"agent_id": "developer", "to": "tester", "type": "info", "content": "fyi",
	})

	read := func(uri string) *mcp.Response {
		body, err := json.Marshal(map[string]any{
			"jsonrpc": mcp.JSONRPCVersion, "id": 9, "method": "resources/read",
			"params": mcp.ReadResourceParams{URI: uri},
		})
		require.NoError(t, err)
		raw := f.server.HandleMessage(context.Background(), f.conn, body)
		require.NotNil(t, raw)
		var resp mcp.Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		return &resp
	}

	resourceText := func(resp *mcp.Response) string {
		data, err := json.Marshal(resp.Result)
		require.NoError(t, err)
		var result mcp.ReadResourceResult
		require.NoError(t, json.Unmarshal(data, &result))
		require.Len(t, result.Contents, 1)
		return result.Contents[0].Text
	}

	resp := read("project://state")
	require.Nil(t, resp.Error)
	assert.Contains(t, resourceText(resp), "running")

	resp = read("project://agents")
	require.Nil(t, resp.Error)
	assert.Contains(t, resourceText(resp), "developer")

	resp = read("project://messages/tester")
	require.Nil(t, resp.Error)
	assert.Contains(t, resourceText(resp), "fyi")

	resp = read("project://checkpoints/developer")
	require.Nil(t, resp.Error)
	assert.Contains(t, resourceText(resp), "progress")

	resp = read("project://messages/ghost")
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeResourceNotFound, resp.Error.Code)
}
