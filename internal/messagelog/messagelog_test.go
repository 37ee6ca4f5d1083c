package messagelog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/messagelog"
	"github.com/rowanhq/foreman/internal/pubsub"
	"github.com/rowanhq/foreman/internal/testutil"
)

func TestPostAssignsIdentityAndFansOut(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t, "developer", "tester")
	l := messagelog.New(s)
	defer l.Close()

	events := l.Subscribe(ctx)

	msg := &agent.Message{From: "developer", To: "tester", Type: agent.MessageRequest, Content: "code ready"}
	require.NoError(t, l.Post(ctx, msg))
	assert.NotEmpty(t, msg.ID)
	assert.Positive(t, msg.Seq)

	select {
	case ev := <-events:
		assert.Equal(t, pubsub.CreatedEvent, ev.Type)
		assert.Equal(t, msg.ID, ev.Payload.ID)
	case <-time.After(time.Second):
		t.Fatal("expected fan-out event")
	}
}

func TestPostRejectsInvalidMessage(t *testing.T) {
	s := testutil.NewTestStore(t, "developer")
	l := messagelog.New(s)
	defer l.Close()

	err := l.Post(context.Background(), &agent.Message{From: "developer", Type: agent.MessageInfo})
	assert.Error(t, err)
}

func TestInboxCursor(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t, "developer", "tester")
	l := messagelog.New(s)
	defer l.Close()

	first := &agent.Message{From: "developer", To: "tester", Type: agent.MessageInfo, Content: "one"}
	require.NoError(t, l.Post(ctx, first))
	require.NoError(t, l.Post(ctx, &agent.Message{From: "developer", To: "all", Type: agent.MessageInfo, Content: "two"}))

	inbox, err := l.Inbox(ctx, "tester", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 2)

	rest, err := l.Inbox(ctx, "tester", first.Seq)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "two", rest[0].Content)
}

func TestTail(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t, "developer")
	l := messagelog.New(s)
	defer l.Close()

	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, l.Post(ctx, &agent.Message{From: "developer", To: "all", Type: agent.MessageInfo, Content: c}))
	}
	tail, err := l.Tail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[0].Content)
}
