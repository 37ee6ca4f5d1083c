// Package messagelog is the inter-agent message plane: an append-only,
// durable log with live fan-out to subscribers. Delivery is pull-based for
// workers (get_context returns unseen messages) and push-based for
// observers via the broker.
package messagelog

import (
	"context"
	"fmt"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/pubsub"
	"github.com/rowanhq/foreman/internal/store"
)

// Log fronts the store's message tables with live fan-out.
type Log struct {
	store  *store.Store
	broker *pubsub.Broker[*agent.Message]
}

// New creates a Log over the store.
func New(s *store.Store) *Log {
	return &Log{
		store:  s,
		broker: pubsub.NewBroker[*agent.Message](),
	}
}

// Close shuts down the fan-out broker.
func (l *Log) Close() {
	l.broker.Close()
}

// Post appends a message and fans it out. The message gains its ID,
// sequence number and timestamp here.
func (l *Log) Post(ctx context.Context, msg *agent.Message) error {
	if err := l.store.Append(ctx, msg); err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	l.publish(msg)
	return nil
}

// Publish fans out a message that was already appended inside a store
// mutation. Used by callers that need the append to commit atomically
// with a state change.
func (l *Log) Publish(msg *agent.Message) {
	l.publish(msg)
}

func (l *Log) publish(msg *agent.Message) {
	l.broker.Publish(pubsub.CreatedEvent, msg)
	log.Debug(log.CatSup, "Message posted", "from", msg.From, "to", msg.To, "type", msg.Type, "seq", msg.Seq)
}

// Subscribe returns a channel of newly posted messages. The subscription
// ends when ctx is cancelled.
func (l *Log) Subscribe(ctx context.Context) <-chan pubsub.Event[*agent.Message] {
	return l.broker.Subscribe(ctx)
}

// Inbox returns messages addressed to role (including broadcasts) with
// sequence numbers greater than after, oldest first.
func (l *Log) Inbox(ctx context.Context, role string, after int64) ([]*agent.Message, error) {
	return l.store.MessagesFor(ctx, role, after, 0)
}

// Tail returns the most recent n messages across all roles, oldest first.
func (l *Log) Tail(ctx context.Context, n int) ([]*agent.Message, error) {
	return l.store.Tail(ctx, n)
}
