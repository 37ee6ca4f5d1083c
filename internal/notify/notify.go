// Package notify delivers run-level events that need a human: escalations
// and run completion. Sinks are fan-out; a failing sink never blocks the
// supervisor.
package notify

import (
	"context"
	"time"

	"github.com/rowanhq/foreman/internal/config"
	"github.com/rowanhq/foreman/internal/log"
)

// Kind classifies a notification.
type Kind string

const (
	// KindEscalation means a role needs human attention.
	KindEscalation Kind = "escalation"
	// KindRunCompleted means every role finished.
	KindRunCompleted Kind = "run_completed"
	// KindRunEscalated means the run stopped on an escalation.
	KindRunEscalated Kind = "run_escalated"
)

// Event is one notification. Escalation events carry the role's retry
// accounting, its last error, the latest checkpoint summary, and the
// artifacts it published, so an operator can act without opening the
// state store.
type Event struct {
	Kind       Kind              `json:"kind"`
	Project    string            `json:"project"`
	Role       string            `json:"role,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Checkpoint string            `json:"checkpoint,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	At         time.Time         `json:"at"`
}

// Escalation is the detail a caller supplies when a role escalates.
type Escalation struct {
	Role       string
	Reason     string
	RetryCount int
	LastError  string
	Checkpoint string
	Artifacts  map[string]string
}

// Sink delivers one event somewhere a human will see it.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Notifier fans events out to its sinks.
type Notifier struct {
	project string
	sinks   []Sink
}

// New creates a Notifier for project with the given sinks.
func New(project string, sinks ...Sink) *Notifier {
	return &Notifier{project: project, sinks: sinks}
}

// FromConfig builds a Notifier with the sinks cfg enables.
func FromConfig(cfg config.NotifyConfig, project string) *Notifier {
	var sinks []Sink
	if cfg.Console {
		sinks = append(sinks, NewConsoleSink())
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.Webhook))
	}
	if cfg.Email.Host != "" && len(cfg.Email.To) > 0 {
		sinks = append(sinks, NewEmailSink(cfg.Email))
	}
	return New(project, sinks...)
}

// Escalated reports a role needing human attention.
func (n *Notifier) Escalated(ctx context.Context, esc Escalation) {
	n.deliver(ctx, Event{
		Kind:       KindEscalation,
		Project:    n.project,
		Role:       esc.Role,
		Reason:     esc.Reason,
		RetryCount: esc.RetryCount,
		LastError:  esc.LastError,
		Checkpoint: esc.Checkpoint,
		Artifacts:  esc.Artifacts,
		At:         time.Now(),
	})
}

// RunCompleted reports the whole run finishing successfully.
func (n *Notifier) RunCompleted(ctx context.Context) {
	n.deliver(ctx, Event{Kind: KindRunCompleted, Project: n.project, At: time.Now()})
}

// RunEscalated reports the run halting on an unresolved escalation.
func (n *Notifier) RunEscalated(ctx context.Context, role string) {
	n.deliver(ctx, Event{Kind: KindRunEscalated, Project: n.project, Role: role, At: time.Now()})
}

func (n *Notifier) deliver(ctx context.Context, ev Event) {
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			log.ErrorErr(log.CatNotify, "Notification delivery failed", err, "sink", sink.Name(), "kind", ev.Kind)
		} else {
			log.Debug(log.CatNotify, "Notification delivered", "sink", sink.Name(), "kind", ev.Kind)
		}
	}
}
