package agent

import (
	"fmt"
	"time"
)

// MessageType classifies an inter-agent message.
type MessageType string

const (
	// MessageAssignment carries the initial task description for a role.
	MessageAssignment MessageType = "assignment"
	// MessageProgress is a working status update.
	MessageProgress MessageType = "progress"
	// MessageQuestion asks another role for input.
	MessageQuestion MessageType = "question"
	// MessageAnswer replies to a question.
	MessageAnswer MessageType = "answer"
	// MessageHeartbeat is a bare liveness note.
	MessageHeartbeat MessageType = "heartbeat"
	// MessageCheckpoint announces a recorded progress snapshot.
	MessageCheckpoint MessageType = "checkpoint"
	// MessageDone announces a completed assignment.
	MessageDone MessageType = "done"
	// MessageNeedsReview asks for review of finished work.
	MessageNeedsReview MessageType = "needs_review"
	// MessageApproved accepts reviewed work.
	MessageApproved MessageType = "approved"
	// MessageChangesRequested rejects reviewed work with followups.
	MessageChangesRequested MessageType = "changes_requested"
	// MessageBlocked reports an impediment the role cannot clear itself.
	MessageBlocked MessageType = "blocked"
	// MessageContextLimit reports the worker nearing context exhaustion.
	MessageContextLimit MessageType = "context_limit"
	// MessageError reports a failure.
	MessageError MessageType = "error"
	// MessageInfo is a plain informational message.
	MessageInfo MessageType = "info"
	// MessageRequest asks another role to do something.
	MessageRequest MessageType = "request"
)

// BroadcastTarget addresses a message to every role in the run.
const BroadcastTarget = "all"

// SupervisorTarget addresses a message to the orchestrator itself rather
// than a worker role.
const SupervisorTarget = "supervisor"

// ValidMessageType reports whether t is a recognized message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageAssignment, MessageProgress, MessageQuestion, MessageAnswer,
		MessageHeartbeat, MessageCheckpoint, MessageDone, MessageNeedsReview,
		MessageApproved, MessageChangesRequested, MessageBlocked,
		MessageContextLimit, MessageError, MessageInfo, MessageRequest:
		return true
	}
	return false
}

// SendableTypes are the message types workers may use with send_message.
// The remaining types are reserved for verb side effects.
var SendableTypes = []MessageType{MessageQuestion, MessageAnswer, MessageInfo, MessageRequest}

// Sendable reports whether workers may emit t directly.
func (t MessageType) Sendable() bool {
	for _, s := range SendableTypes {
		if t == s {
			return true
		}
	}
	return false
}

// Message is one entry in the append-only message log. Seq is assigned by
// the store and strictly increases in commit order.
type Message struct {
	Seq       int64             `json:"seq"`
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields a sender controls. Seq, ID and CreatedAt are
// assigned at append time and are not validated here.
func (m *Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("message missing from role")
	}
	if m.To == "" {
		return fmt.Errorf("message missing target role")
	}
	if !ValidMessageType(m.Type) {
		return fmt.Errorf("unknown message type: %s", m.Type)
	}
	return nil
}

// AddressedTo reports whether the message should be delivered to role,
// accounting for the broadcast target.
func (m *Message) AddressedTo(role string) bool {
	return m.To == role || m.To == BroadcastTarget
}
