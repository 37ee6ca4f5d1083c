package pubsub

import "time"

// EventType categorizes an event.
type EventType string

const (
	// CreatedEvent signals a new entity (message appended, checkpoint stored).
	CreatedEvent EventType = "created"
	// UpdatedEvent signals a mutation of an existing entity (status change).
	UpdatedEvent EventType = "updated"
	// DeletedEvent signals removal. Unused by the core today but kept for
	// symmetry with subscribers that switch over all types.
	DeletedEvent EventType = "deleted"
)

// Event is a typed payload with metadata.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
