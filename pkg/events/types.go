package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Admission events
	EventAdmissionDenied EventType = "admission.denied"

	// Settlement events
	EventUsageRecorded  EventType = "usage.recorded"
	EventWalletDebited  EventType = "wallet.debited"
	EventPricingMissing EventType = "pricing.missing"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	Type EventType

	Timestamp time.Time

	// UserID is the subscriber this event belongs to
	UserID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, userID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Payload:   payload,
	}
}
