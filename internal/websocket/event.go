package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents what happened to an entity
type EventType string

const (
	EventTypeChanged EventType = "changed"
)

// EntityType represents the type of entity the event is about
type EntityType string

const (
	EntityTypeLedger EntityType = "ledger"
)

// Event represents a WebSocket event message sent to clients
// Format: { type, entity, payload, timestamp }
type Event struct {
	Type      string      `json:"type"`      // Combined type e.g. "ledger.changed"
	Entity    EntityType  `json:"entity"`    // Entity type e.g. "ledger"
	Payload   interface{} `json:"payload"`   // Event data
	Timestamp time.Time   `json:"timestamp"` // Event timestamp
}

// LedgerChangedPayload tells a client which ledger to refetch
type LedgerChangedPayload struct {
	OwnerID string `json:"ownerId"`
}

// NewEvent creates a new event with the given type, entity, and payload
func NewEvent(eventType EventType, entityType EntityType, payload interface{}) Event {
	return Event{
		Type:      fmt.Sprintf("%s.%s", entityType, eventType),
		Entity:    entityType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the event to JSON bytes
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// LedgerChanged creates a ledger.changed event
func LedgerChanged(ownerID string) Event {
	return NewEvent(EventTypeChanged, EntityTypeLedger, LedgerChangedPayload{OwnerID: ownerID})
}
