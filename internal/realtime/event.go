// Package realtime fans out conversation events to connected clients.
package realtime

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType names what changed in a conversation.
type EventType string

const (
	// EventMessageCreated carries a newly committed message.
	EventMessageCreated EventType = "message.created"
	// EventQuoteUpdated carries the latest quote snapshot.
	EventQuoteUpdated EventType = "quote.updated"
	// EventHeartbeat keeps idle streams open.
	EventHeartbeat EventType = "heartbeat"
)

var errIncompleteEvent = errors.New("realtime: event requires conversation, type and entity id")

// Event is one conversation change. EntityID lets clients drop duplicates.
type Event struct {
	ConversationID string          `json:"conversation_id"`
	Type           EventType       `json:"type"`
	EntityID       string          `json:"entity_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Origin         string          `json:"origin,omitempty"`
}

// NewEvent encodes payload and stamps the event.
func NewEvent(eventType EventType, conversationID, entityID string, payload any, occurredAt time.Time) (Event, error) {
	if conversationID == "" || eventType == "" || entityID == "" {
		return Event{}, errIncompleteEvent
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ConversationID: conversationID,
		Type:           eventType,
		EntityID:       entityID,
		Payload:        encoded,
		OccurredAt:     occurredAt.UTC(),
	}, nil
}

// Publisher accepts events for delivery. Publish never blocks on slow subscribers.
type Publisher interface {
	Publish(event Event)
}
