// Package notify emits notification intents to an external notifier. Delivery is
// fire-and-forget: a failing sink never fails the operation that produced the intent.
package notify

import (
	"context"
	"errors"
	"time"
)

// Kind names why a participant is being notified.
type Kind string

const (
	KindQuoteRequested  Kind = "quote.requested"
	KindQuoteUpdated    Kind = "quote.updated"
	KindMessageReceived Kind = "message.received"
)

var errIncompleteIntent = errors.New("notify: intent requires recipient and kind")

// Intent asks the external notifier to tell RecipientID about something.
type Intent struct {
	RecipientID    string            `json:"recipient_id"`
	Kind           Kind              `json:"kind"`
	ConversationID string            `json:"conversation_id"`
	EntityID       string            `json:"entity_id"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Validate reports whether the intent can be delivered.
func (i Intent) Validate() error {
	if i.RecipientID == "" || i.Kind == "" {
		return errIncompleteIntent
	}
	return nil
}

// Sink hands intents to the notifier.
type Sink interface {
	Deliver(ctx context.Context, intent Intent) error
}

// Emitter accepts intents without blocking the caller on delivery.
type Emitter interface {
	Emit(ctx context.Context, intent Intent)
}
