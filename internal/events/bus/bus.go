// Package bus provides the event bus abstraction for the gateway.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Data carries the subject-specific payload;
// subscribers must treat it as read-only since the in-memory bus shares the
// map across handlers.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event with a fresh id and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. A returned error is logged by
// the bus; it does not stop the subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle on an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and subscribes to lifecycle events. Subjects use
// NATS-style wildcards on the subscribe side: * matches one token, > matches
// the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
