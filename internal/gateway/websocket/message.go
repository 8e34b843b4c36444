package websocket

import (
	"time"

	"github.com/google/uuid"
)

// Notification is the envelope pushed to /ws/tasks subscribers. Action names
// the event (task.started, task.finished, thread.appended, ...) and Payload
// carries the event data verbatim.
type Notification struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Action    string                 `json:"action"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewNotification creates a notification envelope for an action.
func NewNotification(action string, payload map[string]interface{}) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Type:      "notification",
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
