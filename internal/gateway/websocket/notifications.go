package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/events"
	"github.com/edisys/edigw/internal/events/bus"
)

// EventBroadcaster bridges the event bus to the WebSocket hub: every task
// lifecycle and thread append event becomes a client notification.
type EventBroadcaster struct {
	bus    bus.EventBus
	hub    *Hub
	logger *logger.Logger
}

// NewEventBroadcaster creates a broadcaster on the given bus and hub.
func NewEventBroadcaster(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		bus:    eventBus,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
}

// Start subscribes to task and thread events. Subscriptions are dropped when
// ctx is canceled.
func (b *EventBroadcaster) Start(ctx context.Context) error {
	if err := b.subscribe(ctx, events.TaskWildcardSubject()); err != nil {
		return err
	}
	return b.subscribe(ctx, events.ThreadAppended)
}

func (b *EventBroadcaster) subscribe(ctx context.Context, subject string) error {
	sub, err := b.bus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
		b.hub.Broadcast(NewNotification(event.Type, event.Data))
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to subscribe", zap.String("subject", subject), zap.Error(err))
		return err
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.String("subject", subject), zap.Error(err))
		}
	}()

	b.logger.Info("Subscribed to events", zap.String("subject", subject))
	return nil
}
