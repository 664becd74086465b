package streaming

import (
	"context"

	"go.uber.org/zap"

	"github.com/stageflow/stageflow/internal/common/logger"
	"github.com/stageflow/stageflow/internal/events"
	"github.com/stageflow/stageflow/internal/events/bus"
)

// Bridge forwards pipeline events from the event bus to the WebSocket hub.
// Routing is by the task_id carried in each event's data.
type Bridge struct {
	bus    bus.EventBus
	hub    *Hub
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewBridge creates a bridge between the event bus and the hub
func NewBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Bridge {
	return &Bridge{
		bus:    eventBus,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "streaming_bridge")),
	}
}

// Start subscribes to all pipeline subjects clients may watch
func (b *Bridge) Start() error {
	subjects := []string{
		events.BuildStageOutputWildcardSubject(),
		events.StageStarted,
		events.StageCompleted,
		events.StageApproved,
		events.StageFailed,
		events.TaskUpdated,
		events.TaskExecutionsReload,
	}

	for _, subject := range subjects {
		sub, err := b.bus.Subscribe(subject, b.forward)
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}

	b.logger.Info("streaming bridge started", zap.Int("subjects", len(subjects)))
	return nil
}

// Stop drops all bus subscriptions
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	b.subs = nil
}

func (b *Bridge) forward(ctx context.Context, event *bus.Event) error {
	taskID, ok := event.Data["task_id"].(string)
	if !ok || taskID == "" {
		// Events without a task are not routable to a subscription
		return nil
	}
	b.hub.Broadcast(taskID, event)
	return nil
}
