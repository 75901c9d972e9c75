package redis

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"

	"go-chat-realtime/internal/models"
)

// Broadcaster receives relayed messages; *ws.Hub implements it.
type Broadcaster interface {
	Deliver(msg *models.BroadcastMessage) int
}

// SubscribeToEvents forwards every conversation topic published on Redis to
// the local router until ctx is cancelled.
func SubscribeToEvents(ctx context.Context, client *Client, hub Broadcaster) error {
	slog.Info("[REDIS] Starting Redis pub/sub subscription...")

	pubsub := client.rdb.PSubscribe(ctx, models.TopicPattern)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[REDIS] Failed to receive subscription confirmation", "error", err)
		return err
	}

	slog.Info("[REDIS] Subscribed to Redis pub/sub", "pattern", models.TopicPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[REDIS] Subscription stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				slog.Info("[REDIS] Redis pub/sub channel closed")
				return nil
			}
			relay(hub, msg.Channel, []byte(msg.Payload))
		}
	}
}

func relay(hub Broadcaster, channel string, raw []byte) {
	var event struct {
		Type  string          `json:"type"`
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		slog.Error("[REDIS] Error unmarshaling event", "channel", channel, "error", err)
		return
	}
	if event.Topic != channel {
		slog.Warn("[REDIS] Event topic does not match channel", "channel", channel, "topic", event.Topic)
		return
	}

	// Subscribers get the message object itself, not the relay envelope.
	hub.Deliver(&models.BroadcastMessage{
		Topic:   event.Topic,
		Payload: event.Data,
	})
}
