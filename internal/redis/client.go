package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"go-chat-realtime/internal/models"
)

const presenceKeyPrefix = "presence:"

type Client struct {
	rdb         *redis.Client
	presenceTTL time.Duration
}

// NewClient connects and pings. Unlike the in-process router, a configured
// Redis that cannot be reached is a startup error.
func NewClient(ctx context.Context, redisURL string, presenceTTL time.Duration) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("[REDIS] Connected to Redis", "addr", opt.Addr)

	return NewFromRedis(rdb, presenceTTL), nil
}

func NewFromRedis(rdb *redis.Client, presenceTTL time.Duration) *Client {
	return &Client{rdb: rdb, presenceTTL: presenceTTL}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// BroadcastMessage publishes payload on topic. Every server subscribed with
// SubscribeToEvents forwards it to its own local subscribers.
func (c *Client) BroadcastMessage(ctx context.Context, topic string, payload interface{}) error {
	event := models.Event{
		Type:      "message:created",
		Topic:     topic,
		Timestamp: time.Now().Unix(),
		Data:      payload,
	}
	return c.publishEvent(ctx, event)
}

func (c *Client) publishEvent(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("[REDIS] Failed to marshal event", "type", event.Type, "topic", event.Topic, "error", err)
		return err
	}

	if err := c.rdb.Publish(ctx, event.Topic, payload).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event", "type", event.Type, "topic", event.Topic, "error", err)
		return err
	}

	return nil
}

// SetPresence mirrors a profile's status. The key expires after the presence
// TTL so a crashed client eventually reads as offline.
func (c *Client) SetPresence(ctx context.Context, profileID string, status models.PresenceStatus, at time.Time) error {
	data, err := json.Marshal(models.PresenceData{ProfileID: profileID, Status: status, LastSeen: at})
	if err != nil {
		return fmt.Errorf("failed to marshal presence data: %w", err)
	}

	if err := c.rdb.Set(ctx, presenceKeyPrefix+profileID, data, c.presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}

// GetPresence returns the mirrored status; ok is false when the key is
// missing or has expired.
func (c *Client) GetPresence(ctx context.Context, profileID string) (models.PresenceData, bool, error) {
	raw, err := c.rdb.Get(ctx, presenceKeyPrefix+profileID).Result()
	if err == redis.Nil {
		return models.PresenceData{}, false, nil
	}
	if err != nil {
		return models.PresenceData{}, false, fmt.Errorf("failed to get presence: %w", err)
	}

	var p models.PresenceData
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.PresenceData{}, false, fmt.Errorf("failed to unmarshal presence data: %w", err)
	}
	return p, true, nil
}
