package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel はidentity連携イベントの既定のRedisチャンネル。
const DefaultChannel = "tsudoi.identity.linked"

// redisPubSub はgo-redisクライアントのうちPUBLISHに必要な部分。
type redisPubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher はイベントをJSONにしてRedisチャンネルへPUBLISHする。
type RedisPublisher struct {
	client  redisPubSub
	channel string
}

// NewRedisPublisher はRedisPublisherを生成する。
func NewRedisPublisher(client redisPubSub, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// NewRedisClient はREDIS_URL形式のURLからクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event IdentityLinked) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// LogPublisher はRedisが設定されていない環境でイベントをログに出すだけのPublisher。
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event IdentityLinked) error {
	slog.Info("identity linked",
		slog.String("user_id", event.UserID),
		slog.String("provider", event.Provider),
		slog.String("external_id", event.ExternalID),
	)
	return nil
}

// compile-time interface check
var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = LogPublisher{}
)
