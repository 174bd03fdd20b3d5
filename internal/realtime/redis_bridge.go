package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultBridgeChannel = "parley:realtime"
	bridgePublishTimeout = 2 * time.Second
	bridgePingTimeout    = 3 * time.Second
)

var (
	errMissingRedisClient = errors.New("realtime: redis client required")
	errMissingLocal       = errors.New("realtime: local dispatcher required")
	errMissingOrigin      = errors.New("realtime: origin required")
)

// RedisBridgeConfig wires a RedisBridge.
type RedisBridgeConfig struct {
	Client  *redis.Client
	Channel string
	Origin  string
	Local   *Dispatcher
	Logger  *zap.Logger
}

// RedisBridge delivers events locally and relays them to other API instances through Redis
// pub/sub. Events stamped with this instance's origin are not delivered twice.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	local   *Dispatcher
	logger  *zap.Logger
}

func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	if cfg.Origin == "" {
		return nil, errMissingOrigin
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultBridgeChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  cfg.Client,
		channel: channel,
		origin:  cfg.Origin,
		local:   cfg.Local,
		logger:  logger,
	}, nil
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, bridgePingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func (b *RedisBridge) Publish(event Event) {
	event.Origin = b.origin
	b.local.Publish(event)

	encoded, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("realtime bridge encode failed", zap.Error(err), zap.String("conversation_id", event.ConversationID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgePublishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, encoded).Err(); err != nil {
		b.logger.Warn("realtime bridge publish failed",
			zap.Error(err),
			zap.String("conversation_id", event.ConversationID),
			zap.String("event_type", string(event.Type)))
	}
}

// Run relays remote events into the local dispatcher until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	subscription := b.client.Subscribe(ctx, b.channel)
	defer subscription.Close()
	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}
	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			b.relay([]byte(message.Payload))
		}
	}
}

func (b *RedisBridge) relay(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn("realtime bridge dropped malformed event", zap.Error(err))
		return
	}
	if event.Origin == b.origin {
		return
	}
	b.local.Publish(event)
}
