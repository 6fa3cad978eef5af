package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "live-session:"
	publishTimeout = 5 * time.Second
)

// redisFrame is the message published to Redis for cross-instance fanout.
// Origin lets the publishing instance skip its own frames on receipt.
type redisFrame struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
	At     int64           `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber over Redis
// pub/sub channels, one channel per session.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for session signaling frames.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// PublishSessionFrame publishes a signaling frame to the session's channel.
func (r *RedisPubSub) PublishSessionFrame(sessionID uuid.UUID, origin string, frame []byte) error {
	channel := channelPrefix + sessionID.String()
	body, err := json.Marshal(redisFrame{Origin: origin, Frame: frame, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// SubscribeSession subscribes to a session's channel and calls handler for
// each frame. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeSession(sessionID uuid.UUID, handler func(origin string, frame []byte)) (cancel func(), err error) {
	channel := channelPrefix + sessionID.String()
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	_, err = pubsub.Receive(ctx)
	if err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f redisFrame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					continue
				}
				handler(f.Origin, f.Frame)
			}
		}
	}()
	cancel = func() { cancelCtx() }
	return cancel, nil
}
