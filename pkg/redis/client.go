// Package redis wraps the shared client behind the two things this service
// uses it for: cross-instance signaling fanout and the recording upload
// queue.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client embeds the go-redis client so callers use it directly.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient connects and pings. Pub/sub subscribers hold long-lived conns, so
// a couple of idle conns stay warm for the command path.
func NewClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("signaling fanout store connected", zap.String("addr", addr))
	return &Client{Client: rdb, logger: logger}, nil
}
