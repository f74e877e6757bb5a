package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"
	mirrorOpTimeout   = 2 * time.Second
)

// RedisMirror publishes which users are online to Redis for other services
// to read. It is write-only: nothing here routes events.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisMirror connects to url and verifies the connection.
func NewRedisMirror(ctx context.Context, url string, ttl time.Duration, logger *zap.Logger) (*RedisMirror, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("connected to redis presence mirror", zap.String("addr", opt.Addr))
	return NewRedisMirrorWithClient(client, ttl, logger), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{client: client, ttl: ttl, logger: logger}
}

// UserOnline marks userID online.
func (m *RedisMirror) UserOnline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+userID, time.Now().Unix(), m.ttl)
	pipe.SAdd(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("mirror online", zap.String("user_id", userID), zap.Error(err))
	}
}

// UserActive extends userID's presence key.
func (m *RedisMirror) UserActive(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	if err := m.client.Expire(ctx, presenceKeyPrefix+userID, m.ttl).Err(); err != nil {
		m.logger.Warn("mirror refresh", zap.String("user_id", userID), zap.Error(err))
	}
}

// UserOffline removes userID from the online set.
func (m *RedisMirror) UserOffline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.Pipeline()
	pipe.Del(ctx, presenceKeyPrefix+userID)
	pipe.SRem(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("mirror offline", zap.String("user_id", userID), zap.Error(err))
	}
}

// Close closes the redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
