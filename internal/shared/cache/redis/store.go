// Package redis Redis 缓存实现
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mlrun-admin/internal/shared/cache"
)

// Store Redis 缓存存储
type Store struct {
	client       *redis.Client
	heartbeatTTL time.Duration
}

var _ cache.Cache = (*Store)(nil)

// NewStoreFromURL 从 URL 创建 Redis 缓存实例
func NewStoreFromURL(redisURL string, heartbeatTTL time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewStoreFromClient(client, heartbeatTTL), nil
}

// NewStoreFromClient 从现有 Redis 客户端创建缓存实例，heartbeatTTL<=0 时使用默认值
func NewStoreFromClient(client *redis.Client, heartbeatTTL time.Duration) *Store {
	if heartbeatTTL <= 0 {
		heartbeatTTL = cache.TTLWorkerHeartbeat
	}
	return &Store{client: client, heartbeatTTL: heartbeatTTL}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}
