// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mlrun-admin/internal/config"
	"mlrun-admin/internal/shared/cache"
	cacheredis "mlrun-admin/internal/shared/cache/redis"
	"mlrun-admin/internal/shared/eventbus"
	eventbusredis "mlrun-admin/internal/shared/eventbus/redis"
	"mlrun-admin/internal/shared/queue"
	queueredis "mlrun-admin/internal/shared/queue/redis"
)

// RedisInfra 共用一个 Redis 连接的缓存、事件总线与命令队列
type RedisInfra struct {
	client        *redis.Client
	cacheStore    *cacheredis.Store
	eventBusStore *eventbusredis.Store
	queueStore    *queueredis.Store
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string, qc config.QueueConfig, logger *zap.Logger) (*RedisInfra, error) {
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

	logger.Info("redis.infra.connected", zap.String("addr", opts.Addr))
	return NewRedisInfraFromClient(client, qc, logger), nil
}

// NewRedisInfraFromClient 从现有客户端创建（测试使用 miniredis）
func NewRedisInfraFromClient(client *redis.Client, qc config.QueueConfig, logger *zap.Logger) *RedisInfra {
	return &RedisInfra{
		client:        client,
		cacheStore:    cacheredis.NewStoreFromClient(client, qc.OnlineWindow),
		eventBusStore: eventbusredis.NewStoreFromClient(client),
		queueStore: queueredis.NewStoreFromClient(client,
			queueredis.WithMaxLen(qc.StreamMaxLen),
			queueredis.WithStatusTTL(qc.StatusTTL),
			queueredis.WithLogger(logger)),
	}
}

// Cache 返回缓存组件接口
func (r *RedisInfra) Cache() cache.Cache {
	return r.cacheStore
}

// EventBus 返回事件总线组件接口
func (r *RedisInfra) EventBus() eventbus.EventBus {
	return r.eventBusStore
}

// Queue 返回消息队列组件接口
func (r *RedisInfra) Queue() queue.Queue {
	return r.queueStore
}

// Client 返回底层 Redis 客户端
func (r *RedisInfra) Client() *redis.Client {
	return r.client
}

// Close 关闭 Redis 连接（各组件共用同一连接，只关闭一次）
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
