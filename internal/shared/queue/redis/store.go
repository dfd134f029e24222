// Package redis Redis Streams 命令队列实现
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mlrun-admin/internal/shared/queue"
)

// Store Redis 队列存储
type Store struct {
	client    *redis.Client
	maxLen    int64
	statusTTL time.Duration
	logger    *zap.Logger
}

var _ queue.Queue = (*Store)(nil)

// Option 队列选项
type Option func(*Store)

// WithMaxLen 命令流近似最大长度
func WithMaxLen(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// WithStatusTTL 命令状态保留时长
func WithStatusTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.statusTTL = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStoreFromURL 从 URL 创建 Redis 队列实例
func NewStoreFromURL(redisURL string, opts ...Option) (*Store, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewStoreFromClient(client, opts...)
	s.logger.Info("redis.queue.connected", zap.String("addr", ropts.Addr))
	return s, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建队列实例
func NewStoreFromClient(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		maxLen:    queue.DefaultStreamMaxLen,
		statusTTL: queue.DefaultStatusTTL,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("queue")
	return s
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}
