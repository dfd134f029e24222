// Package cache 缓存层 mock 实现
package cache

import (
	"context"
)

// NoOpCache 是一个不做任何操作的 Cache 实现
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) Close() error {
	return nil
}

func (c *NoOpCache) UpdateWorkerHeartbeat(ctx context.Context, workerRef string, status *WorkerStatus) error {
	return nil
}

func (c *NoOpCache) GetWorkerHeartbeat(ctx context.Context, workerRef string) (*WorkerStatus, error) {
	return nil, nil
}

func (c *NoOpCache) DeleteWorkerHeartbeat(ctx context.Context, workerRef string) error {
	return nil
}

func (c *NoOpCache) ListOnlineWorkers(ctx context.Context) ([]string, error) {
	return nil, nil
}

var _ Cache = (*NoOpCache)(nil)
