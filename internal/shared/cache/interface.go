// Package cache 缓存层抽象接口
//
// 提供临时状态的存取能力，当前只承载 worker 心跳，由 Redis 实现。
package cache

import (
	"context"
)

// WorkerHeartbeatCache worker 心跳缓存接口
//
// 心跳 key 带 TTL，过期即视为离线；ListOnlineWorkers 只返回未过期的 worker。
type WorkerHeartbeatCache interface {
	UpdateWorkerHeartbeat(ctx context.Context, workerRef string, status *WorkerStatus) error
	// GetWorkerHeartbeat 不存在时返回 nil, nil
	GetWorkerHeartbeat(ctx context.Context, workerRef string) (*WorkerStatus, error)
	DeleteWorkerHeartbeat(ctx context.Context, workerRef string) error
	ListOnlineWorkers(ctx context.Context) ([]string, error)
}

// Cache 缓存组合接口
type Cache interface {
	WorkerHeartbeatCache
	Close() error
}
