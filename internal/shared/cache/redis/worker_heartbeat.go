// Package redis WorkerHeartbeat 缓存操作
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"mlrun-admin/internal/shared/cache"
)

// UpdateWorkerHeartbeat 更新 worker 心跳
func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, workerRef string, status *cache.WorkerStatus) error {
	status.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cache.KeyWorkerHeartbeat+workerRef, data, s.heartbeatTTL).Err()
}

// GetWorkerHeartbeat 获取 worker 心跳
func (s *Store) GetWorkerHeartbeat(ctx context.Context, workerRef string) (*cache.WorkerStatus, error) {
	data, err := s.client.Get(ctx, cache.KeyWorkerHeartbeat+workerRef).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var status cache.WorkerStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// DeleteWorkerHeartbeat 删除 worker 心跳
func (s *Store) DeleteWorkerHeartbeat(ctx context.Context, workerRef string) error {
	return s.client.Del(ctx, cache.KeyWorkerHeartbeat+workerRef).Err()
}

// ListOnlineWorkers 列出在线 worker（按名称排序）
//
// 使用 SCAN 替代 KEYS，避免在 worker 数量大时阻塞 Redis
func (s *Store) ListOnlineWorkers(ctx context.Context) ([]string, error) {
	var refs []string
	iter := s.client.Scan(ctx, 0, cache.KeyWorkerHeartbeat+"*", 100).Iterator()
	for iter.Next(ctx) {
		refs = append(refs, iter.Val()[len(cache.KeyWorkerHeartbeat):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(refs)
	return refs, nil
}
