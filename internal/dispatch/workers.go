package dispatch

import (
	"context"

	"go.uber.org/zap"

	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/cache"
)

// StaticWorkers 按配置的 owner → worker 映射分配，未匹配时使用默认 worker
type StaticWorkers struct {
	Workers map[string]string
	Default string
}

// EnsureWorker 实现 WorkerProvider
func (s StaticWorkers) EnsureWorker(_ context.Context, owner string) (string, error) {
	if ref, ok := s.Workers[owner]; ok && ref != "" {
		return ref, nil
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", apperr.DispatchUnavailable(nil, "no worker configured for owner %q", owner)
}

// OnlineWorkers 从 Redis 心跳中挑选在线 worker
//
// 优先选择静态映射中指定且在线的 worker；否则选择第一个接受该 owner 且有空闲槽位的在线 worker。
type OnlineWorkers struct {
	cache     cache.WorkerHeartbeatCache
	preferred StaticWorkers
	logger    *zap.Logger
}

// NewOnlineWorkers 创建在线 worker 选择器
func NewOnlineWorkers(c cache.WorkerHeartbeatCache, preferred StaticWorkers, logger *zap.Logger) *OnlineWorkers {
	return &OnlineWorkers{cache: c, preferred: preferred, logger: logger.Named("workers")}
}

// EnsureWorker 实现 WorkerProvider
func (o *OnlineWorkers) EnsureWorker(ctx context.Context, owner string) (string, error) {
	if ref, ok := o.preferred.Workers[owner]; ok {
		st, err := o.cache.GetWorkerHeartbeat(ctx, ref)
		if err != nil {
			return "", apperr.DispatchUnavailable(err, "read heartbeat of %s", ref)
		}
		if st != nil && st.HasCapacity() {
			return ref, nil
		}
		o.logger.Warn("workers.preferred.offline", zap.String("owner", owner), zap.String("worker", ref))
	}

	refs, err := o.cache.ListOnlineWorkers(ctx)
	if err != nil {
		return "", apperr.DispatchUnavailable(err, "list online workers")
	}
	for _, ref := range refs {
		st, err := o.cache.GetWorkerHeartbeat(ctx, ref)
		if err != nil || st == nil {
			continue
		}
		if st.Accepts(owner) && st.HasCapacity() {
			return ref, nil
		}
	}
	return "", apperr.DispatchUnavailable(nil, "no online worker for owner %q", owner)
}
