// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Ledger：运行账本（PostgreSQL / SQLite）
//   - Objects：对象存储（MinIO / S3 / 内存）
//   - Cache：worker 心跳缓存（Redis）
//   - EventBus：Run 生命周期事件（Redis Streams）
//   - Queue：远端命令队列（Redis Streams）
package infra

import (
	"errors"
	"io"

	"mlrun-admin/internal/shared/cache"
	"mlrun-admin/internal/shared/eventbus"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/queue"
	"mlrun-admin/internal/shared/storage"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	Ledger   storage.RunLedger
	Objects  objstore.Store
	Cache    cache.Cache
	EventBus eventbus.EventBus
	Queue    queue.Queue

	// closers 额外需要关闭的资源（如共享的 Redis 连接）
	closers []io.Closer
}

// AddCloser 注册关闭时需要释放的资源
func (i *Infrastructure) AddCloser(c io.Closer) {
	i.closers = append(i.closers, c)
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var errs []error
	if i.Ledger != nil {
		errs = append(errs, i.Ledger.Close())
	}
	for _, c := range i.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NewNoOpInfrastructure 创建空操作的 Redis 组件（账本和对象存储由调用方填充）
func NewNoOpInfrastructure() *Infrastructure {
	return &Infrastructure{
		Cache:    cache.NewNoOpCache(),
		EventBus: eventbus.NewNoOpEventBus(),
		Queue:    queue.NewNoOpQueue(),
	}
}
