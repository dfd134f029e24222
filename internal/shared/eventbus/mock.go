// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
)

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

func (b *NoOpEventBus) Close() error {
	return nil
}

func (b *NoOpEventBus) PublishRunEvent(ctx context.Context, runID string, event *RunEvent) error {
	return nil
}

func (b *NoOpEventBus) GetRunEvents(ctx context.Context, runID string, fromID string, count int64) ([]*RunEvent, error) {
	return nil, nil
}

func (b *NoOpEventBus) GetRunEventCount(ctx context.Context, runID string) (int64, error) {
	return 0, nil
}

func (b *NoOpEventBus) DeleteRunEvents(ctx context.Context, runID string) error {
	return nil
}

var _ EventBus = (*NoOpEventBus)(nil)
