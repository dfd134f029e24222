// Package eventbus 事件总线抽象接口
//
// Run 生命周期事件（started/finished/mirrored）按 Run 写入独立的 Stream，
// 当前由 Redis Streams 实现。
package eventbus

import (
	"context"
)

// RunEventBus Run 事件总线接口
type RunEventBus interface {
	PublishRunEvent(ctx context.Context, runID string, event *RunEvent) error
	// GetRunEvents 从 fromID（不含）之后读取，fromID 为空时从头读取
	GetRunEvents(ctx context.Context, runID string, fromID string, count int64) ([]*RunEvent, error)
	GetRunEventCount(ctx context.Context, runID string) (int64, error)
	DeleteRunEvents(ctx context.Context, runID string) error
}

// EventBus 事件总线组合接口
type EventBus interface {
	RunEventBus
	Close() error
}
