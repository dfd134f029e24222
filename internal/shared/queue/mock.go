// Package queue 消息队列 mock 实现
package queue

import (
	"context"
	"time"
)

// ============================================================================
// NoOpQueue - 空操作的 Queue 实现（用于测试）
// ============================================================================

// NoOpQueue 是一个不做任何操作的 Queue 实现
type NoOpQueue struct{}

// NewNoOpQueue 创建 NoOpQueue 实例
func NewNoOpQueue() *NoOpQueue {
	return &NoOpQueue{}
}

// Close 关闭队列
func (q *NoOpQueue) Close() error {
	return nil
}

func (q *NoOpQueue) PublishCommand(ctx context.Context, workerRef string, msg *CommandMessage) (string, error) {
	return "", nil
}

func (q *NoOpQueue) GetStatus(ctx context.Context, handle string) (*CommandStatus, error) {
	return nil, nil
}

func (q *NoOpQueue) GetCommandQueueLength(ctx context.Context, workerRef string) (int64, error) {
	return 0, nil
}

func (q *NoOpQueue) CreateWorkerConsumerGroup(ctx context.Context, workerRef string) error {
	return nil
}

func (q *NoOpQueue) ConsumeCommands(ctx context.Context, workerRef, consumerID string, count int64, blockTimeout time.Duration) ([]*CommandMessage, error) {
	return nil, nil
}

func (q *NoOpQueue) AckCommand(ctx context.Context, workerRef, messageID string) error {
	return nil
}

func (q *NoOpQueue) ReportStatus(ctx context.Context, status *CommandStatus) error {
	return nil
}

// 确保 NoOpQueue 实现了 Queue 接口
var _ Queue = (*NoOpQueue)(nil)
