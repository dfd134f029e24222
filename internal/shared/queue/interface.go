// Package queue 远端命令队列抽象接口
//
// 控制面把命令投递到 worker 的 Stream，worker 消费执行后把状态写回；
// 当前由 Redis Streams + Hash 实现。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// CommandQueue 控制面侧：投递命令、读取状态
type CommandQueue interface {
	// PublishCommand 将命令投递到 worker 的命令流，同时写入 pending 状态
	PublishCommand(ctx context.Context, workerRef string, msg *CommandMessage) (string, error)
	// GetStatus 读取命令状态，不存在时返回 nil, nil
	GetStatus(ctx context.Context, handle string) (*CommandStatus, error)
	GetCommandQueueLength(ctx context.Context, workerRef string) (int64, error)
}

// WorkerQueue worker 侧：消费命令、回写状态
type WorkerQueue interface {
	CreateWorkerConsumerGroup(ctx context.Context, workerRef string) error
	ConsumeCommands(ctx context.Context, workerRef, consumerID string, count int64, blockTimeout time.Duration) ([]*CommandMessage, error)
	AckCommand(ctx context.Context, workerRef, messageID string) error
	ReportStatus(ctx context.Context, status *CommandStatus) error
}

// ============================================================================
// 组合接口
// ============================================================================

// Queue 消息队列组合接口
type Queue interface {
	CommandQueue
	WorkerQueue
	Close() error
}
