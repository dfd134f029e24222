package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mlrun-admin/internal/shared/queue"
)

// PublishCommand 投递命令到 workers:<ref>:commands，并把 commands:<handle> 置为 pending
func (s *Store) PublishCommand(ctx context.Context, workerRef string, msg *queue.CommandMessage) (string, error) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	key := queue.WorkerCommandsKey(workerRef)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, queue.CommandStatusKey(msg.Handle), map[string]any{
		"state":      string(queue.CommandPending),
		"updated_at": msg.EnqueuedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, queue.CommandStatusKey(msg.Handle), s.statusTTL)
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"handle":      msg.Handle,
			"run_id":      msg.RunID,
			"command":     msg.Command,
			"enqueued_at": msg.EnqueuedAt.Format(time.RFC3339Nano),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to publish command to worker %s: %w", workerRef, err)
	}

	msgID := add.Val()
	s.logger.Info("queue.command.published",
		zap.String("worker", workerRef), zap.String("handle", msg.Handle),
		zap.String("run_id", msg.RunID), zap.String("msg_id", msgID))
	return msgID, nil
}

// GetStatus 读取 commands:<handle>
func (s *Store) GetStatus(ctx context.Context, handle string) (*queue.CommandStatus, error) {
	fields, err := s.client.HGetAll(ctx, queue.CommandStatusKey(handle)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	st := &queue.CommandStatus{
		Handle: handle,
		State:  queue.CommandState(fields["state"]),
		Stdout: fields["stdout"],
		Stderr: fields["stderr"],
	}
	if v, ok := fields["exit_code"]; ok {
		st.ExitCode, _ = strconv.Atoi(v)
	}
	if v, ok := fields["updated_at"]; ok {
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return st, nil
}

// GetCommandQueueLength 命令流长度
func (s *Store) GetCommandQueueLength(ctx context.Context, workerRef string) (int64, error) {
	return s.client.XLen(ctx, queue.WorkerCommandsKey(workerRef)).Result()
}

// CreateWorkerConsumerGroup 创建 worker 消费者组（幂等）
func (s *Store) CreateWorkerConsumerGroup(ctx context.Context, workerRef string) error {
	key := queue.WorkerCommandsKey(workerRef)
	err := s.client.XGroupCreateMkStream(ctx, key, queue.WorkerConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group for worker %s: %w", workerRef, err)
	}
	return nil
}

// ConsumeCommands 消费 worker 的命令；blockTimeout<0 时不阻塞
func (s *Store) ConsumeCommands(ctx context.Context, workerRef, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.CommandMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.WorkerConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.WorkerCommandsKey(workerRef), ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume commands: %w", err)
	}

	var messages []*queue.CommandMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			m := &queue.CommandMessage{ID: msg.ID}
			m.Handle, _ = msg.Values["handle"].(string)
			m.RunID, _ = msg.Values["run_id"].(string)
			m.Command, _ = msg.Values["command"].(string)
			if at, ok := msg.Values["enqueued_at"].(string); ok {
				m.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, at)
			}
			messages = append(messages, m)
		}
	}
	if len(messages) > 0 {
		s.logger.Debug("queue.command.consumed", zap.String("worker", workerRef), zap.Int("count", len(messages)))
	}
	return messages, nil
}

// AckCommand 确认命令已处理
func (s *Store) AckCommand(ctx context.Context, workerRef, messageID string) error {
	return s.client.XAck(ctx, queue.WorkerCommandsKey(workerRef), queue.WorkerConsumerGroup, messageID).Err()
}

// ReportStatus worker 回写命令状态
func (s *Store) ReportStatus(ctx context.Context, status *queue.CommandStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	key := queue.CommandStatusKey(status.Handle)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"state":      string(status.State),
		"exit_code":  status.ExitCode,
		"stdout":     status.Stdout,
		"stderr":     status.Stderr,
		"updated_at": status.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, s.statusTTL)
	_, err := pipe.Exec(ctx)
	return err
}
