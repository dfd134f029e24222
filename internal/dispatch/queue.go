package dispatch

import (
	"context"

	"go.uber.org/zap"

	"mlrun-admin/internal/shared/queue"
)

// QueueDispatcher 通过 Redis Streams 把命令投递给 worker
//
// worker 消费 workers:<ref>:commands 并把状态写回 commands:<handle>。
type QueueDispatcher struct {
	q      queue.CommandQueue
	logger *zap.Logger
}

var _ Dispatcher = (*QueueDispatcher)(nil)

// NewQueueDispatcher 创建队列下发器
func NewQueueDispatcher(q queue.CommandQueue, logger *zap.Logger) *QueueDispatcher {
	return &QueueDispatcher{q: q, logger: logger.Named("dispatch.queue")}
}

// Start 投递命令
func (d *QueueDispatcher) Start(ctx context.Context, workerRef string, spec CommandSpec) (string, error) {
	handle := newHandle("cmd")
	if _, err := d.q.PublishCommand(ctx, workerRef, &queue.CommandMessage{
		Handle:  handle,
		RunID:   spec.RunID,
		Command: spec.Command,
	}); err != nil {
		return "", err
	}
	return handle, nil
}

// Poll 读取命令状态；状态已过期视为失败
func (d *QueueDispatcher) Poll(ctx context.Context, workerRef, handle string) (PollResult, error) {
	st, err := d.q.GetStatus(ctx, handle)
	if err != nil {
		return PollResult{}, err
	}
	if st == nil {
		d.logger.Warn("dispatch.queue.status.missing", zap.String("worker", workerRef), zap.String("handle", handle))
		return PollResult{Status: StatusFailed, Stderr: "command status expired or unknown"}, nil
	}
	res := PollResult{Stdout: st.Stdout, Stderr: st.Stderr}
	switch st.State {
	case queue.CommandSucceeded:
		res.Status = StatusSucceeded
	case queue.CommandFailed:
		res.Status = StatusFailed
	default:
		res.Status = StatusPending
	}
	return res, nil
}
