// Package worker 队列下发模式下运行在 GPU 节点上的命令执行器
//
// 从 workers:<ref>:commands 消费命令，用 sh -c 执行，把状态写回 commands:<handle>，
// 并定期写入心跳供控制面的 online worker 选择使用。
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mlrun-admin/internal/shared/cache"
	"mlrun-admin/internal/shared/queue"
	"mlrun-admin/pkg/logging"
)

const (
	defaultHeartbeat = 10 * time.Second
	defaultBlock     = 5 * time.Second
	defaultMaxOutput = 64 << 10
	reportTimeout    = 5 * time.Second
	idleWait         = 200 * time.Millisecond
)

// Options worker 配置
type Options struct {
	Ref        string   // worker 引用，对应 dispatcher.workers 中的值
	ConsumerID string   // 为空时由 Ref 派生
	Owners     []string // 为空表示接受任意 owner
	Capacity   int      // 同时执行的命令数，<=0 时为 1
	Heartbeat  time.Duration
	Block      time.Duration // XREADGROUP 阻塞时长，<0 时不阻塞
	Shell      string
	MaxOutput  int // 回写 stdout/stderr 的最大字节数
}

func (o *Options) applyDefaults() {
	if o.ConsumerID == "" {
		o.ConsumerID = ConsumerID(o.Ref)
	}
	if o.Capacity <= 0 {
		o.Capacity = 1
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = defaultHeartbeat
	}
	if o.Block == 0 {
		o.Block = defaultBlock
	}
	if o.Shell == "" {
		o.Shell = "sh"
	}
	if o.MaxOutput <= 0 {
		o.MaxOutput = defaultMaxOutput
	}
}

// Worker 命令消费者
type Worker struct {
	opts      Options
	queue     queue.WorkerQueue
	heartbeat cache.WorkerHeartbeatCache
	metrics   *Metrics
	logger    *zap.Logger

	running atomic.Int64
}

// New 创建 worker；metrics 为 nil 时使用独立 registry
func New(q queue.WorkerQueue, hb cache.WorkerHeartbeatCache, opts Options, metrics *Metrics, logger *zap.Logger) (*Worker, error) {
	if opts.Ref == "" {
		return nil, errors.New("worker ref is required")
	}
	opts.applyDefaults()
	if metrics == nil {
		metrics = NewMetrics("mlrun_worker", opts.Ref, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		opts:      opts,
		queue:     q,
		heartbeat: hb,
		metrics:   metrics,
		logger:    logger.With(zap.String("worker", opts.Ref)),
	}, nil
}

// Ref worker 引用
func (w *Worker) Ref() string { return w.opts.Ref }

// Running 当前执行中的命令数
func (w *Worker) Running() int { return int(w.running.Load()) }

// Run 阻塞直到 ctx 取消；退出前等待执行中的命令结束并删除心跳
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.CreateWorkerConsumerGroup(ctx, w.opts.Ref); err != nil {
		return err
	}
	w.logger.Info("worker.started",
		zap.String("consumer", w.opts.ConsumerID),
		zap.Strings("owners", w.opts.Owners),
		zap.Int("capacity", w.opts.Capacity))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return w.consumeLoop(gctx)
	})
	err := g.Wait()

	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if derr := w.heartbeat.DeleteWorkerHeartbeat(cleanup, w.opts.Ref); derr != nil {
		w.logger.Warn("worker.heartbeat.delete_failed", zap.Error(derr))
	}
	w.logger.Info("worker.stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ============================================================================
// 心跳
// ============================================================================

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Heartbeat)
	defer ticker.Stop()

	w.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx)
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	err := w.heartbeat.UpdateWorkerHeartbeat(ctx, w.opts.Ref, &cache.WorkerStatus{
		Owners:   w.opts.Owners,
		Capacity: w.opts.Capacity,
		Running:  w.Running(),
	})
	w.metrics.RecordHeartbeat(err == nil)
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("worker.heartbeat.failed", zap.Error(err))
	}
}

// ============================================================================
// 消费与执行
// ============================================================================

func (w *Worker) consumeLoop(ctx context.Context) error {
	var execs errgroup.Group
	execs.SetLimit(w.opts.Capacity)
	defer execs.Wait()

	for ctx.Err() == nil {
		free := w.opts.Capacity - w.Running()
		if free <= 0 {
			sleep(ctx, idleWait)
			continue
		}

		msgs, err := w.queue.ConsumeCommands(ctx, w.opts.Ref, w.opts.ConsumerID, int64(free), w.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.metrics.ConsumeErrors.Inc()
			w.logger.Warn("worker.consume.failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if len(msgs) == 0 && w.opts.Block < 0 {
			sleep(ctx, idleWait)
			continue
		}

		for _, msg := range msgs {
			w.running.Add(1)
			execs.Go(func() error {
				defer w.running.Add(-1)
				w.handle(ctx, msg)
				return nil
			})
		}
	}
	return ctx.Err()
}

// handle 执行一条命令；shutdown 取消的命令记为 failed 并确认
func (w *Worker) handle(ctx context.Context, msg *queue.CommandMessage) {
	logger := logging.WithContext(logging.ContextWithRunID(ctx, msg.RunID), w.logger).
		With(zap.String("handle", msg.Handle))

	w.report(ctx, &queue.CommandStatus{Handle: msg.Handle, State: queue.CommandRunning}, logger)
	w.metrics.RecordCommandStart()
	logger.Info("worker.command.started")

	start := time.Now()
	status := w.execute(ctx, msg)
	elapsed := time.Since(start)

	w.metrics.RecordCommandComplete(string(status.State), elapsed)
	w.report(ctx, status, logger)

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := w.queue.AckCommand(ackCtx, w.opts.Ref, msg.ID); err != nil {
		logger.Warn("worker.command.ack_failed", zap.Error(err))
	}
	logger.Info("worker.command.finished",
		zap.String("state", string(status.State)),
		zap.Int("exit_code", status.ExitCode),
		zap.Duration("elapsed", elapsed))
}

func (w *Worker) execute(ctx context.Context, msg *queue.CommandMessage) *queue.CommandStatus {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, w.opts.Shell, "-c", msg.Command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = reportTimeout

	status := &queue.CommandStatus{Handle: msg.Handle, State: queue.CommandSucceeded}
	if err := cmd.Run(); err != nil {
		status.State = queue.CommandFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			status.ExitCode = exitErr.ExitCode()
		} else {
			status.ExitCode = -1
			fmt.Fprintf(&stderr, "\n%v", err)
		}
	}
	status.Stdout = tail(stdout.Bytes(), w.opts.MaxOutput)
	status.Stderr = tail(stderr.Bytes(), w.opts.MaxOutput)
	return status
}

func (w *Worker) report(ctx context.Context, status *queue.CommandStatus, logger *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := w.queue.ReportStatus(rctx, status); err != nil {
		logger.Warn("worker.command.report_failed", zap.String("state", string(status.State)), zap.Error(err))
	}
}

// tail 保留输出末尾 limit 字节
func tail(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[len(b)-limit:])
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
