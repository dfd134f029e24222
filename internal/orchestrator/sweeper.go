package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mlrun-admin/internal/shared/storage"
)

// Sweeper 后台推进所有 running 状态的 Run
//
// 与 UI 轮询并发运行是安全的：终结由账本条件更新保证只发生一次。
type Sweeper struct {
	orch        *Orchestrator
	ledger      storage.RunLedger
	interval    time.Duration
	concurrency int
	batch       int
	logger      *zap.Logger
}

// SweepStats 一轮扫描的统计
type SweepStats struct {
	Active   int
	Finished int
	Errors   int
}

// NewSweeper 创建 Sweeper
func NewSweeper(orch *Orchestrator, interval time.Duration, concurrency, batch int, logger *zap.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = 1
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		orch:        orch,
		ledger:      orch.ledger,
		interval:    interval,
		concurrency: concurrency,
		batch:       batch,
		logger:      logger.Named("sweeper"),
	}
}

// Run 按间隔扫描直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper.started", zap.Duration("interval", s.interval), zap.Int("concurrency", s.concurrency))
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweeper.pass.failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper.stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce 扫描一轮；单个 Run 的错误只计数，不中断其余 Run
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	defer func() { s.orch.metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	runs, err := s.ledger.ListActiveRuns(ctx, s.batch)
	if err != nil {
		return SweepStats{}, err
	}
	s.orch.metrics.RunsActive.Set(float64(len(runs)))

	results := make([]error, len(runs))
	finished := make([]bool, len(runs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, run := range runs {
		g.Go(func() error {
			advanced, err := s.orch.Advance(gctx, run.ID)
			if err != nil {
				results[i] = err
				s.logger.Debug("sweeper.advance.failed", zap.String("run_id", run.ID), zap.Error(err))
				return nil
			}
			finished[i] = advanced.IsDone()
			return nil
		})
	}
	_ = g.Wait()

	stats := SweepStats{Active: len(runs)}
	for i := range runs {
		if results[i] != nil {
			stats.Errors++
		} else if finished[i] {
			stats.Finished++
		}
	}
	if stats.Finished > 0 || stats.Errors > 0 {
		s.logger.Info("sweeper.pass.done",
			zap.Int("active", stats.Active),
			zap.Int("finished", stats.Finished),
			zap.Int("errors", stats.Errors))
	}
	return stats, nil
}
