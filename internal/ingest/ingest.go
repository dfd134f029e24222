// Package ingest 运行产物摄取
//
// 作业结束后读取 status.json、metrics.json、tests.csv（均可缺失），
// 在一个账本事务内完成 running→终态 的条件迁移并写入结果行，
// 最后尽力把产物镜像到版本目录下的 results/<run_id>。
//
// 解析问题只会降级数据，不会让摄取失败；对象存储传输错误会原样返回，
// 此时账本不变，调用方可以重试。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mlrun-admin/internal/dispatch"
	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/eventbus"
	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/storage"
)

// Options 读取限制
type Options struct {
	MaxReadBytes int64
	MaxReadLines int
}

// Ingestor 产物摄取器
type Ingestor struct {
	ledger  storage.RunLedger
	objects objstore.Store
	events  eventbus.RunEventBus
	opts    Options
	logger  *zap.Logger

	now func() time.Time
}

// New 创建摄取器，events 可为 nil
func New(ledger storage.RunLedger, objects objstore.Store, events eventbus.RunEventBus, opts Options, logger *zap.Logger) *Ingestor {
	if events == nil {
		events = eventbus.NewNoOpEventBus()
	}
	return &Ingestor{
		ledger:  ledger,
		objects: objects,
		events:  events,
		opts:    opts,
		logger:  logger.Named("ingest"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// artifacts 一次读取的结果
type artifacts struct {
	status  descriptor
	metrics descriptor
	tests   string
}

// parsed 解析后的派生数据
type parsed struct {
	metrics []*model.Metric
	cases   []*model.BehaviorTestCaseResult
	skipped int
}

func (a *artifacts) parse() parsed {
	var p parsed
	if a.metrics.present {
		p.metrics = parseMetrics(a.metrics.raw)
	}
	if a.tests != "" {
		p.cases, p.skipped = parseTestsCSV(a.tests)
	}
	return p
}

// Ingest 摄取一个 running 状态的 Run
//
// remote 为远端命令的终态，只在描述文件没有给出 success 时参与判断。
// 另一个调用方已经完成终结时返回 Applied=false 且不写入任何数据，也不镜像。
func (i *Ingestor) Ingest(ctx context.Context, run *model.Run, remote dispatch.Status) (*model.IngestSummary, error) {
	a, err := i.read(ctx, run)
	if err != nil {
		return nil, err
	}
	p := a.parse()
	success := decideSuccess(a.status, a.metrics, remote)

	applied, err := i.ledger.CompleteRun(ctx, &model.RunCompletion{
		RunID:      run.ID,
		Success:    success,
		FinishedAt: i.now(),
		Metrics:    p.metrics,
		TestCases:  p.cases,
	})
	if err != nil {
		return nil, fmt.Errorf("complete run %s: %w", run.ID, err)
	}

	summary := &model.IngestSummary{RunID: run.ID, Applied: applied, Success: success}
	if !applied {
		i.logger.Info("ingest.cas.lost", zap.String("run_id", run.ID))
		return summary, nil
	}
	summary.MetricRows = len(p.metrics)
	summary.TestCaseRows = len(p.cases)
	summary.SkippedRows = p.skipped

	i.publish(ctx, run.ID, eventbus.EventRunFinished, map[string]any{
		"success":        success,
		"remote":         string(remote),
		"metric_rows":    summary.MetricRows,
		"test_case_rows": summary.TestCaseRows,
	})
	i.logger.Info("ingest.completed",
		zap.String("run_id", run.ID),
		zap.Bool("success", success),
		zap.Int("metric_rows", summary.MetricRows),
		zap.Int("test_case_rows", summary.TestCaseRows),
		zap.Int("skipped_rows", summary.SkippedRows))

	summary.Mirror = i.mirrorAndRecord(ctx, run)
	return summary, nil
}

// Reingest 重新摄取已结束的 Run：替换结果行并重新镜像，不改变生命周期
func (i *Ingestor) Reingest(ctx context.Context, run *model.Run) (*model.IngestSummary, error) {
	if !run.IsDone() {
		return nil, fmt.Errorf("run %s is %s: %w", run.ID, run.State, storage.ErrConflict)
	}
	a, err := i.read(ctx, run)
	if err != nil {
		return nil, err
	}
	p := a.parse()
	if err := i.ledger.ReplaceResults(ctx, run.ID, p.metrics, p.cases); err != nil {
		return nil, fmt.Errorf("replace results of %s: %w", run.ID, err)
	}
	i.logger.Info("ingest.reingested", zap.String("run_id", run.ID), zap.Int("metric_rows", len(p.metrics)))

	return &model.IngestSummary{
		RunID:        run.ID,
		Applied:      true,
		Success:      run.IsSuccess(),
		MetricRows:   len(p.metrics),
		TestCaseRows: len(p.cases),
		SkippedRows:  p.skipped,
		Mirror:       i.mirrorAndRecord(ctx, run),
	}, nil
}

// read 读取三个输入文件，缺失视为不存在
func (i *Ingestor) read(ctx context.Context, run *model.Run) (*artifacts, error) {
	var a artifacts
	var err error
	if a.status, err = i.readDescriptor(ctx, run.ArtifactsPrefix, keyspace.StatusFile); err != nil {
		return nil, err
	}
	if a.metrics, err = i.readDescriptor(ctx, run.ArtifactsPrefix, keyspace.MetricsFile); err != nil {
		return nil, err
	}
	tests, err := i.readOptional(ctx, keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.TestsFile))
	if err != nil {
		return nil, err
	}
	a.tests = tests
	return &a, nil
}

func (i *Ingestor) readDescriptor(ctx context.Context, prefix, name string) (descriptor, error) {
	key := keyspace.ArtifactKey(prefix, name)
	ok, err := i.objects.Exists(ctx, key)
	if err != nil {
		return descriptor{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if !ok {
		return descriptor{}, nil
	}
	raw, err := i.readOptional(ctx, key)
	if err != nil {
		return descriptor{}, err
	}
	return descriptor{present: true, raw: raw}, nil
}

// readOptional 有界读取，不存在时返回空字符串
func (i *Ingestor) readOptional(ctx context.Context, key string) (string, error) {
	text, err := i.objects.GetTextBounded(ctx, key, i.opts.MaxReadBytes, i.opts.MaxReadLines)
	if apperr.IsNotFound(err) || errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return text, nil
}

func (i *Ingestor) mirrorAndRecord(ctx context.Context, run *model.Run) *model.MirrorOutcome {
	outcome := Mirror(ctx, i.objects, run, i.logger)
	if err := i.ledger.SetMirrorStatus(ctx, run.ID, outcome.Status); err != nil {
		i.logger.Warn("ingest.mirror.record.failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	i.publish(ctx, run.ID, eventbus.EventRunMirrored, map[string]any{
		"status": string(outcome.Status),
		"target": outcome.TargetPrefix,
		"copied": len(outcome.Copied),
		"failed": len(outcome.Failed),
	})
	return outcome
}

// publish 事件发布失败只记录日志
func (i *Ingestor) publish(ctx context.Context, runID, typ string, payload map[string]any) {
	err := i.events.PublishRunEvent(ctx, runID, &eventbus.RunEvent{
		RunID:     runID,
		Type:      typ,
		Timestamp: i.now(),
		Payload:   payload,
	})
	if err != nil {
		i.logger.Warn("ingest.event.publish.failed", zap.String("run_id", runID), zap.String("type", typ), zap.Error(err))
	}
}
