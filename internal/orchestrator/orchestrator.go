// Package orchestrator 运行生命周期编排
//
// 生命周期：
//
//	created ──► running ──► succeeded
//	                   └──► failed
//
// Start 在内存中构造 created 状态的 Run，下发成功后才以 running 写入账本，
// 校验或下发失败时账本和远端都不会有任何变化。
// Advance 幂等：已结束的 Run 原样返回且不访问远端；running→终态 的迁移
// 由摄取器在账本事务中以条件更新完成，因此并发 Advance 只会终结一次。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mlrun-admin/internal/dispatch"
	"mlrun-admin/internal/ingest"
	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/eventbus"
	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/storage"
	"mlrun-admin/pkg/logging"
)

// Config 编排器配置
type Config struct {
	Bucket        string
	RunnerCommand string
	PresignTTL    time.Duration
}

// Deps 编排器依赖
//
// Objects 与 Dispatcher 应当已经由 WithTimeout 包装；Events、Metrics 可为 nil。
type Deps struct {
	Ledger     storage.RunLedger
	Objects    objstore.Store
	Dispatcher dispatch.Dispatcher
	Workers    dispatch.WorkerProvider
	Ingestor   *ingest.Ingestor
	Events     eventbus.RunEventBus
	Metrics    *Metrics
}

// StartRequest Start 参数
type StartRequest struct {
	Owner   string `json:"owner"`
	Project string `json:"project"`
	Version string `json:"version"`
	Task    string `json:"task"`
}

// Orchestrator 运行编排器
type Orchestrator struct {
	ledger     storage.RunLedger
	objects    objstore.Store
	dispatcher dispatch.Dispatcher
	workers    dispatch.WorkerProvider
	ingestor   *ingest.Ingestor
	events     eventbus.RunEventBus
	metrics    *Metrics
	builder    dispatch.CommandBuilder
	cfg        Config
	logger     *zap.Logger

	now   func() time.Time
	newID func() string
}

// New 创建编排器
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if deps.Events == nil {
		deps.Events = eventbus.NewNoOpEventBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics("mlrun", prometheus.NewRegistry())
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	return &Orchestrator{
		ledger:     deps.Ledger,
		objects:    deps.Objects,
		dispatcher: deps.Dispatcher,
		workers:    deps.Workers,
		ingestor:   deps.Ingestor,
		events:     deps.Events,
		metrics:    deps.Metrics,
		builder:    dispatch.CommandBuilder{Template: cfg.RunnerCommand},
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return "run-" + uuid.NewString() },
	}
}

// ============================================================================
// Start
// ============================================================================

// segmentPattern owner/project/version/task 允许的字符
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// checkSegments 每个字段必须是单个安全片段，且不能全由 "." 组成
func checkSegments(req StartRequest) error {
	fields := []struct{ name, value string }{
		{"owner", req.Owner},
		{"project", req.Project},
		{"version", req.Version},
		{"task", req.Task},
	}
	for _, f := range fields {
		if !segmentPattern.MatchString(f.value) || strings.Trim(f.value, ".") == "" {
			return apperr.InvalidScope("%s %q may only contain letters, digits, '.', '_' and '-'", f.name, f.value)
		}
	}
	return nil
}

// Start 创建并下发一个 Run
//
// 版本为空时对任何调用方都返回 VersionRequired；普通调用方只能进入已存在的版本目录。
func (o *Orchestrator) Start(ctx context.Context, caller model.Caller, req StartRequest) (*model.Run, error) {
	run, err := o.start(ctx, caller, req)
	if err != nil {
		o.metrics.StartErrors.WithLabelValues(kindLabel(err)).Inc()
		return nil, err
	}
	o.metrics.RunsStarted.Inc()
	return run, nil
}

func (o *Orchestrator) start(ctx context.Context, caller model.Caller, req StartRequest) (*model.Run, error) {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Project = strings.TrimSpace(req.Project)
	req.Version = strings.TrimSpace(req.Version)
	req.Task = strings.TrimSpace(req.Task)

	if req.Task == "" {
		return nil, apperr.InvalidScope("task is required")
	}
	versionRoot, err := keyspace.VersionRoot(req.Owner, req.Project, req.Version)
	if err != nil {
		return nil, err
	}
	if err := checkSegments(req); err != nil {
		return nil, err
	}

	if !caller.IsAuthority() {
		exists, err := o.objects.ExistsPrefix(ctx, keyspace.DirPrefix(versionRoot))
		if err != nil {
			return nil, fmt.Errorf("check version %s: %w", req.Version, err)
		}
		if !exists {
			return nil, apperr.NotFound("version %s of %s/%s", req.Version, req.Owner, req.Project)
		}
	}

	workerRef, err := o.workers.EnsureWorker(ctx, req.Owner)
	if err != nil {
		return nil, asDispatchUnavailable(err, "ensure worker for %s", req.Owner)
	}

	now := o.now()
	version := req.Version
	run := &model.Run{
		ID:        o.newID(),
		Owner:     req.Owner,
		Project:   req.Project,
		Version:   &version,
		Task:      req.Task,
		State:     model.RunStateCreated,
		WorkerRef: workerRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	run.ArtifactsPrefix = keyspace.ArtifactsPrefix(versionRoot, run.ID)
	logger := logging.WithContext(logging.ContextWithRunID(ctx, run.ID), o.logger)

	spec := o.builder.Build(dispatch.CommandSpec{
		RunID:           run.ID,
		Owner:           run.Owner,
		Project:         run.Project,
		Version:         version,
		Task:            run.Task,
		Bucket:          o.cfg.Bucket,
		VersionRoot:     versionRoot,
		ArtifactsPrefix: run.ArtifactsPrefix,
	})
	handle, err := o.dispatcher.Start(ctx, workerRef, spec)
	if err != nil {
		logger.Warn("run.start.dispatch.failed", zap.String("worker", workerRef), zap.Error(err))
		return nil, asDispatchUnavailable(err, "dispatch run %s to %s", run.ID, workerRef)
	}

	started := o.now()
	run.State = model.RunStateRunning
	run.CommandHandle = handle
	run.StartedAt = &started
	run.UpdatedAt = started
	if err := o.ledger.CreateRun(ctx, run); err != nil {
		logger.Error("run.start.persist.failed", zap.String("handle", handle), zap.Error(err))
		return nil, fmt.Errorf("persist run %s: %w", run.ID, err)
	}

	logger.Info("run.started",
		zap.String("caller", caller.Subject),
		zap.String("prefix", run.ArtifactsPrefix),
		zap.String("worker", workerRef),
		zap.String("handle", handle))
	o.publish(ctx, run.ID, eventbus.EventRunStarted, map[string]any{
		"owner":   run.Owner,
		"project": run.Project,
		"version": version,
		"task":    run.Task,
		"worker":  workerRef,
	})
	return run, nil
}

// ============================================================================
// Advance
// ============================================================================

// Advance 推进一个 Run
//
// 已结束直接返回；远端未结束时原样返回；远端结束时摄取产物并返回最新记录。
// 传输错误不改变账本，原样返回（TransportTimeout / DispatchUnavailable）。
func (o *Orchestrator) Advance(ctx context.Context, runID string) (run *model.Run, err error) {
	defer func(start time.Time) { o.metrics.observeAdvance(start, err) }(time.Now())

	run, err = o.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.IsRunning() {
		return run, nil
	}

	logger := logging.WithContext(logging.ContextWithRunID(ctx, run.ID), o.logger)
	res, err := o.dispatcher.Poll(ctx, run.WorkerRef, run.CommandHandle)
	if err != nil {
		logger.Warn("run.advance.poll.failed", zap.String("worker", run.WorkerRef), zap.Error(err))
		return nil, err
	}
	if !res.Status.IsTerminal() {
		return run, nil
	}

	summary, err := o.ingestor.Ingest(ctx, run, res.Status)
	if err != nil {
		logger.Warn("run.advance.ingest.failed", zap.Error(err))
		return nil, err
	}
	if summary.Applied {
		outcome := "failed"
		if summary.Success {
			outcome = "succeeded"
		}
		o.metrics.RunsFinished.WithLabelValues(outcome).Inc()
		logger.Info("run.finished", zap.String("outcome", outcome), zap.String("remote", string(res.Status)))
	}
	return o.GetRun(ctx, runID)
}

// Reingest 重新摄取已结束的 Run
func (o *Orchestrator) Reingest(ctx context.Context, runID string) (*model.IngestSummary, error) {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return o.ingestor.Reingest(ctx, run)
}

// ============================================================================
// 查询
// ============================================================================

// GetRun 不存在时返回 NotFound
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := o.ledger.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("run %s", runID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns 按 owner/project/version/task 过滤
func (o *Orchestrator) ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, error) {
	return o.ledger.ListRuns(ctx, filter)
}

// RunResults 已摄取的结果行
type RunResults struct {
	Run       *model.Run                      `json:"run"`
	Metrics   []*model.Metric                 `json:"metrics"`
	TestCases []*model.BehaviorTestCaseResult `json:"test_cases"`
}

// Results 读取 Run 的指标与测试用例行，未结束时两者为空
func (o *Orchestrator) Results(ctx context.Context, runID string) (*RunResults, error) {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	metrics, err := o.ledger.ListMetrics(ctx, runID)
	if err != nil {
		return nil, err
	}
	cases, err := o.ledger.ListTestCaseResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = []*model.Metric{}
	}
	if cases == nil {
		cases = []*model.BehaviorTestCaseResult{}
	}
	return &RunResults{Run: run, Metrics: metrics, TestCases: cases}, nil
}

// ListArtifacts 列出运行产物及限时读取 URL；没有产物时返回空列表
func (o *Orchestrator) ListArtifacts(ctx context.Context, runID string) ([]model.ArtifactView, error) {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	keys, err := o.objects.ListKeys(ctx, keyspace.DirPrefix(run.ArtifactsPrefix))
	if err != nil {
		return nil, fmt.Errorf("list artifacts of %s: %w", runID, err)
	}
	views := make([]model.ArtifactView, 0, len(keys))
	for _, key := range keys {
		u, err := o.objects.PresignedReadURL(ctx, key, o.cfg.PresignTTL)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", key, err)
		}
		views = append(views, model.ArtifactView{
			Name:        keyspace.RelativeName(run.ArtifactsPrefix, key),
			Key:         key,
			URL:         u,
			ContentType: objstore.ContentTypeOf(key),
		})
	}
	return views, nil
}

// Console 远端命令当前输出
func (o *Orchestrator) Console(ctx context.Context, runID string) (string, error) {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.CommandHandle == "" || run.WorkerRef == "" {
		return "No command available for this run yet.", nil
	}
	res, err := o.dispatcher.Poll(ctx, run.WorkerRef, run.CommandHandle)
	if err != nil {
		return "", err
	}
	return formatConsole(res), nil
}

func formatConsole(res dispatch.PollResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[status] %s\n", res.Status)
	out := strings.TrimSpace(res.Stdout)
	errOut := strings.TrimSpace(res.Stderr)
	if out == "" && errOut == "" {
		b.WriteString("(no output yet)\n")
		return b.String()
	}
	if out != "" {
		b.WriteString("--- stdout ---\n")
		b.WriteString(out)
		b.WriteByte('\n')
	}
	if errOut != "" {
		b.WriteString("--- stderr ---\n")
		b.WriteString(errOut)
		b.WriteByte('\n')
	}
	return b.String()
}

// ============================================================================
// 辅助
// ============================================================================

// asDispatchUnavailable 已分类的错误原样返回，其余包装为 DispatchUnavailable
func asDispatchUnavailable(err error, format string, args ...any) error {
	if apperr.KindOf(err) != "" {
		return err
	}
	return apperr.DispatchUnavailable(err, format, args...)
}

func (o *Orchestrator) publish(ctx context.Context, runID, typ string, payload map[string]any) {
	err := o.events.PublishRunEvent(ctx, runID, &eventbus.RunEvent{
		RunID:     runID,
		Type:      typ,
		Timestamp: o.now(),
		Payload:   payload,
	})
	if err != nil {
		o.logger.Warn("run.event.publish.failed", zap.String("run_id", runID), zap.String("type", typ), zap.Error(err))
	}
}
