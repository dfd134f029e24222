package storage

import (
	"context"

	"mlrun-admin/internal/shared/model"
)

// RunLedger 运行账本
//
// 生命周期只允许 running → succeeded|failed，且由 CompleteRun 以条件更新完成；
// 并发调用中只有一个会返回 applied=true。
type RunLedger interface {
	CreateRun(ctx context.Context, run *model.Run) error
	// GetRun 不存在时返回 ErrNotFound
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, error)
	// ListActiveRuns 按 started_at 升序列出 running 状态的 Run
	ListActiveRuns(ctx context.Context, limit int) ([]*model.Run, error)

	// CompleteRun 在一个事务内：CAS running→终态、清除旧结果行、写入新结果行。
	// CAS 失败时不写入任何数据并返回 applied=false。
	CompleteRun(ctx context.Context, c *model.RunCompletion) (applied bool, err error)
	// ReplaceResults 替换已结束 Run 的结果行，不改变生命周期
	ReplaceResults(ctx context.Context, runID string, metrics []*model.Metric, cases []*model.BehaviorTestCaseResult) error
	SetMirrorStatus(ctx context.Context, runID string, status model.MirrorStatus) error

	ListMetrics(ctx context.Context, runID string) ([]*model.Metric, error)
	ListTestCaseResults(ctx context.Context, runID string) ([]*model.BehaviorTestCaseResult, error)

	Close() error
}
