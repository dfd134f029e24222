// Package model 定义核心数据模型
//
// run.go 包含执行相关的数据模型定义：
//   - Run：一次训练/测试作业的执行记录
//   - RunState：生命周期状态（封闭枚举）
//   - RunFilter：列表查询条件
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// RunState - 生命周期状态
// ============================================================================

// RunState 表示 Run 的生命周期状态
//
// 状态只允许以下迁移：
//
//	created ──► running ──► succeeded
//	                   └──► failed
//
// created 只存在于 Start 的内存中，落库时已经是 running。
// isRunning/isDone/isSuccess 三个布尔值由状态推导，不单独存储，
// 因此 "running 且 done" 这种组合在构造上就不可能出现。
type RunState string

const (
	// RunStateCreated 已创建：尚未下发到远端
	RunStateCreated RunState = "created"

	// RunStateRunning 执行中：远端命令已下发
	RunStateRunning RunState = "running"

	// RunStateSucceeded 成功结束
	RunStateSucceeded RunState = "succeeded"

	// RunStateFailed 失败结束
	RunStateFailed RunState = "failed"
)

// Valid 是否为合法状态
func (s RunState) Valid() bool {
	switch s {
	case RunStateCreated, RunStateRunning, RunStateSucceeded, RunStateFailed:
		return true
	}
	return false
}

// IsRunning 是否执行中
func (s RunState) IsRunning() bool { return s == RunStateRunning }

// IsDone 是否已结束（成功或失败）
func (s RunState) IsDone() bool { return s == RunStateSucceeded || s == RunStateFailed }

// IsSuccess 是否成功结束
func (s RunState) IsSuccess() bool { return s == RunStateSucceeded }

// DoneState 根据成功与否返回终态
func DoneState(success bool) RunState {
	if success {
		return RunStateSucceeded
	}
	return RunStateFailed
}

// ============================================================================
// Run - 执行记录
// ============================================================================

// Run 表示一次作业执行尝试
//
// 不变量：
//   - State 为终态时 FinishedAt 非空
//   - State 为 running 时 StartedAt 非空
//   - ArtifactsPrefix 写入后不再改变
//   - 记录只追加，不删除
//
// 字段说明：
//   - WorkerRef：下发目标 worker（SSH 主机、队列 worker 或 Docker 主机）
//   - CommandHandle：远端命令句柄，Poll 时使用
//   - MirrorStatus：最近一次镜像结果（succeeded/failed/skipped），未摄取时为空
type Run struct {
	ID              string       `json:"id"`
	Owner           string       `json:"owner"`
	Project         string       `json:"project"`
	Version         *string      `json:"version,omitempty"`
	Task            string       `json:"task"`
	State           RunState     `json:"state"`
	WorkerRef       string       `json:"worker_ref"`
	CommandHandle   string       `json:"command_handle"`
	ArtifactsPrefix string       `json:"artifacts_prefix"`
	MirrorStatus    MirrorStatus `json:"mirror_status,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// IsRunning 是否执行中
func (r *Run) IsRunning() bool { return r.State.IsRunning() }

// IsDone 是否已结束
func (r *Run) IsDone() bool { return r.State.IsDone() }

// IsSuccess 是否成功结束
func (r *Run) IsSuccess() bool { return r.State.IsSuccess() }

// VersionLabel 版本标签，未设置时为空字符串
func (r *Run) VersionLabel() string {
	if r.Version == nil {
		return ""
	}
	return *r.Version
}

// MarshalJSON 在 JSON 边界附加推导出的布尔标志
func (r Run) MarshalJSON() ([]byte, error) {
	type plain Run
	return json.Marshal(struct {
		plain
		IsRunning bool `json:"is_running"`
		IsDone    bool `json:"is_done"`
		IsSuccess bool `json:"is_success"`
	}{
		plain:     plain(r),
		IsRunning: r.State.IsRunning(),
		IsDone:    r.State.IsDone(),
		IsSuccess: r.State.IsSuccess(),
	})
}

// RunFilter 列表查询条件，空字段不参与过滤
type RunFilter struct {
	Owner   string
	Project string
	Version string
	Task    string
	Limit   int
}

// RunCompletion 一次终结写入：状态迁移 + 派生结果行
type RunCompletion struct {
	RunID      string
	Success    bool
	FinishedAt time.Time
	Metrics    []*Metric
	TestCases  []*BehaviorTestCaseResult
}
