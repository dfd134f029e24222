// Package model 定义核心数据模型
//
// artifact.go 包含产物与摄取相关的数据模型定义：
//   - Metric：metrics.json 的派生行
//   - BehaviorTestCaseResult：tests.csv 的派生行
//   - ArtifactView：产物列表视图
//   - IngestSummary / MirrorOutcome：摄取结果
package model

import "time"

// ============================================================================
// 派生结果行
// ============================================================================

// Metric metrics.json 中每个数值型顶层字段对应一行
type Metric struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Project   string    `json:"project"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// BehaviorTestCaseResult tests.csv 中每个测试用例对应一行
//
// Value/Threshold 为 nil 表示原始值无法解析（未知），不是 0。
type BehaviorTestCaseResult struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Project   string    `json:"project"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	Passed    bool      `json:"passed"`
	Skipped   bool      `json:"skipped"`
	Metric    string    `json:"metric"`
	Value     *float64  `json:"value"`
	Threshold *float64  `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// ArtifactView - 产物视图
// ============================================================================

// ArtifactView 产物列表项：对象键 + 限时读取 URL
type ArtifactView struct {
	Name        string `json:"name"` // 相对运行前缀的路径
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// ============================================================================
// 摄取结果
// ============================================================================

// MirrorStatus 镜像结果
type MirrorStatus string

const (
	MirrorSucceeded MirrorStatus = "succeeded"
	MirrorFailed    MirrorStatus = "failed"
	MirrorSkipped   MirrorStatus = "skipped"
)

// MirrorOutcome 镜像步骤的记录结果，与摄取成功与否相互独立
type MirrorOutcome struct {
	Status       MirrorStatus `json:"status"`
	TargetPrefix string       `json:"target_prefix"`
	Copied       []string     `json:"copied,omitempty"`
	Failed       []string     `json:"failed,omitempty"`
	Missing      []string     `json:"missing,omitempty"`
}

// IngestSummary 一次摄取的汇总
//
// Applied 为 false 表示另一个调用方已经完成了终结，本次没有写入任何数据。
type IngestSummary struct {
	RunID        string         `json:"run_id"`
	Applied      bool           `json:"applied"`
	Success      bool           `json:"success"`
	MetricRows   int            `json:"metric_rows"`
	TestCaseRows int            `json:"test_case_rows"`
	SkippedRows  int            `json:"skipped_rows"`
	Mirror       *MirrorOutcome `json:"mirror,omitempty"`
}
