// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"
)

// RunEvent Run 生命周期事件
type RunEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// 事件类型
const (
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
	EventRunMirrored = "run.mirrored"
)

const (
	// KeyRunEvents Key 前缀 run_events:<runID>
	KeyRunEvents = "run_events:"

	// MaxStreamLength Stream 最大长度
	MaxStreamLength = 1000
)
