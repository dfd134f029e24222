// Package queue 消息队列类型定义
package queue

import (
	"time"
)

// ============================================================================
// 消息类型
// ============================================================================

// CommandMessage 投递给 worker 的一条命令
type CommandMessage struct {
	ID         string // Stream 消息 ID，消费时填充
	Handle     string
	RunID      string
	Command    string
	EnqueuedAt time.Time
}

// CommandState 命令执行状态
type CommandState string

const (
	CommandPending   CommandState = "pending"
	CommandRunning   CommandState = "running"
	CommandSucceeded CommandState = "succeeded"
	CommandFailed    CommandState = "failed"
)

// IsTerminal 是否已结束
func (s CommandState) IsTerminal() bool {
	return s == CommandSucceeded || s == CommandFailed
}

// CommandStatus worker 回写的命令状态
type CommandStatus struct {
	Handle    string
	State     CommandState
	ExitCode  int
	Stdout    string
	Stderr    string
	UpdatedAt time.Time
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// worker 命令流 workers:<ref>:commands
	KeyWorkerCommands       = "workers:"
	KeyWorkerCommandsSuffix = ":commands"

	// 命令状态 Hash commands:<handle>
	KeyCommandStatus = "commands:"

	// 消费者组
	WorkerConsumerGroup = "runners"

	// 默认值
	DefaultStreamMaxLen = 1000
	DefaultStatusTTL    = 7 * 24 * time.Hour
)

// WorkerCommandsKey worker 命令流 key
func WorkerCommandsKey(workerRef string) string {
	return KeyWorkerCommands + workerRef + KeyWorkerCommandsSuffix
}

// CommandStatusKey 命令状态 key
func CommandStatusKey(handle string) string {
	return KeyCommandStatus + handle
}
