// Package dispatch 远端命令下发与轮询
//
// 下发是 fire-and-forget：Start 只负责把命令交给远端并返回句柄，
// 之后通过 Poll 查询 pending/succeeded/failed。
// 具体传输有 SSH、Redis Streams 队列与 Docker 三种实现。
package dispatch

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Status 远端命令状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal 是否已结束
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// PollResult 一次轮询结果
type PollResult struct {
	Status Status
	Stdout string
	Stderr string
}

// CommandSpec 一次下发的上下文，用于渲染 runner 命令
type CommandSpec struct {
	RunID           string
	Owner           string
	Project         string
	Version         string
	Task            string
	Bucket          string
	VersionRoot     string
	ArtifactsPrefix string
	Command         string // 渲染后的命令，由 CommandBuilder 填充
}

// Dispatcher 远端命令下发器
type Dispatcher interface {
	Start(ctx context.Context, workerRef string, spec CommandSpec) (handle string, err error)
	Poll(ctx context.Context, workerRef, handle string) (PollResult, error)
}

// WorkerProvider 为 owner 确保一个可用 worker
type WorkerProvider interface {
	EnsureWorker(ctx context.Context, owner string) (workerRef string, err error)
}

// CommandBuilder 按模板渲染 runner 命令
//
// 占位符：{bucket} {version_root} {artifacts_prefix} {task} {run_id} {owner} {project} {version}
type CommandBuilder struct {
	Template string
}

// Build 渲染命令并写回 spec.Command
//
// 每个替换值都经过 shell 转义，命令行最终交给 sh -c 执行。
func (b CommandBuilder) Build(spec CommandSpec) CommandSpec {
	r := strings.NewReplacer(
		"{bucket}", quoteArg(spec.Bucket),
		"{version_root}", quoteArg(spec.VersionRoot),
		"{artifacts_prefix}", quoteArg(spec.ArtifactsPrefix),
		"{task}", quoteArg(spec.Task),
		"{run_id}", quoteArg(spec.RunID),
		"{owner}", quoteArg(spec.Owner),
		"{project}", quoteArg(spec.Project),
		"{version}", quoteArg(spec.Version),
	)
	spec.Command = r.Replace(b.Template)
	return spec
}

// plainArg 无需转义即可出现在 shell 命令行中的字符
var plainArg = regexp.MustCompile(`^[A-Za-z0-9._/:@%+=-]+$`)

// quoteArg 仅含安全字符时原样返回，否则单引号转义
func quoteArg(s string) string {
	if plainArg.MatchString(s) {
		return s
	}
	return shellQuote(s)
}

// shellQuote 单引号转义
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// newHandle 生成命令句柄
func newHandle(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
