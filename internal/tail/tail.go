// Package tail 运行中产物的实时跟踪
//
// 每个订阅独立维护读取位置，按固定间隔读取对象存储中的 logs.txt 与指标文件，
// 只推送增量。订阅方停止迭代（break）或取消 ctx 即结束订阅，没有共享状态。
package tail

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/storage"
)

// EventType 推送事件类型
type EventType string

const (
	EventLog       EventType = "log"
	EventMetrics   EventType = "metrics"
	EventWaiting   EventType = "waiting"   // 对象尚未出现
	EventHeartbeat EventType = "heartbeat" // 内容无变化
	EventDone      EventType = "done"
)

// 日志结束标记（独占一行）
const (
	SentinelCompleted = "[run] completed"
	SentinelFailed    = "[run] failed"
)

// Event 一条推送
type Event struct {
	Type   EventType `json:"type"`
	Data   string    `json:"data,omitempty"`
	Offset int       `json:"offset,omitempty"`
	Source string    `json:"source,omitempty"`
}

// Options 跟踪配置
type Options struct {
	LogInterval     time.Duration
	MetricsInterval time.Duration
	// MaxBytes 单次读取上限，日志超过上限后不再产生增量
	MaxBytes   int64
	PresignTTL time.Duration
}

// Tailer 实时跟踪器
type Tailer struct {
	ledger  storage.RunLedger
	objects objstore.Store
	opts    Options
	logger  *zap.Logger
}

// New 创建跟踪器
func New(ledger storage.RunLedger, objects objstore.Store, opts Options, logger *zap.Logger) *Tailer {
	if opts.LogInterval <= 0 {
		opts.LogInterval = 2 * time.Second
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = 3 * time.Second
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = time.Hour
	}
	return &Tailer{ledger: ledger, objects: objects, opts: opts, logger: logger.Named("tail")}
}

func (t *Tailer) run(ctx context.Context, runID string) (*model.Run, error) {
	run, err := t.ledger.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("run %s", runID)
	}
	return run, err
}

// ============================================================================
// 日志
// ============================================================================

// TailLog 跟踪 logs.txt
//
// 对象不存在时推送 waiting，内容无变化时推送 heartbeat；
// 读到结束标记，或 Run 已结束且最后一段增量已推送后，推送 done 并结束。
// 读取错误会推送给订阅方，订阅方可选择继续迭代（下个周期重试）。
func (t *Tailer) TailLog(ctx context.Context, runID string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		run, err := t.run(ctx, runID)
		if err != nil {
			yield(Event{}, err)
			return
		}
		key := keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.LogsFile)
		offset := 0

		for {
			done, err := t.isDone(ctx, run)
			if err != nil {
				if !yield(Event{}, err) {
					return
				}
			}

			text, err := t.objects.GetTextBounded(ctx, key, t.opts.MaxBytes, 0)
			switch {
			case ctx.Err() != nil:
				return
			case apperr.IsNotFound(err):
				if done {
					yield(Event{Type: EventDone}, nil)
					return
				}
				if !yield(Event{Type: EventWaiting, Source: keyspace.LogsFile}, nil) {
					return
				}
			case err != nil:
				if !yield(Event{}, fmt.Errorf("read %s: %w", key, err)) {
					return
				}
			default:
				if len(text) < offset {
					// 对象被重写，从头开始
					offset = 0
				}
				delta := text[offset:]
				if delta != "" {
					offset = len(text)
					if !yield(Event{Type: EventLog, Data: delta, Offset: offset, Source: keyspace.LogsFile}, nil) {
						return
					}
				}
				if done || HasSentinel(text) {
					yield(Event{Type: EventDone}, nil)
					return
				}
				if delta == "" && !yield(Event{Type: EventHeartbeat}, nil) {
					return
				}
			}

			if !sleep(ctx, t.opts.LogInterval) {
				return
			}
		}
	}
}

// HasSentinel 是否包含独占一行的结束标记
func HasSentinel(text string) bool {
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if line == SentinelCompleted || line == SentinelFailed {
			return true
		}
	}
	return false
}

// ============================================================================
// 指标
// ============================================================================

// TailMetrics 跟踪指标
//
// Run 进行中优先读取 partial_metrics.json，metrics.json 出现后改读最终指标。
// 只在内容变化时推送；读到最终指标且 Run 已结束后推送 done 并结束。
func (t *Tailer) TailMetrics(ctx context.Context, runID string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		run, err := t.run(ctx, runID)
		if err != nil {
			yield(Event{}, err)
			return
		}
		finalKey := keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile)
		partialKey := keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.PartialMetricsFile)
		last := ""

		for {
			done, err := t.isDone(ctx, run)
			if err != nil {
				if !yield(Event{}, err) {
					return
				}
			}

			source := keyspace.MetricsFile
			text, err := t.objects.GetTextBounded(ctx, finalKey, t.opts.MaxBytes, 0)
			final := err == nil
			if apperr.IsNotFound(err) {
				source = keyspace.PartialMetricsFile
				text, err = t.objects.GetTextBounded(ctx, partialKey, t.opts.MaxBytes, 0)
			}

			switch {
			case ctx.Err() != nil:
				return
			case apperr.IsNotFound(err):
				if done {
					yield(Event{Type: EventDone}, nil)
					return
				}
				if !yield(Event{Type: EventWaiting, Source: source}, nil) {
					return
				}
			case err != nil:
				if !yield(Event{}, fmt.Errorf("read %s: %w", source, err)) {
					return
				}
			default:
				compact := compactJSON(text)
				changed := compact != last
				if changed {
					last = compact
					if !yield(Event{Type: EventMetrics, Data: compact, Source: source}, nil) {
						return
					}
				}
				if final && done {
					yield(Event{Type: EventDone}, nil)
					return
				}
				if !changed && !yield(Event{Type: EventHeartbeat}, nil) {
					return
				}
			}

			if !sleep(ctx, t.opts.MetricsInterval) {
				return
			}
		}
	}
}

// compactJSON 去掉空白，非法 JSON 原样返回
func compactJSON(text string) string {
	if !gjson.Valid(text) {
		return strings.TrimSpace(text)
	}
	return gjson.Get(text, "@ugly").Raw
}

// ============================================================================
// 图表
// ============================================================================

// GraphURLs 已存在的图表及限时读取 URL，缺失的候选直接省略
func (t *Tailer) GraphURLs(ctx context.Context, runID string) (map[string]string, error) {
	run, err := t.run(ctx, runID)
	if err != nil {
		return nil, err
	}
	urls := make(map[string]string)
	for _, c := range keyspace.GraphCandidates {
		key := keyspace.ArtifactKey(run.ArtifactsPrefix, c.Path)
		ok, err := t.objects.Exists(ctx, key)
		if err != nil {
			t.logger.Warn("tail.graph.stat.failed", zap.String("run_id", runID), zap.String("key", key), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		u, err := t.objects.PresignedReadURL(ctx, key, t.opts.PresignTTL)
		if err != nil {
			t.logger.Warn("tail.graph.presign.failed", zap.String("run_id", runID), zap.String("key", key), zap.Error(err))
			continue
		}
		urls[c.Name] = u
	}
	return urls, nil
}

// ============================================================================
// 辅助
// ============================================================================

// isDone 重新读取 Run 状态；读取失败时沿用上一次的状态
func (t *Tailer) isDone(ctx context.Context, run *model.Run) (bool, error) {
	if run.IsDone() {
		return true, nil
	}
	fresh, err := t.ledger.GetRun(ctx, run.ID)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("refresh run %s: %w", run.ID, err)
	}
	*run = *fresh
	return run.IsDone(), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
