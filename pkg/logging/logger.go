// Package logging 结构化日志（基于 zap）
//
// 各组件通过 Named 派生子日志器，事件名沿用点分风格，例如
// "run.start.dispatch.failed"。
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	RunIDKey   ContextKey = "run_id"
	OwnerKey   ContextKey = "owner"
)

// Config 日志配置
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or console
	Output    string `yaml:"output"` // stdout, stderr, or file path
	Component string `yaml:"component"`
}

// New 创建新的日志器
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	switch cfg.Output {
	case "stdout", "":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log output %s: %w", cfg.Output, err)
		}
		sink = zapcore.AddSync(f)
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if level == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}

	logger := zap.New(zapcore.NewCore(encoder, sink, level), opts...)
	if cfg.Component != "" {
		logger = logger.Named(cfg.Component)
	}
	return logger, nil
}

// Default 创建默认日志器，出错时回退到 zap.NewNop
func Default(component string) *zap.Logger {
	logger, err := New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// ContextWithRunID 将 Run ID 注入 context
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// ContextWithTraceID 将 Trace ID 注入 context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithContext 从上下文提取追踪信息
func WithContext(ctx context.Context, l *zap.Logger) *zap.Logger {
	var fields []zap.Field
	for _, key := range []ContextKey{TraceIDKey, RunIDKey, OwnerKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
