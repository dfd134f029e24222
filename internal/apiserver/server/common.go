// Package server 路由配置与 HTTP 基础设施
//
// 文件组织：
//   - common.go: Handler 定义、健康检查
//   - handler.go: 路由与中间件组合
//   - metrics.go: HTTP 层 Prometheus 指标
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mlrun-admin/internal/apiserver/auth"
	"mlrun-admin/internal/apiserver/run"
	"mlrun-admin/internal/shared/eventbus"
)

// Pinger 健康检查依赖（账本、Redis 等）
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 函数适配 Pinger
type PingFunc func(ctx context.Context) error

// Ping 实现 Pinger
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Deps Handler 依赖
//
// Registry 同时用于注册 HTTP 指标和暴露 /metrics；为 nil 时使用默认注册表。
type Deps struct {
	Runs     run.RunService
	Tailer   run.RunTailer
	Events   eventbus.RunEventBus
	Auth     auth.Config
	Registry *prometheus.Registry
	Checks   map[string]Pinger
}

// Handler API 处理器，所有 HTTP 请求的入口
type Handler struct {
	deps    Deps
	runs    *run.Handler
	metrics *Metrics
	logger  *zap.Logger
}

// NewHandler 创建 Handler
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if deps.Registry != nil {
		reg = deps.Registry
	}
	return &Handler{
		deps:    deps,
		runs:    run.NewHandler(deps.Runs, deps.Tailer, deps.Events, logger),
		metrics: NewMetrics("mlrun_api", reg),
		logger:  logger.Named("api"),
	}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Health 健康检查
//
// 路由: GET /health
//
// 任一依赖检查失败时返回 503，响应体列出每项检查结果。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.deps.Checks))
	status := http.StatusOK
	for name, p := range h.deps.Checks {
		if err := p.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	body := map[string]any{"status": "ok"}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	writeJSON(w, status, body)
}
