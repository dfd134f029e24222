package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mlrun-admin/internal/apiserver/auth"
)

// Router 返回配置好的 HTTP 路由
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// 运行 (Run):
//   - POST /api/v1/runs                        - 启动运行
//   - GET  /api/v1/runs                        - 列出运行
//   - GET  /api/v1/runs/{id}                   - 运行详情
//   - POST /api/v1/runs/{id}/advance           - 推进一步
//   - POST /api/v1/runs/{id}/reingest          - 重新摄取
//   - GET  /api/v1/runs/{id}/results           - 指标与测试用例
//   - GET  /api/v1/runs/{id}/artifacts         - 产物列表
//   - GET  /api/v1/runs/{id}/console           - 远端输出
//   - GET  /api/v1/runs/{id}/graphs            - 图表 URL
//   - GET  /api/v1/runs/{id}/events            - 生命周期事件
//   - GET  /api/v1/runs/{id}/logs/stream       - 日志 SSE
//   - GET  /api/v1/runs/{id}/metrics/stream    - 指标 SSE
//
// 版本:
//   - GET /api/v1/projects/{owner}/{project}/versions
//   - GET /api/v1/projects/{owner}/{project}/versions/latest
//
// WebSocket:
//   - GET /ws/runs/{id}/logs
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metricsHandler())
	h.runs.RegisterRoutes(mux)

	authMW := auth.Middleware(h.deps.Auth, h.logger)
	apiHandler := corsMiddleware(authMW(h.metrics.MetricsMiddleware(mux)))

	// WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题），但仍需认证
	wsMux := http.NewServeMux()
	h.runs.RegisterWebSocketRoutes(wsMux)

	topMux := http.NewServeMux()
	topMux.Handle("/ws/", authMW(h.metrics.TrackWebSocket(wsMux)))
	topMux.Handle("/", apiHandler)
	return topMux
}

func (h *Handler) metricsHandler() http.Handler {
	if h.deps.Registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(prometheus.Gatherers{h.deps.Registry}, promhttp.HandlerOpts{})
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
