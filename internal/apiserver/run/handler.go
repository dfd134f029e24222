// Package run 运行领域 - HTTP 处理
package run

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"mlrun-admin/internal/apiserver/auth"
	"mlrun-admin/internal/orchestrator"
	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/eventbus"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/storage"
	"mlrun-admin/internal/tail"
)

// RunService 编排器提供给 HTTP 层的能力（用于测试替换）
type RunService interface {
	Start(ctx context.Context, caller model.Caller, req orchestrator.StartRequest) (*model.Run, error)
	Advance(ctx context.Context, runID string) (*model.Run, error)
	Reingest(ctx context.Context, runID string) (*model.IngestSummary, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, error)
	Results(ctx context.Context, runID string) (*orchestrator.RunResults, error)
	ListArtifacts(ctx context.Context, runID string) ([]model.ArtifactView, error)
	Console(ctx context.Context, runID string) (string, error)
	ListVersions(ctx context.Context, owner, project string) ([]string, error)
	LatestVersion(ctx context.Context, owner, project string) (string, error)
}

// RunTailer 实时跟踪
type RunTailer interface {
	TailLog(ctx context.Context, runID string) iter.Seq2[tail.Event, error]
	TailMetrics(ctx context.Context, runID string) iter.Seq2[tail.Event, error]
	GraphURLs(ctx context.Context, runID string) (map[string]string, error)
}

var (
	_ RunService = (*orchestrator.Orchestrator)(nil)
	_ RunTailer  = (*tail.Tailer)(nil)
)

// Handler 运行领域 HTTP 处理器
type Handler struct {
	svc    RunService
	tailer RunTailer
	events eventbus.RunEventBus
	logger *zap.Logger
}

// NewHandler 创建处理器，events 为 nil 时事件接口返回空列表
func NewHandler(svc RunService, tailer RunTailer, events eventbus.RunEventBus, logger *zap.Logger) *Handler {
	if events == nil {
		events = eventbus.NewNoOpEventBus()
	}
	return &Handler{svc: svc, tailer: tailer, events: events, logger: logger.Named("run-api")}
}

// RegisterRoutes 注册运行相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.Create)
	mux.HandleFunc("GET /api/v1/runs", h.List)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/runs/{id}/advance", h.Advance)
	mux.HandleFunc("POST /api/v1/runs/{id}/reingest", h.Reingest)
	mux.HandleFunc("GET /api/v1/runs/{id}/results", h.Results)
	mux.HandleFunc("GET /api/v1/runs/{id}/artifacts", h.Artifacts)
	mux.HandleFunc("GET /api/v1/runs/{id}/console", h.Console)
	mux.HandleFunc("GET /api/v1/runs/{id}/graphs", h.Graphs)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", h.Events)
	mux.HandleFunc("GET /api/v1/runs/{id}/logs/stream", h.StreamLogs)
	mux.HandleFunc("GET /api/v1/runs/{id}/metrics/stream", h.StreamMetrics)

	mux.HandleFunc("GET /api/v1/projects/{owner}/{project}/versions", h.Versions)
	mux.HandleFunc("GET /api/v1/projects/{owner}/{project}/versions/latest", h.LatestVersion)
}

// RegisterWebSocketRoutes WebSocket 路由，挂在不经过指标中间件的顶层 mux 上
func (h *Handler) RegisterWebSocketRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/runs/{id}/logs", h.WebSocketLogs)
}

// Create 启动一次运行
// POST /api/v1/runs
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := h.svc.Start(r.Context(), auth.CallerFrom(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// List 列出运行
// GET /api/v1/runs?owner=&project=&version=&task=&limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.RunFilter{
		Owner:   q.Get("owner"),
		Project: q.Get("project"),
		Version: q.Get("version"),
		Task:    q.Get("task"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	runs, err := h.svc.ListRuns(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// Get GET /api/v1/runs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Advance 推进一步；远端未结束时原样返回
// POST /api/v1/runs/{id}/advance
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Advance(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Reingest POST /api/v1/runs/{id}/reingest
func (h *Handler) Reingest(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Reingest(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Results GET /api/v1/runs/{id}/results
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Artifacts GET /api/v1/runs/{id}/artifacts
func (h *Handler) Artifacts(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListArtifacts(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": views})
}

// Console 远端输出，纯文本
// GET /api/v1/runs/{id}/console
func (h *Handler) Console(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Console(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

// Graphs GET /api/v1/runs/{id}/graphs
func (h *Handler) Graphs(w http.ResponseWriter, r *http.Request) {
	urls, err := h.tailer.GraphURLs(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": urls})
}

// Events 生命周期事件
// GET /api/v1/runs/{id}/events?from=&count=
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := h.svc.GetRun(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	count := int64(100)
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "invalid count")
			return
		}
		count = n
	}
	events, err := h.events.GetRunEvents(ctx, id, r.URL.Query().Get("from"), count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*eventbus.RunEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Versions GET /api/v1/projects/{owner}/{project}/versions
func (h *Handler) Versions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.svc.ListVersions(r.Context(), r.PathValue("owner"), r.PathValue("project"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// LatestVersion GET /api/v1/projects/{owner}/{project}/versions/latest
func (h *Handler) LatestVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.LatestVersion(r.Context(), r.PathValue("owner"), r.PathValue("project"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": v})
}

// ============================================================================
// 响应辅助
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusOf 错误分类到状态码；CAS 冲突为 409
func statusOf(err error) int {
	if errors.Is(err, storage.ErrConflict) {
		return http.StatusConflict
	}
	return apperr.HTTPStatus(err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request.failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	body := map[string]string{"error": err.Error()}
	if kind := apperr.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, status, body)
}
