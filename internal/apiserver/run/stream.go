package run

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mlrun-admin/internal/tail"
)

// ============================================================================
// Server-Sent Events
// ============================================================================

// StreamLogs 日志增量 SSE
// GET /api/v1/runs/{id}/logs/stream
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	h.streamSSE(w, r, h.tailer.TailLog(r.Context(), r.PathValue("id")))
}

// StreamMetrics 指标快照 SSE
// GET /api/v1/runs/{id}/metrics/stream
func (h *Handler) StreamMetrics(w http.ResponseWriter, r *http.Request) {
	h.streamSSE(w, r, h.tailer.TailMetrics(r.Context(), r.PathValue("id")))
}

// streamSSE 首个事件之前出错按普通 JSON 错误返回，之后以 error 事件结束流
func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, seq iter.Seq2[tail.Event, error]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	started := false
	for ev, err := range seq {
		if err != nil {
			if !started {
				h.writeError(w, r, err)
				return
			}
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			flusher.Flush()
			return
		}
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}

// ============================================================================
// WebSocket
// ============================================================================

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketLogs 以 WebSocket 推送日志增量，每条消息为一个 tail.Event
// GET /ws/runs/{id}/logs
func (h *Handler) WebSocketLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	// 升级前先确认 Run 存在，便于返回 404
	if _, err := h.svc.GetRun(r.Context(), runID); err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws.upgrade.failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	events := make(chan tail.Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		for ev, err := range h.tailer.TailLog(ctx, runID) {
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				select {
				case err := <-errs:
					if ctx.Err() == nil {
						msg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
					}
				default:
				}
				conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump 只处理控制帧；连接断开时取消跟踪
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
