package server

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlrun-admin/internal/apiserver/auth"
	"mlrun-admin/internal/orchestrator"
	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/tail"
)

// stubRuns 只实现 GetRun，其余返回 NotFound
type stubRuns struct{}

func (stubRuns) Start(context.Context, model.Caller, orchestrator.StartRequest) (*model.Run, error) {
	return nil, apperr.DispatchUnavailable(nil, "no workers")
}
func (stubRuns) Advance(_ context.Context, id string) (*model.Run, error) {
	return nil, apperr.NotFound("run %s", id)
}
func (stubRuns) Reingest(_ context.Context, id string) (*model.IngestSummary, error) {
	return nil, apperr.NotFound("run %s", id)
}
func (stubRuns) GetRun(_ context.Context, id string) (*model.Run, error) {
	if id == "run-1" {
		return &model.Run{ID: id, State: model.RunStateRunning}, nil
	}
	return nil, apperr.NotFound("run %s", id)
}
func (stubRuns) ListRuns(context.Context, model.RunFilter) ([]*model.Run, error) { return nil, nil }
func (stubRuns) Results(_ context.Context, id string) (*orchestrator.RunResults, error) {
	return nil, apperr.NotFound("run %s", id)
}
func (stubRuns) ListArtifacts(context.Context, string) ([]model.ArtifactView, error) {
	return []model.ArtifactView{}, nil
}
func (stubRuns) Console(context.Context, string) (string, error) { return "", nil }
func (stubRuns) ListVersions(context.Context, string, string) ([]string, error) {
	return []string{"v1"}, nil
}
func (stubRuns) LatestVersion(context.Context, string, string) (string, error) { return "v1", nil }

type stubTailer struct{}

func (stubTailer) TailLog(context.Context, string) iter.Seq2[tail.Event, error] {
	return func(yield func(tail.Event, error) bool) { yield(tail.Event{Type: tail.EventDone}, nil) }
}
func (stubTailer) TailMetrics(context.Context, string) iter.Seq2[tail.Event, error] {
	return func(yield func(tail.Event, error) bool) { yield(tail.Event{Type: tail.EventDone}, nil) }
}
func (stubTailer) GraphURLs(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func newTestHandler(t *testing.T, authCfg auth.Config, checks map[string]Pinger) (*Handler, *httptest.Server) {
	t.Helper()
	h := NewHandler(Deps{
		Runs:     stubRuns{},
		Tailer:   stubTailer{},
		Auth:     authCfg,
		Registry: prometheus.NewRegistry(),
		Checks:   checks,
	}, zap.NewNop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return h, srv
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/run-123", "/api/v1/runs/{id}"},
		{"/api/v1/runs/run-123/logs/stream", "/api/v1/runs/{id}/logs/stream"},
		{"/api/v1/projects/ada/p1/versions", "/api/v1/projects/{owner}/{project}/versions"},
		{"/api/v1/projects/ada/p1/versions/latest", "/api/v1/projects/{owner}/{project}/versions/latest"},
		{"/api/v2/runs/x", "/api/v2/runs/x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestHealth(t *testing.T) {
	_, srv := newTestHandler(t, auth.Config{}, map[string]Pinger{
		"ledger": PingFunc(func(context.Context) error { return nil }),
	})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, srv = newTestHandler(t, auth.Config{}, map[string]Pinger{
		"redis": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "connection refused")
}

func TestRouter_AuthAndMetrics(t *testing.T) {
	cfg := auth.Config{JWTSecret: "k", AccessTokenTTL: time.Minute}
	h, srv := newTestHandler(t, cfg, nil)

	resp, err := http.Get(srv.URL + "/api/v1/runs/run-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := auth.GenerateAccessToken(cfg, "ui", model.RoleScoped)
	require.NoError(t, err)
	for _, id := range []string{"run-1", "run-2"} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/runs/"+id, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	m := h.GetMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/runs/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/runs/{id}", "404")))

	// /metrics 免认证
	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "mlrun_api_http_requests_total")
}

func TestRouter_CORSPreflight(t *testing.T) {
	_, srv := newTestHandler(t, auth.Config{JWTSecret: "k"}, nil)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/runs", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRouter_SSEThroughMiddleware(t *testing.T) {
	_, srv := newTestHandler(t, auth.Config{}, nil)
	resp, err := http.Get(srv.URL + "/api/v1/runs/run-1/logs/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.HasPrefix(string(body), "event: done\n"))
}
