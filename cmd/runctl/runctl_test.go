package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"mlrun-admin/internal/apiserver/auth"
	"mlrun-admin/internal/config"
	"mlrun-admin/internal/dispatch"
	"mlrun-admin/internal/ingest"
	"mlrun-admin/internal/orchestrator"
	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/storage"
	"mlrun-admin/internal/shared/storage/dbutil"
	"mlrun-admin/internal/shared/storage/repository"
	"mlrun-admin/internal/tail"
)

// ============================================================================
// 测试夹具：真实编排器 + 内存对象存储 + 假下发器
// ============================================================================

type fixture struct {
	objects *objstore.MemStore
	fake    *dispatch.Fake
	session *session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger, err := repository.Open(string(dbutil.DriverSQLite), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	objects := objstore.NewMemStore()
	objects.PutString("ada/p1/artifacts/versions/v1/base/train.csv", "x,y\n")
	objects.PutString("ada/p1/artifacts/versions/v2/base/train.csv", "x,y\n")
	fake := dispatch.NewFake()
	logger := zap.NewNop()

	orch := orchestrator.New(orchestrator.Deps{
		Ledger:     ledger,
		Objects:    objects,
		Dispatcher: fake,
		Workers:    dispatch.StaticWorkers{Default: "gpu-1"},
		Ingestor:   ingest.New(ledger, objects, nil, ingest.Options{}, logger),
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

	return &fixture{
		objects: objects,
		fake:    fake,
		session: &session{
			Runs:    orch,
			Tailer:  tailer,
			Sweeper: orchestrator.NewSweeper(orch, time.Second, 2, 10, logger),
		},
	}
}

func (f *fixture) connect(context.Context, *config.Config, *zap.Logger) (*session, error) {
	return f.session, nil
}

type result struct {
	stdout string
	stderr string
	code   int
}

// run 执行一条命令；配置目录指向空的临时目录
func (f *fixture) run(t *testing.T, args ...string) result {
	t.Helper()
	code := 0
	prev := cli.OsExiter
	cli.OsExiter = func(c int) { code = c }
	t.Cleanup(func() { cli.OsExiter = prev })

	var stdout, stderr bytes.Buffer
	argv := append([]string{"runctl", "--config", t.TempDir()}, args...)
	if err := newApp(f.connect, &stdout, &stderr).Run(argv); err != nil && code == 0 {
		code = exitFailure
	}
	return result{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

func (f *fixture) start(t *testing.T) *model.Run {
	t.Helper()
	res := f.run(t, "start", "--owner", "ada", "--project", "p1", "--version", "v1", "--task", "unit", "-f", "json")
	require.Equal(t, 0, res.code, res.stderr)
	var r model.Run
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &r))
	return &r
}

func (f *fixture) complete(run *model.Run) {
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile), `{"accuracy":0.92,"success":true}`)
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.TestsFile),
		"name,category,severity,status,value,threshold\ntoxicity,safety,high,PASS,0.01,0.05\n")
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.LogsFile), "epoch 1\n[run] completed\n")
	f.fake.Complete(run.CommandHandle, dispatch.StatusSucceeded, "ok\n", "")
}

// ============================================================================
// 命令
// ============================================================================

func TestStart(t *testing.T) {
	f := newFixture(t)

	run := f.start(t)
	assert.Equal(t, model.RunStateRunning, run.State)
	assert.Equal(t, "gpu-1", run.WorkerRef)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"scoped without version", []string{"--owner", "ada", "--project", "p1", "--task", "unit"}, exitConflict},
		{"unknown version", []string{"--owner", "ada", "--project", "p1", "--version", "v9", "--task", "unit"}, exitNotFound},
		{"missing required flag", []string{"--owner", "ada", "--task", "unit"}, exitFailure},
		{"authority without version", []string{"--owner", "ada", "--project", "p1", "--task", "unit", "--authority"}, exitConflict},
		{"authority new version", []string{"--owner", "ada", "--project", "p1", "--version", "v9", "--task", "unit", "--authority"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.run(t, append([]string{"start", "-f", "json"}, tt.args...)...)
			assert.Equal(t, tt.code, res.code, res.stderr)
		})
	}
}

func TestStart_DispatchUnavailable(t *testing.T) {
	f := newFixture(t)
	f.fake.StartErr = apperr.DispatchUnavailable(nil, "worker offline")

	res := f.run(t, "start", "--owner", "ada", "--project", "p1", "--version", "v1", "--task", "unit")
	assert.Equal(t, exitUnavailable, res.code)
	assert.Contains(t, res.stderr, "dispatch_unavailable")
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)
	f.complete(run)

	res := f.run(t, "advance", "-f", "json", run.ID)
	require.Equal(t, 0, res.code, res.stderr)
	var advanced model.Run
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &advanced))
	assert.Equal(t, model.RunStateSucceeded, advanced.State)

	res = f.run(t, "results", "-f", "table", run.ID)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "KIND")
	assert.Contains(t, res.stdout, "accuracy")
	assert.Contains(t, res.stdout, "toxicity")
	assert.Contains(t, res.stdout, "PASS")

	res = f.run(t, "reingest", "-f", "yaml", run.ID)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "run_id: "+run.ID)

	res = f.run(t, "console", run.ID)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "ok\n")

	res = f.run(t, "list", "--owner", "ada", "-f", "table")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, run.ID)
	assert.Contains(t, res.stdout, "succeeded")
}

func TestReingest_RunningConflicts(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)

	res := f.run(t, "reingest", run.ID)
	assert.Equal(t, exitConflict, res.code)
}

func TestUnknownRun(t *testing.T) {
	f := newFixture(t)
	for _, cmd := range []string{"get", "advance", "results", "artifacts", "console"} {
		t.Run(cmd, func(t *testing.T) {
			res := f.run(t, cmd, "run-missing")
			assert.Equal(t, exitNotFound, res.code, res.stderr)
		})
	}
}

func TestMissingRunID(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "get")
	assert.Equal(t, exitUsage, res.code)
	assert.Contains(t, res.stderr, "run ID is required")
}

func TestInvalidFormat(t *testing.T) {
	f := newFixture(t)
	res := f.run(t, "list", "-f", "xml")
	assert.Equal(t, exitUsage, res.code)
}

func TestArtifacts(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)
	f.complete(run)

	res := f.run(t, "artifacts", "-f", "json", run.ID)
	require.Equal(t, 0, res.code, res.stderr)
	var items []model.ArtifactView
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &items))
	var names []string
	for _, it := range items {
		names = append(names, it.Name)
	}
	assert.Contains(t, names, keyspace.MetricsFile)
	assert.Contains(t, names, keyspace.LogsFile)
}

func TestVersions(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "versions", "-f", "json", "ada", "p1")
	require.Equal(t, 0, res.code, res.stderr)
	var vs []string
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &vs))
	assert.Equal(t, []string{"v1", "v2"}, vs)

	res = f.run(t, "versions", "--latest", "-f", "table", "ada", "p1")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "VERSION\nv2\n", res.stdout)

	res = f.run(t, "versions", "--latest", "ada", "empty")
	assert.Equal(t, exitNotFound, res.code)

	res = f.run(t, "versions", "ada")
	assert.Equal(t, exitUsage, res.code)
}

func TestTail(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)
	f.complete(run)

	res := f.run(t, "tail", run.ID)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "epoch 1\n[run] completed\n", res.stdout)
	assert.Contains(t, res.stderr, "run finished")

	res = f.run(t, "tail", "--json", run.ID)
	require.Equal(t, 0, res.code, res.stderr)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	var last tail.Event
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, tail.EventDone, last.Type)
}

func TestSweepOnce(t *testing.T) {
	f := newFixture(t)
	run := f.start(t)
	f.complete(run)

	res := f.run(t, "sweep", "--once", "-f", "json")
	require.Equal(t, 0, res.code, res.stderr)
	var stats map[string]int
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &stats))
	assert.Equal(t, 1, stats["active"])
	assert.Equal(t, 1, stats["finished"])
	assert.Equal(t, 0, stats["errors"])
}

func TestToken(t *testing.T) {
	f := newFixture(t)
	t.Setenv("JWT_SECRET", "")

	res := f.run(t, "token", "--secret", "s3cret", "--subject", "retrainer", "--authority", "--ttl", "1m")
	require.Equal(t, 0, res.code, res.stderr)

	claims, err := auth.ParseToken(auth.Config{JWTSecret: "s3cret"}, strings.TrimSpace(res.stdout))
	require.NoError(t, err)
	assert.Equal(t, "retrainer", claims.Subject)
	assert.True(t, claims.CallerOf().IsAuthority())

	res = f.run(t, "token")
	assert.Equal(t, exitUsage, res.code)
}

func TestWorker_RequiresRedis(t *testing.T) {
	f := newFixture(t)
	t.Setenv("REDIS_URL", "")
	res := f.run(t, "worker", "--ref", "gpu-1")
	assert.Equal(t, exitUsage, res.code)
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, exitNotFound, exitCodeOf(apperr.NotFound("run %s", "x")))
	assert.Equal(t, exitConflict, exitCodeOf(apperr.VersionRequired("need version")))
	assert.Equal(t, exitUsage, exitCodeOf(apperr.InvalidScope("bad scope")))
	assert.Equal(t, exitUnavailable, exitCodeOf(apperr.TransportTimeout(nil, "slow")))
	assert.Equal(t, exitConflict, exitCodeOf(storage.ErrConflict))
	assert.Equal(t, exitNotFound, exitCodeOf(storage.ErrNotFound))
	assert.Equal(t, exitFailure, exitCodeOf(assert.AnError))
}
