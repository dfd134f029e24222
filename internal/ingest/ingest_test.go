package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlrun-admin/internal/dispatch"
	"mlrun-admin/internal/shared/eventbus"
	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/storage"
	"mlrun-admin/internal/shared/storage/dbutil"
	"mlrun-admin/internal/shared/storage/repository"
)

const testPrefix = "ada/p1/artifacts/versions/v1/runs/run-1"

type recordingBus struct {
	eventbus.NoOpEventBus
	mu     sync.Mutex
	events []*eventbus.RunEvent
}

func (b *recordingBus) PublishRunEvent(ctx context.Context, runID string, event *eventbus.RunEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	ledger  *repository.Store
	objects *objstore.MemStore
	bus     *recordingBus
	ing     *Ingestor
	run     *model.Run
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger, err := repository.Open(string(dbutil.DriverSQLite), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	v := "v1"
	run := &model.Run{
		ID:              "run-1",
		Owner:           "ada",
		Project:         "p1",
		Version:         &v,
		Task:            "unit",
		State:           model.RunStateRunning,
		WorkerRef:       "gpu-1",
		CommandHandle:   "fake-1",
		ArtifactsPrefix: testPrefix,
		CreatedAt:       now,
		StartedAt:       &now,
		UpdatedAt:       now,
	}
	require.NoError(t, ledger.CreateRun(context.Background(), run))

	f := &fixture{ledger: ledger, objects: objstore.NewMemStore(), bus: &recordingBus{}, run: run}
	f.ing = New(ledger, f.objects, f.bus, Options{MaxReadBytes: 1 << 20, MaxReadLines: 10000}, zap.NewNop())
	return f
}

func (f *fixture) put(name, content string) {
	f.objects.PutString(keyspace.ArtifactKey(testPrefix, name), content)
}

// ============================================================================
// 解析
// ============================================================================

func TestParseTestsCSV(t *testing.T) {
	raw := "name,category,severity,result,value,threshold,metric\n" +
		"neg_sentiment,robustness,high,PASS,0.91,0.8,f1\n" +
		"typo_rate,robustness,low,fail,abc,0.5\n" +
		"broken,row,only,four\n" +
		"\n" +
		"ood_shift,generalization,medium,skip,,0.7,\n"

	cases, skipped := parseTestsCSV(raw)
	assert.Equal(t, 1, skipped)
	require.Len(t, cases, 3)

	assert.Equal(t, "neg_sentiment", cases[0].Name)
	assert.True(t, cases[0].Passed)
	assert.Equal(t, "f1", cases[0].Metric)
	require.NotNil(t, cases[0].Value)
	assert.InDelta(t, 0.91, *cases[0].Value, 1e-9)

	assert.False(t, cases[1].Passed)
	assert.False(t, cases[1].Skipped)
	assert.Nil(t, cases[1].Value)
	assert.Equal(t, "accuracy", cases[1].Metric)

	assert.True(t, cases[2].Skipped)
	assert.Nil(t, cases[2].Value)
	assert.Equal(t, "accuracy", cases[2].Metric)
}

func TestParseTestsCSV_ExtraFieldsIgnored(t *testing.T) {
	raw := "name,category,severity,result,value,threshold,metric\n" +
		"neg,rob,high,PASS,0.9,0.8,f1,\n" +
		"a,b,c,FAIL,1,2,,extra\n"
	cases, skipped := parseTestsCSV(raw)
	assert.Zero(t, skipped)
	require.Len(t, cases, 2)

	assert.Equal(t, "neg", cases[0].Name)
	assert.True(t, cases[0].Passed)
	assert.Equal(t, "f1", cases[0].Metric)
	require.NotNil(t, cases[0].Threshold)
	assert.InDelta(t, 0.8, *cases[0].Threshold, 1e-9)

	assert.False(t, cases[1].Passed)
	assert.Equal(t, "accuracy", cases[1].Metric)
}

func TestParseMetrics(t *testing.T) {
	rows := parseMetrics(`{"loss":0.3,"accuracy":0.92,"model":"bert","success":1,"nested":{"x":1}}`)
	require.Len(t, rows, 2)
	assert.Equal(t, "loss", rows[0].Name)
	assert.Equal(t, "accuracy", rows[1].Name)
	assert.InDelta(t, 0.92, rows[1].Value, 1e-9)

	assert.Empty(t, parseMetrics(`{not json`))
	assert.Empty(t, parseMetrics(`[1,2,3]`))
}

func TestDecideSuccess(t *testing.T) {
	absent := descriptor{}
	d := func(raw string) descriptor { return descriptor{present: true, raw: raw} }

	tests := []struct {
		name    string
		status  descriptor
		metrics descriptor
		remote  dispatch.Status
		want    bool
	}{
		{"status wins over metrics", d(`{"success":false}`), d(`{"success":true}`), dispatch.StatusSucceeded, false},
		{"status true over failed remote", d(`{"success":true,"timestamp":"2024-01-01T00:00:00Z"}`), absent, dispatch.StatusFailed, true},
		{"metrics bool", absent, d(`{"success":true,"accuracy":0.9}`), dispatch.StatusFailed, true},
		{"metrics number", absent, d(`{"success":0}`), dispatch.StatusSucceeded, false},
		{"neither descriptor", absent, absent, dispatch.StatusSucceeded, false},
		{"descriptor without flag follows remote", absent, d(`{"accuracy":0.9}`), dispatch.StatusSucceeded, true},
		{"status string flag ignored", d(`{"success":"yes"}`), absent, dispatch.StatusFailed, false},
		{"malformed status follows remote", d(`{oops`), absent, dispatch.StatusSucceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideSuccess(tt.status, tt.metrics, tt.remote))
		})
	}
}

// ============================================================================
// Ingest
// ============================================================================

func TestIngest_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(keyspace.StatusFile, `{"success":true,"timestamp":"2024-05-01T12:00:00Z"}`)
	f.put(keyspace.MetricsFile, `{"accuracy":0.92}`)
	f.put(keyspace.TestsFile, "name,category,severity,result,value,threshold\nt1,c,high,PASS,0.9,0.8\nbad,row\n")
	f.put(keyspace.LogsFile, "[run] completed\n")

	summary, err := f.ing.Ingest(ctx, f.run, dispatch.StatusSucceeded)
	require.NoError(t, err)
	assert.True(t, summary.Applied)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.MetricRows)
	assert.Equal(t, 1, summary.TestCaseRows)
	assert.Equal(t, 1, summary.SkippedRows)

	run, err := f.ledger.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStateSucceeded, run.State)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, model.MirrorSucceeded, run.MirrorStatus)

	metrics, err := f.ledger.ListMetrics(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "accuracy", metrics[0].Name)
	assert.InDelta(t, 0.92, metrics[0].Value, 1e-9)

	require.NotNil(t, summary.Mirror)
	assert.Equal(t, "ada/p1/artifacts/versions/v1/results/run-1", summary.Mirror.TargetPrefix)
	assert.ElementsMatch(t, []string{keyspace.StatusFile, keyspace.MetricsFile, keyspace.TestsFile, keyspace.LogsFile}, summary.Mirror.Copied)
	assert.ElementsMatch(t, []string{keyspace.ConfusionMatrixFile, keyspace.ManifestFile}, summary.Mirror.Missing)

	mirrored, err := f.objects.GetText(ctx, "ada/p1/artifacts/versions/v1/results/run-1/metrics.json")
	require.NoError(t, err)
	assert.Equal(t, `{"accuracy":0.92}`, mirrored)

	assert.Equal(t, []string{eventbus.EventRunFinished, eventbus.EventRunMirrored}, f.bus.types())
}

func TestIngest_SecondCallNotApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(keyspace.MetricsFile, `{"accuracy":0.92}`)

	first, err := f.ing.Ingest(ctx, f.run, dispatch.StatusSucceeded)
	require.NoError(t, err)
	require.True(t, first.Applied)
	before, err := f.ledger.GetRun(ctx, "run-1")
	require.NoError(t, err)

	f.put(keyspace.MetricsFile, `{"accuracy":0.10,"loss":2}`)
	second, err := f.ing.Ingest(ctx, f.run, dispatch.StatusFailed)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Nil(t, second.Mirror)

	after, err := f.ledger.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.FinishedAt, after.FinishedAt)

	metrics, err := f.ledger.ListMetrics(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
}

func TestIngest_NoArtifactsFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	summary, err := f.ing.Ingest(ctx, f.run, dispatch.StatusSucceeded)
	require.NoError(t, err)
	assert.True(t, summary.Applied)
	assert.False(t, summary.Success)
	assert.Equal(t, model.MirrorSkipped, summary.Mirror.Status)

	run, err := f.ledger.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, run.State)
}

func TestIngest_TransportErrorLeavesRunRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boom := errors.New("connection reset")
	f.objects.InjectError("exists", keyspace.ArtifactKey(testPrefix, keyspace.StatusFile), boom)

	_, err := f.ing.Ingest(ctx, f.run, dispatch.StatusSucceeded)
	assert.ErrorIs(t, err, boom)

	run, err := f.ledger.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, run.State)
	assert.Nil(t, run.FinishedAt)
	assert.Empty(t, f.bus.types())
}

func TestIngest_MirrorFailureIsRecordedOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(keyspace.MetricsFile, `{"accuracy":0.92,"success":true}`)
	f.put(keyspace.LogsFile, "done\n")
	f.objects.InjectError("copy", keyspace.ArtifactKey(testPrefix, keyspace.MetricsFile), errors.New("access denied"))

	summary, err := f.ing.Ingest(ctx, f.run, dispatch.StatusFailed)
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, model.MirrorFailed, summary.Mirror.Status)
	assert.Equal(t, []string{keyspace.MetricsFile}, summary.Mirror.Failed)
	assert.Equal(t, []string{keyspace.LogsFile}, summary.Mirror.Copied)

	run, err := f.ledger.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStateSucceeded, run.State)
	assert.Equal(t, model.MirrorFailed, run.MirrorStatus)
}

func TestIngest_MalformedArtifactsDegrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(keyspace.StatusFile, `{"success": tru`)
	f.put(keyspace.MetricsFile, `not json at all`)
	f.put(keyspace.TestsFile, "only-a-header\n")

	summary, err := f.ing.Ingest(ctx, f.run, dispatch.StatusFailed)
	require.NoError(t, err)
	assert.True(t, summary.Applied)
	assert.False(t, summary.Success)
	assert.Zero(t, summary.MetricRows)
	assert.Zero(t, summary.TestCaseRows)
}

func TestReingest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ing.Reingest(ctx, f.run)
	assert.ErrorIs(t, err, storage.ErrConflict)

	f.put(keyspace.MetricsFile, `{"accuracy":0.92}`)
	_, err = f.ing.Ingest(ctx, f.run, dispatch.StatusSucceeded)
	require.NoError(t, err)

	done, err := f.ledger.GetRun(ctx, "run-1")
	require.NoError(t, err)
	f.put(keyspace.MetricsFile, `{"accuracy":0.95,"f1":0.9}`)

	summary, err := f.ing.Reingest(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.MetricRows)
	assert.True(t, summary.Success)

	metrics, err := f.ledger.ListMetrics(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.InDelta(t, 0.95, metrics[0].Value, 1e-9)

	after, err := f.ledger.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, done.FinishedAt, after.FinishedAt)
	assert.Equal(t, model.RunStateSucceeded, after.State)
}
