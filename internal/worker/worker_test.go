package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vod-worker/internal/jobsource"
	"vod-worker/internal/ledger"
	"vod-worker/internal/objectstore"
	"vod-worker/internal/observability/logging"
	"vod-worker/internal/observability/metrics"
	"vod-worker/internal/testsupport/s3stub"
	"vod-worker/internal/transcode"
)

const (
	bucket    = "media"
	sourceKey = "private/users/u1/v1/tempVideo.mp4"
)

var (
	mp4Bytes  = append([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00}, []byte("isomiso2avc1mp41movie")...)
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, make([]byte, 32)...)
)

// fakeEngine writes a plausible HLS tree without running ffmpeg.
type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	inputs []string
	err    error
	before func()
}

func (f *fakeEngine) Transcode(_ context.Context, inputPath, outputDir string) (*transcode.Result, error) {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, inputPath)
	err := f.err
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before()
	}
	if err != nil {
		return nil, err
	}
	ladder := transcode.DefaultLadder()
	outputs := make([]transcode.Output, 0, len(ladder.Renditions))
	for _, r := range ladder.Renditions {
		playlist := transcode.PlaylistName(r.Label)
		if err := os.WriteFile(filepath.Join(outputDir, playlist), []byte("#EXTM3U\n"), 0o644); err != nil {
			return nil, err
		}
		segment := r.Label + "_video_000.ts"
		if err := os.WriteFile(filepath.Join(outputDir, segment), []byte("segment"), 0o644); err != nil {
			return nil, err
		}
		outputs = append(outputs, transcode.Output{Rendition: r, Playlist: playlist})
	}
	master := filepath.Join(outputDir, transcode.MasterPlaylistName)
	if err := os.WriteFile(master, []byte(transcode.BuildMaster(ladder, outputs)), 0o644); err != nil {
		return nil, err
	}
	return &transcode.Result{OutputDir: outputDir, Master: master, Outputs: outputs}, nil
}

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	worker  *Worker
	queue   *jobsource.Memory
	s3      *s3stub.Server
	engine  *fakeEngine
	ledger  ledger.Ledger
	metrics *metrics.Recorder
	scratch string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	server := s3stub.Start(bucket)
	t.Cleanup(server.Close)

	store, err := objectstore.New(context.Background(), objectstore.Config{
		Endpoint:       server.URL(),
		Region:         "us-east-1",
		AccessKey:      "AKIAEXAMPLE",
		SecretKey:      "secretKeyExample",
		Bucket:         bucket,
		UsePathStyle:   true,
		PublicEndpoint: "https://cdn.example.com/media",
		RequestTimeout: 5 * time.Second,
	}, logging.Discard())
	require.NoError(t, err)

	h := &harness{
		queue:   jobsource.NewMemory(),
		s3:      server,
		engine:  &fakeEngine{},
		ledger:  ledger.NewMemory(),
		metrics: metrics.New(),
		scratch: t.TempDir(),
	}
	cfg := Config{ScratchDir: h.scratch, MaxEngineFailures: 3, UploadConcurrency: 2, AckTimeout: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	h.worker, err = New(cfg, Dependencies{
		Source:  h.queue,
		Store:   store,
		Engine:  h.engine,
		Ledger:  h.ledger,
		Metrics: h.metrics,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) enqueue(key string) string {
	return h.queue.Enqueue([]byte(fmt.Sprintf(`{"Key":%q}`, key)), nil)
}

func (h *harness) scratchEntries(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	require.NoError(t, err)
	return entries
}

func TestRunOncePublishesAndAcknowledges(t *testing.T) {
	h := newHarness(t, nil)
	h.s3.Put(bucket, sourceKey, mp4Bytes)
	id := h.enqueue(sourceKey)

	report := h.worker.RunOnce(context.Background())

	require.NoError(t, report.Err)
	assert.Equal(t, OutcomeDone, report.Outcome)
	assert.Equal(t, ExitOK, report.ExitCode())
	assert.True(t, report.Acked)
	assert.Equal(t, id, report.JobID)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, sourceKey, report.SourceKey)
	assert.Equal(t, "users/u1/v1", report.OutputPrefix)
	assert.Equal(t, "users/u1/v1/master_video.m3u8", report.MasterKey)
	assert.Equal(t, "https://cdn.example.com/media/users/u1/v1/master_video.m3u8", report.PlaybackURL)
	assert.Equal(t, 4, report.Renditions)

	assert.Equal(t, []string{id}, h.queue.Acked())
	assert.Zero(t, h.queue.InFlight())

	keys := h.s3.Keys(bucket, "users/u1/v1/")
	assert.Len(t, keys, 9)
	master, ok := h.s3.Get(bucket, "users/u1/v1/master_video.m3u8")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(master), "#EXTM3U"))
	for _, label := range []string{"360p", "480p", "720p", "1080p"} {
		assert.Contains(t, string(master), label+"_video.m3u8")
	}

	order := h.s3.PutOrder()
	require.NotEmpty(t, order)
	assert.Equal(t, "users/u1/v1/master_video.m3u8", order[len(order)-1])

	assert.Empty(t, h.scratchEntries(t))
	assertJobsCounted(t, h.metrics, "done")
}

func assertJobsCounted(t *testing.T, rec *metrics.Recorder, outcome string) {
	t.Helper()
	expected := fmt.Sprintf(`
# HELP vod_worker_jobs_total Jobs processed, by final outcome.
# TYPE vod_worker_jobs_total counter
vod_worker_jobs_total{outcome=%q} 1
`, outcome)
	require.NoError(t, testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected), "vod_worker_jobs_total"))
}

func TestRunOnceEmptyQueue(t *testing.T) {
	h := newHarness(t, nil)

	report := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeNoJob, report.Outcome)
	assert.Equal(t, ExitOK, report.ExitCode())
	assert.False(t, report.Acked)
	assert.Empty(t, report.JobID)
	assert.Zero(t, h.engine.Calls())
	assertJobsCounted(t, h.metrics, "no_job")
}

func TestRunOnceQueueUnavailableIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.ClaimErr = errors.New("connection refused")

	report := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeFatal, report.Outcome)
	assert.Equal(t, ExitFatal, report.ExitCode())
	assert.ErrorIs(t, report.Err, jobsource.ErrQueueUnavailable)
}

func TestRunOnceRejectsNonMP4Source(t *testing.T) {
	h := newHarness(t, nil)
	h.s3.Put(bucket, "private/users/u1/v2/photo.mp4", jpegBytes)
	id := h.enqueue("private/users/u1/v2/photo.mp4")

	report := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeRejected, report.Outcome)
	assert.Equal(t, ExitRejected, report.ExitCode())
	assert.True(t, report.Acked)
	assert.Equal(t, StateVerifying, report.State)
	assert.Equal(t, []string{id}, h.queue.Acked())
	assert.Zero(t, h.engine.Calls())
	assert.Empty(t, h.s3.Keys(bucket, "users/"))
	assert.Empty(t, h.scratchEntries(t))
	assertJobsCounted(t, h.metrics, "rejected")
}

func TestRunOnceRejectsMalformedPayload(t *testing.T) {
	cases := map[string][]byte{
		"not json":    []byte("{not json"),
		"missing key": []byte(`{"Other":"x"}`),
		"no prefix":   []byte(`{"Key":"private/tempVideo.mp4"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			id := h.queue.Enqueue(body, nil)

			report := h.worker.RunOnce(context.Background())

			assert.Equal(t, OutcomeRejected, report.Outcome)
			assert.True(t, report.Acked)
			assert.ErrorIs(t, report.Err, jobsource.ErrMalformedPayload)
			assert.Equal(t, []string{id}, h.queue.Acked())
			assert.Zero(t, h.engine.Calls())
		})
	}
}

func TestRunOnceAbandonsWhenSourceMissing(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(sourceKey)

	report := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.Equal(t, ExitAbandoned, report.ExitCode())
	assert.False(t, report.Acked)
	assert.Equal(t, StateDownloading, report.State)
	assert.ErrorIs(t, report.Err, objectstore.ErrObjectNotFound)
	assert.Empty(t, h.queue.Acked())
	assert.Equal(t, 1, h.queue.InFlight())
	assert.Len(t, h.queue.Released(), 1, "abandoned job is handed back to the broker")
	assert.Zero(t, h.engine.Calls())
	assert.Empty(t, h.s3.Keys(bucket, "users/"))
	assert.Empty(t, h.scratchEntries(t))
}

func TestRunOnceAbandonsOnPartialUpload(t *testing.T) {
	h := newHarness(t, nil)
	h.s3.Put(bucket, sourceKey, mp4Bytes)
	h.s3.FailPut("users/u1/v1/720p_video.m3u8")
	h.enqueue(sourceKey)

	report := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.Equal(t, StatePublishing, report.State)
	assert.ErrorIs(t, report.Err, objectstore.ErrPartialUpload)
	assert.False(t, report.Acked)
	_, published := h.s3.Get(bucket, "users/u1/v1/master_video.m3u8")
	assert.False(t, published, "master must not be published after a failed upload")
}

func TestRunOnceRejectsAfterRepeatedEngineFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.s3.Put(bucket, sourceKey, mp4Bytes)
	h.engine.err = fmt.Errorf("%w: exit status 1", transcode.ErrEngineFailure)
	id := h.enqueue(sourceKey)

	for attempt := 1; attempt <= 2; attempt++ {
		report := h.worker.RunOnce(context.Background())
		require.Equal(t, OutcomeAbandoned, report.Outcome, "attempt %d", attempt)
		assert.Equal(t, attempt, report.Failures)
		assert.ErrorIs(t, report.Err, transcode.ErrEngineFailure)
		require.Equal(t, 1, h.queue.Redeliver())
	}

	report := h.worker.RunOnce(context.Background())
	assert.Equal(t, OutcomeRejected, report.Outcome)
	assert.Equal(t, 3, report.Failures)
	assert.True(t, report.Acked)
	assert.Equal(t, []string{id}, h.queue.Acked())
	assert.Equal(t, 3, h.engine.Calls())

	// A fresh message for the same bytes is rejected without running the engine.
	h.enqueue(sourceKey)
	report = h.worker.RunOnce(context.Background())
	assert.Equal(t, OutcomeRejected, report.Outcome)
	assert.Equal(t, 3, h.engine.Calls())
}

// unavailableLedger fails every read and write.
type unavailableLedger struct {
	ledger.Ledger
}

var errLedgerDown = errors.New("ledger down")

func (unavailableLedger) Get(context.Context, ledger.Fingerprint) (ledger.Record, error) {
	return ledger.Record{}, errLedgerDown
}

func (unavailableLedger) RecordFailure(context.Context, ledger.Fingerprint, string) (ledger.Record, error) {
	return ledger.Record{}, errLedgerDown
}

func (unavailableLedger) Resolve(context.Context, ledger.Fingerprint, string) error {
	return errLedgerDown
}

func TestRunOnceFallsBackToDeliveryCountWithoutLedger(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxEngineFailures = 2 })
	h.worker.ledger = unavailableLedger{Ledger: ledger.NewMemory()}
	h.s3.Put(bucket, sourceKey, mp4Bytes)
	h.enqueue(sourceKey)
	h.engine.err = transcode.ErrEngineFailure

	report := h.worker.RunOnce(context.Background())
	require.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.Equal(t, 1, report.Failures)
	require.Equal(t, 1, h.queue.Redeliver())

	report = h.worker.RunOnce(context.Background())
	assert.Equal(t, OutcomeRejected, report.Outcome)
	assert.Equal(t, 2, report.Failures)
	assert.Equal(t, 2, h.engine.Calls(), "the engine runs before the delivery count is trusted")
}

func TestRunOnceRecoversAfterStorageOutage(t *testing.T) {
	h := newHarness(t, nil)
	id := h.enqueue(sourceKey)

	for attempt := 1; attempt <= 4; attempt++ {
		report := h.worker.RunOnce(context.Background())
		require.Equal(t, OutcomeAbandoned, report.Outcome, "attempt %d", attempt)
		assert.ErrorIs(t, report.Err, objectstore.ErrObjectNotFound)
		assert.Zero(t, report.Failures)
		require.Equal(t, 1, h.queue.Redeliver())
	}

	h.s3.Put(bucket, sourceKey, mp4Bytes)
	report := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeDone, report.Outcome, "redeliveries after storage failures are not engine failures")
	assert.True(t, report.Acked)
	assert.Equal(t, 1, h.engine.Calls())
	assert.Equal(t, []string{id}, h.queue.Acked())
}

func TestRunOnceSuccessClearsFailureCount(t *testing.T) {
	h := newHarness(t, nil)
	h.s3.Put(bucket, sourceKey, mp4Bytes)
	h.engine.err = transcode.ErrEngineFailure
	h.enqueue(sourceKey)

	report := h.worker.RunOnce(context.Background())
	require.Equal(t, OutcomeAbandoned, report.Outcome)
	require.Equal(t, 1, h.queue.Redeliver())

	h.engine.err = nil
	report = h.worker.RunOnce(context.Background())
	require.Equal(t, OutcomeDone, report.Outcome)

	fp, err := ledger.FingerprintFile(sourceKey, writeTemp(t, mp4Bytes))
	require.NoError(t, err)
	rec, err := h.ledger.Get(context.Background(), fp)
	require.NoError(t, err)
	assert.Zero(t, rec.Failures)
	assert.Equal(t, ledger.OutcomePublished, rec.LastOutcome)
}

func TestRunOnceAckFailureAfterPublish(t *testing.T) {
	h := newHarness(t, nil)
	h.s3.Put(bucket, sourceKey, mp4Bytes)
	h.queue.AckErr = errors.New("channel closed")
	h.enqueue(sourceKey)

	report := h.worker.RunOnce(context.Background())

	assert.Equal(t, OutcomeAckFailure, report.Outcome)
	assert.Equal(t, ExitAckFailure, report.ExitCode())
	assert.False(t, report.Acked)
	assert.ErrorIs(t, report.Err, ErrAckFailed)
	_, published := h.s3.Get(bucket, "users/u1/v1/master_video.m3u8")
	assert.True(t, published)
	require.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(`
# HELP vod_worker_ack_failures_total Published jobs whose acknowledgement failed and may be redelivered.
# TYPE vod_worker_ack_failures_total counter
vod_worker_ack_failures_total 1
`), "vod_worker_ack_failures_total"))
}

func TestRunOnceCancelledDuringTranscodeIsNotCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.s3.Put(bucket, sourceKey, mp4Bytes)
	h.enqueue(sourceKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.err = fmt.Errorf("%w: signal: killed", transcode.ErrEngineFailure)
	h.engine.before = cancel

	report := h.worker.RunOnce(ctx)

	assert.Equal(t, OutcomeAbandoned, report.Outcome)
	assert.False(t, report.Acked)
	assert.Zero(t, report.Failures)

	fp, err := ledger.FingerprintFile(sourceKey, writeTemp(t, mp4Bytes))
	require.NoError(t, err)
	rec, err := h.ledger.Get(context.Background(), fp)
	require.NoError(t, err)
	assert.Zero(t, rec.Failures)
	assert.Empty(t, h.scratchEntries(t))
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	h := newHarness(t, nil)
	for i := 1; i <= 3; i++ {
		key := fmt.Sprintf("private/users/u1/v%d/tempVideo.mp4", i)
		h.s3.Put(bucket, key, mp4Bytes)
		h.enqueue(key)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Report, 1)
	go func() { done <- h.worker.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(h.queue.Acked()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case report := <-done:
		assert.Equal(t, OutcomeDone, report.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	for i := 1; i <= 3; i++ {
		_, ok := h.s3.Get(bucket, fmt.Sprintf("users/u1/v%d/master_video.m3u8", i))
		assert.True(t, ok)
	}
}

func TestRunStopsOnFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.ClaimErr = errors.New("connection refused")

	report := h.worker.Run(context.Background(), time.Millisecond)

	assert.Equal(t, OutcomeFatal, report.Outcome)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{ScratchDir: t.TempDir()}, Dependencies{})
	assert.Error(t, err)

	_, err = New(Config{}, Dependencies{
		Source: jobsource.NewMemory(),
		Store:  &objectstore.Client{},
		Engine: &fakeEngine{},
	})
	assert.Error(t, err)
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}
