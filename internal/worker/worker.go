// Package worker runs the claim, download, verify, transcode, publish and
// acknowledge sequence for a single job.
//
// A job is acknowledged only after its master playlist is published, or when
// it is rejected because it can never succeed. Every transient failure leaves
// the job unacknowledged so the broker redelivers it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vod-worker/internal/jobsource"
	"vod-worker/internal/ledger"
	"vod-worker/internal/media"
	"vod-worker/internal/objectstore"
	"vod-worker/internal/observability/alerting"
	"vod-worker/internal/observability/logging"
	"vod-worker/internal/observability/metrics"
	"vod-worker/internal/observability/tracing"
	"vod-worker/internal/transcode"
)

// Store is the object storage the worker reads sources from and publishes to.
type Store interface {
	ResolveSourceKey(raw string) (string, error)
	Download(ctx context.Context, key, localPath string) (int64, error)
	UploadTree(ctx context.Context, localDir, remotePrefix string, opts ...objectstore.UploadOption) (objectstore.UploadReport, error)
	PublicURL(key string) string
}

// Transcoder renders a verified input into HLS renditions and a master playlist.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputDir string) (*transcode.Result, error)
}

type Config struct {
	// ScratchDir holds one <run id>/{input,output} tree per run.
	ScratchDir string
	// MaxEngineFailures rejects an input after this many engine failures.
	MaxEngineFailures int
	UploadConcurrency int
	// AckTimeout bounds the acknowledgement, which is sent even when the run
	// context has been cancelled after publishing.
	AckTimeout time.Duration
}

const (
	defaultMaxEngineFailures = 3
	defaultAckTimeout        = 30 * time.Second
)

// Dependencies are the collaborators of a Worker. Ledger, Metrics and Alerts
// are optional.
type Dependencies struct {
	Source  jobsource.Source
	Store   Store
	Engine  Transcoder
	Ledger  ledger.Ledger
	Metrics *metrics.Recorder
	Alerts  *alerting.Reporter
	Logger  *slog.Logger
}

type Worker struct {
	cfg      Config
	source   jobsource.Source
	store    Store
	engine   Transcoder
	ledger   ledger.Ledger
	metrics  *metrics.Recorder
	alerts   *alerting.Reporter
	logger   *slog.Logger
	newRunID func() string
}

// New validates the dependencies and applies defaults.
func New(cfg Config, deps Dependencies) (*Worker, error) {
	if deps.Source == nil {
		return nil, errors.New("job source is required")
	}
	if deps.Store == nil {
		return nil, errors.New("object store is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("transcoder is required")
	}
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		return nil, errors.New("scratch dir is required")
	}
	if cfg.MaxEngineFailures <= 0 {
		cfg.MaxEngineFailures = defaultMaxEngineFailures
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	w := &Worker{
		cfg:      cfg,
		source:   deps.Source,
		store:    deps.Store,
		engine:   deps.Engine,
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		alerts:   deps.Alerts,
		logger:   deps.Logger,
		newRunID: uuid.NewString,
	}
	if w.ledger == nil {
		w.ledger = ledger.NewMemory()
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = logging.WithComponent(w.logger, "worker")
	return w, nil
}

// run carries the state of one job through the stages.
type run struct {
	report  Report
	job     *jobsource.Job
	logger  *slog.Logger
	span    trace.Span
	scratch string
	input   string
	output  string
	fp      ledger.Fingerprint
}

// RunOnce claims at most one job and takes it to a terminal outcome.
func (w *Worker) RunOnce(ctx context.Context) Report {
	runID := w.newRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	r := &run{report: Report{RunID: runID, State: StateClaiming}}
	r.logger = logging.WithContext(ctx, w.logger)

	job, err := w.source.Claim(ctx)
	if err != nil {
		r.report.Outcome = OutcomeFatal
		r.report.Err = fmt.Errorf("claim job: %w", err)
		r.logger.Error("claim failed", "outcome", r.report.Outcome, "acked", false, "error", err)
		return r.report
	}
	if job == nil {
		w.metrics.ObserveNoJob()
		r.report.Outcome = OutcomeNoJob
		r.logger.Info("no job available", "outcome", r.report.Outcome)
		return r.report
	}

	r.job = job
	r.report.JobID = job.ID
	ctx = logging.ContextWithJobID(ctx, job.ID)
	r.logger = logging.WithContext(ctx, w.logger)
	ctx = tracing.Extract(ctx, job.Headers)
	ctx, r.span = tracing.Tracer().Start(ctx, "transcode_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.deliveries", job.Deliveries),
		attribute.String("run.id", runID),
	))
	w.metrics.JobStarted()
	r.logger.InfoContext(ctx, "job claimed", "deliveries", job.Deliveries)

	w.process(ctx, r)

	if r.scratch != "" {
		if err := os.RemoveAll(r.scratch); err != nil {
			r.logger.Warn("remove scratch dir", "path", r.scratch, "error", err)
		}
	}
	w.metrics.JobFinished(string(r.report.Outcome))
	r.span.SetAttributes(
		attribute.String("job.outcome", string(r.report.Outcome)),
		attribute.Bool("job.acked", r.report.Acked),
	)
	if r.report.Err != nil {
		r.span.RecordError(r.report.Err)
		if r.report.Outcome != OutcomeDone {
			r.span.SetStatus(codes.Error, r.report.Err.Error())
		}
	}
	r.span.End()
	w.logOutcome(ctx, r)
	return r.report
}

func (w *Worker) process(ctx context.Context, r *run) {
	job := r.job
	if job.DecodeErr != nil {
		w.reject(ctx, r, job.DecodeErr)
		return
	}
	sourceKey, err := w.store.ResolveSourceKey(job.Payload.Key)
	if err != nil {
		w.reject(ctx, r, fmt.Errorf("%w: %v", jobsource.ErrMalformedPayload, err))
		return
	}
	r.report.SourceKey = sourceKey
	prefix, err := objectstore.OutputPrefix(sourceKey)
	if err != nil {
		w.reject(ctx, r, fmt.Errorf("%w: %v", jobsource.ErrMalformedPayload, err))
		return
	}
	r.report.OutputPrefix = prefix
	r.report.MasterKey = objectstore.JoinKey(prefix, transcode.MasterPlaylistName)
	r.span.SetAttributes(attribute.String("source.key", sourceKey), attribute.String("output.prefix", prefix))

	if err := w.prepareScratch(r, sourceKey); err != nil {
		w.abandon(ctx, r, err)
		return
	}

	r.report.State = StateDownloading
	err = w.stage(ctx, StateDownloading, func(ctx context.Context) error {
		n, err := w.store.Download(ctx, sourceKey, r.input)
		w.metrics.AddBytes(metrics.DirectionDownload, n)
		if err != nil {
			return err
		}
		r.fp, err = ledger.FingerprintFile(sourceKey, r.input)
		if err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "source downloaded", "key", sourceKey, "bytes", n, "digest", r.fp.Digest)
		return nil
	})
	if err != nil {
		w.abandon(ctx, r, err)
		return
	}

	r.report.State = StateVerifying
	err = w.stage(ctx, StateVerifying, func(ctx context.Context) error {
		sig, err := media.Verify(r.input)
		if err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "source verified", "mime", sig.MIME)
		return nil
	})
	if errors.Is(err, media.ErrUnsupportedSignature) {
		w.reject(ctx, r, err)
		return
	}
	if err != nil {
		w.abandon(ctx, r, err)
		return
	}

	if failures := w.priorFailures(ctx, r); failures >= w.cfg.MaxEngineFailures {
		r.report.Failures = failures
		w.rejectPoison(ctx, r, fmt.Errorf("%w: input already failed %d times", transcode.ErrEngineFailure, failures))
		return
	}

	r.report.State = StateTranscoding
	var result *transcode.Result
	err = w.stage(ctx, StateTranscoding, func(ctx context.Context) error {
		var err error
		result, err = w.engine.Transcode(ctx, r.input, r.output)
		return err
	})
	if err != nil {
		w.engineFailed(ctx, r, err)
		return
	}
	r.report.Renditions = len(result.Outputs)

	r.report.State = StatePublishing
	err = w.stage(ctx, StatePublishing, func(ctx context.Context) error {
		uploaded, err := w.store.UploadTree(ctx, r.output, prefix,
			objectstore.UploadLast(transcode.MasterPlaylistName),
			objectstore.WithConcurrency(w.cfg.UploadConcurrency),
		)
		w.metrics.AddBytes(metrics.DirectionUpload, uploaded.Bytes)
		if err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "renditions published", "prefix", prefix, "objects", len(uploaded.Keys), "bytes", uploaded.Bytes)
		return nil
	})
	if err != nil {
		w.abandon(ctx, r, err)
		return
	}
	w.metrics.RenditionsPublished(r.report.Renditions)
	r.report.PlaybackURL = w.store.PublicURL(r.report.MasterKey)

	r.report.State = StateAcknowledging
	if err := w.ack(ctx, r); err != nil {
		return
	}
	if err := w.ledger.Resolve(context.WithoutCancel(ctx), r.fp, ledger.OutcomePublished); err != nil {
		r.logger.Warn("record published outcome", "error", err)
	}
	r.report.Outcome = OutcomeDone
}

func (w *Worker) prepareScratch(r *run, sourceKey string) error {
	r.scratch = filepath.Join(w.cfg.ScratchDir, r.report.RunID)
	inputDir := filepath.Join(r.scratch, "input")
	r.output = filepath.Join(r.scratch, "output")
	for _, dir := range []string{inputDir, r.output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
	}
	r.input = filepath.Join(inputDir, "source"+strings.ToLower(path.Ext(sourceKey)))
	return nil
}

// stage runs fn inside a span and records its duration.
func (w *Worker) stage(ctx context.Context, state State, fn func(ctx context.Context) error) error {
	ctx, span := tracing.Tracer().Start(ctx, string(state))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	w.metrics.ObserveStage(string(state), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// priorFailures returns the engine failures the ledger holds for the input.
// Broker redeliveries are not counted here: a job abandoned for a storage
// outage or a crash comes back with a higher delivery count without the
// engine ever having failed on it.
func (w *Worker) priorFailures(ctx context.Context, r *run) int {
	rec, err := w.ledger.Get(ctx, r.fp)
	if err != nil {
		r.logger.Warn("read attempt ledger", "error", err)
		return 0
	}
	return rec.Failures
}

func (w *Worker) engineFailed(ctx context.Context, r *run, err error) {
	if ctx.Err() != nil {
		w.abandon(ctx, r, fmt.Errorf("transcoding interrupted: %w", err))
		return
	}
	w.metrics.EngineFailed()
	rec, lerr := w.ledger.RecordFailure(context.WithoutCancel(ctx), r.fp, err.Error())
	failures := rec.Failures
	if lerr != nil {
		// Without a ledger the delivery count is the only bound left, and
		// it is only trusted once the engine has failed in this run.
		r.logger.Warn("record engine failure", "error", lerr)
		failures = max(r.job.Deliveries, 1)
	}
	r.report.Failures = failures
	if failures >= w.cfg.MaxEngineFailures {
		w.rejectPoison(ctx, r, fmt.Errorf("%w (after %d failures)", err, failures))
		return
	}
	w.abandon(ctx, r, err)
}

func (w *Worker) rejectPoison(ctx context.Context, r *run, err error) {
	if lerr := w.ledger.Resolve(context.WithoutCancel(ctx), r.fp, ledger.OutcomeRejected); lerr != nil {
		r.logger.Warn("record rejected outcome", "error", lerr)
	}
	w.alerts.Warning(ctx, err, w.alertTags(r, OutcomeRejected))
	w.reject(ctx, r, err)
}

// reject acknowledges a job that can never succeed.
func (w *Worker) reject(ctx context.Context, r *run, cause error) {
	r.report.Err = cause
	if err := w.ack(ctx, r); err != nil {
		return
	}
	r.report.Outcome = OutcomeRejected
}

// abandon leaves the job unacknowledged and hands it back to the broker.
func (w *Worker) abandon(ctx context.Context, r *run, cause error) {
	r.report.Outcome = OutcomeAbandoned
	r.report.Err = cause
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.AckTimeout)
	defer cancel()
	if err := r.job.Release(releaseCtx); err != nil {
		r.logger.WarnContext(ctx, "release abandoned job", "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, r *run) error {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.AckTimeout)
	defer cancel()
	err := w.stage(ackCtx, StateAcknowledging, r.job.Ack)
	if err == nil {
		r.report.Acked = true
		return nil
	}
	w.metrics.AckFailed()
	ackErr := fmt.Errorf("%w: %v", ErrAckFailed, err)
	if r.report.Err != nil {
		ackErr = fmt.Errorf("%w (after %v)", ackErr, r.report.Err)
	}
	r.report.Outcome = OutcomeAckFailure
	r.report.Err = ackErr
	r.logger.ErrorContext(ctx, "acknowledgement failed; job will be redelivered and repeated",
		"state", r.report.State, "error", err)
	w.alerts.Error(ctx, ackErr, w.alertTags(r, OutcomeAckFailure))
	return ackErr
}

func (w *Worker) alertTags(r *run, outcome Outcome) map[string]string {
	return map[string]string{
		"outcome":    string(outcome),
		"run_id":     r.report.RunID,
		"job_id":     r.report.JobID,
		"source_key": r.report.SourceKey,
		"state":      string(r.report.State),
	}
}

func (w *Worker) logOutcome(ctx context.Context, r *run) {
	rep := r.report
	attrs := []any{
		"outcome", rep.Outcome,
		"acked", rep.Acked,
		"state", rep.State,
		"exit_code", rep.ExitCode(),
	}
	if rep.SourceKey != "" {
		attrs = append(attrs, "source_key", rep.SourceKey)
	}
	if rep.Err != nil {
		attrs = append(attrs, "error", rep.Err)
	}
	level := slog.LevelError
	switch rep.Outcome {
	case OutcomeDone:
		level = slog.LevelInfo
		attrs = append(attrs, "master", rep.MasterKey, "renditions", rep.Renditions)
		if rep.PlaybackURL != "" {
			attrs = append(attrs, "playback_url", rep.PlaybackURL)
		}
	case OutcomeAbandoned, OutcomeRejected:
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "job finished", attrs...)
}

// Run calls RunOnce until ctx is done, sleeping interval whenever the queue is
// empty. It returns early on a fatal outcome or a failed acknowledgement.
func (w *Worker) Run(ctx context.Context, interval time.Duration) Report {
	last := Report{Outcome: OutcomeNoJob}
	for {
		if ctx.Err() != nil {
			return last
		}
		report := w.RunOnce(ctx)
		switch report.Outcome {
		case OutcomeFatal, OutcomeAckFailure:
			if ctx.Err() != nil {
				return last
			}
			return report
		case OutcomeNoJob:
			select {
			case <-ctx.Done():
				return last
			case <-time.After(interval):
			}
		default:
			last = report
		}
	}
}
