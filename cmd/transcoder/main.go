// Command transcoder claims one VOD job, renders its HLS ladder with ffmpeg and
// publishes the result to object storage. The exit status reports the outcome
// so an orchestrator can decide whether to start another run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vod-worker/internal/config"
	"vod-worker/internal/jobsource"
	"vod-worker/internal/ledger"
	"vod-worker/internal/objectstore"
	"vod-worker/internal/observability/alerting"
	"vod-worker/internal/observability/logging"
	"vod-worker/internal/observability/metrics"
	"vod-worker/internal/observability/tracing"
	"vod-worker/internal/transcode"
	"vod-worker/internal/worker"
)

type options struct {
	envFile     string
	loop        bool
	logLevel    string
	logFormat   string
	scratchDir  string
	metricsAddr string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, output io.Writer) (options, error) {
	fs := flag.NewFlagSet("transcoder", flag.ContinueOnError)
	fs.SetOutput(output)
	var opts options
	fs.StringVar(&opts.envFile, "env-file", ".env", "optional file of KEY=VALUE pairs loaded before the environment is read")
	fs.BoolVar(&opts.loop, "loop", false, "keep claiming jobs until interrupted instead of exiting after one")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&opts.scratchDir, "scratch-dir", "", "directory for per-run input and output files")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics on this address while looping")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// applyFlags lets command-line values win over the environment.
func applyFlags(cfg *config.Config, opts options) {
	cfg.Log.Level = firstNonEmpty(opts.logLevel, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(opts.logFormat, cfg.Log.Format)
	cfg.Transcode.ScratchDir = firstNonEmpty(opts.scratchDir, cfg.Transcode.ScratchDir)
	if opts.loop {
		cfg.Loop = true
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return worker.ExitOK
		}
		return worker.ExitFatal
	}

	bootLogger := logging.New(logging.Config{Writer: stderr, Level: opts.logLevel, Format: opts.logFormat})
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		bootLogger.Error("failed to load env file", "path", opts.envFile, "error", err)
		return worker.ExitFatal
	}
	cfg, err := config.LoadFrom(getenv)
	if err != nil {
		bootLogger.Error("invalid configuration", "error", err)
		return worker.ExitFatal
	}
	applyFlags(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid configuration", "error", err)
		return worker.ExitFatal
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: stderr})

	alerts, err := alerting.New(alerting.Config{
		DSN:         cfg.Telemetry.SentryDSN,
		Environment: cfg.Telemetry.Environment,
		Release:     cfg.Telemetry.Release,
	})
	if err != nil {
		logger.Error("failed to configure alerting", "error", err)
		return worker.ExitFatal
	}
	defer alerts.Flush(2 * time.Second)

	traces, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Release:     cfg.Telemetry.Release,
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.OTLPInsecure,
		SampleRate:  cfg.Telemetry.TraceSampleRate,
	})
	if err != nil {
		logger.Error("failed to configure tracing", "error", err)
		return worker.ExitFatal
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := traces.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	recorder := metrics.Default()
	report := execute(ctx, cfg, opts, logger, recorder, alerts)

	pushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	grouping := map[string]string{"instance": report.RunID, "outcome": string(report.Outcome)}
	if err := recorder.Push(pushCtx, cfg.Telemetry.PushgatewayURL, cfg.Telemetry.MetricsJob, grouping); err != nil {
		logger.Warn("metrics push failed", "error", err)
	}
	return report.ExitCode()
}

// execute wires the collaborators and runs the worker. Any failure to connect
// a dependency is reported as a fatal outcome.
func execute(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger, recorder *metrics.Recorder, alerts *alerting.Reporter) worker.Report {
	fatal := func(msg string, err error) worker.Report {
		logger.Error(msg, "outcome", worker.OutcomeFatal, "acked", false, "error", err)
		alerts.Error(ctx, fmt.Errorf("%s: %w", msg, err), map[string]string{"outcome": string(worker.OutcomeFatal)})
		return worker.Report{Outcome: worker.OutcomeFatal, Err: err}
	}
	closeCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	}

	source, err := jobsource.Open(ctx, cfg.JobSource(), logging.WithComponent(logger, "jobsource"))
	if err != nil {
		return fatal("failed to connect job source", err)
	}
	defer func() {
		c, cancel := closeCtx()
		defer cancel()
		if err := source.Close(c); err != nil {
			logger.Warn("close job source", "error", err)
		}
	}()

	store, err := objectstore.New(ctx, cfg.ObjectStore(), logging.WithComponent(logger, "objectstore"))
	if err != nil {
		return fatal("failed to configure object storage", err)
	}

	attempts, err := ledger.Open(ctx, cfg.AttemptLedger(), logging.WithComponent(logger, "ledger"))
	if err != nil {
		return fatal("failed to open attempt ledger", err)
	}
	defer func() {
		c, cancel := closeCtx()
		defer cancel()
		if err := attempts.Close(c); err != nil {
			logger.Warn("close attempt ledger", "error", err)
		}
	}()

	engine := transcode.NewEngine(cfg.Transcode.Ladder, cfg.Transcode.FFmpegPath, cfg.Transcode.FFprobePath,
		logging.WithComponent(logger, "ffmpeg"))

	w, err := worker.New(worker.Config{
		ScratchDir:        cfg.Transcode.ScratchDir,
		MaxEngineFailures: cfg.Transcode.MaxEngineFailures,
		UploadConcurrency: cfg.Storage.UploadConcurrency,
	}, worker.Dependencies{
		Source:  source,
		Store:   store,
		Engine:  engine,
		Ledger:  attempts,
		Metrics: recorder,
		Alerts:  alerts,
		Logger:  logger,
	})
	if err != nil {
		return fatal("failed to configure worker", err)
	}

	if !cfg.Loop {
		return w.RunOnce(ctx)
	}
	if addr := strings.TrimSpace(opts.metricsAddr); addr != "" {
		srv := startMetricsServer(addr, recorder, logger)
		defer func() {
			c, cancel := closeCtx()
			defer cancel()
			if err := srv.Shutdown(c); err != nil {
				logger.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}
	logger.Info("worker looping", "interval", cfg.LoopInterval)
	return w.Run(ctx, cfg.LoopInterval)
}

func startMetricsServer(addr string, recorder *metrics.Recorder, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener stopped", "error", err)
		}
	}()
	return srv
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
