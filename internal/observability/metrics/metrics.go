package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "vod_worker"

// Byte directions.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// Recorder owns a dedicated registry so that a one-shot run pushes only the
// worker's own series.
type Recorder struct {
	registry      *prometheus.Registry
	jobs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	bytes         *prometheus.CounterVec
	activeJobs    prometheus.Gauge
	engineFailure prometheus.Counter
	ackFailures   prometheus.Counter
	renditions    prometheus.Counter
}

var defaultRecorder = New()

// New constructs a Recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs processed, by final outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each job stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"stage"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes transferred to and from object storage.",
		}, []string{"direction"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently claimed by this process.",
		}),
		engineFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Transcoding engine runs that failed.",
		}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_failures_total",
			Help:      "Published jobs whose acknowledgement failed and may be redelivered.",
		}),
		renditions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renditions_published_total",
			Help:      "Rendition playlists published.",
		}),
	}
	r.registry.MustRegister(
		r.jobs,
		r.stageDuration,
		r.bytes,
		r.activeJobs,
		r.engineFailure,
		r.ackFailures,
		r.renditions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry for tests and custom gatherers.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) JobStarted() {
	r.activeJobs.Inc()
}

// JobFinished counts the outcome and releases the active job gauge.
func (r *Recorder) JobFinished(outcome string) {
	r.jobs.WithLabelValues(normalizeName(outcome)).Inc()
	r.activeJobs.Dec()
}

// ObserveNoJob counts a claim that found the queue empty.
func (r *Recorder) ObserveNoJob() {
	r.jobs.WithLabelValues("no_job").Inc()
}

func (r *Recorder) ObserveStage(stage string, duration time.Duration) {
	r.stageDuration.WithLabelValues(normalizeName(stage)).Observe(duration.Seconds())
}

func (r *Recorder) AddBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	r.bytes.WithLabelValues(direction).Add(float64(n))
}

func (r *Recorder) EngineFailed() {
	r.engineFailure.Inc()
}

func (r *Recorder) AckFailed() {
	r.ackFailures.Inc()
}

func (r *Recorder) RenditionsPublished(n int) {
	r.renditions.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Push sends the current values to a Pushgateway. A one-shot worker exits
// before any scrape could reach it, so this is how its series get recorded.
func (r *Recorder) Push(ctx context.Context, gatewayURL, job string, grouping map[string]string) error {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil
	}
	if job == "" {
		job = namespace
	}
	pusher := push.New(gatewayURL, job).Gatherer(r.registry)
	for name, value := range grouping {
		if value != "" {
			pusher = pusher.Grouping(name, value)
		}
	}
	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

func normalizeName(name string) string {
	trimmed := strings.TrimSpace(strings.ToLower(name))
	if trimmed == "" {
		return "unknown"
	}
	return strings.ReplaceAll(trimmed, " ", "_")
}
