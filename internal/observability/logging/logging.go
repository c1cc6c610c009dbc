// Package logging builds the worker's structured loggers. Records logged with
// a context carry the run, job and trace identifiers found in it, so one
// run's lines can be joined with its spans and broker message.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Level  string
	Format string
	// Writer defaults to stdout.
	Writer io.Writer
}

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Init builds a logger and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a JSON (default) or text logger.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), FormatText) {
		base = slog.NewTextHandler(writer, opts)
	} else {
		base = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(contextHandler{Handler: base})
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags every record with the subsystem that wrote it.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type runKey struct{}

type jobKey struct{}

// ContextWithRunID stores the identifier of the current worker run.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return withID(ctx, runKey{}, id)
}

// ContextWithJobID stores the broker identifier of the claimed message.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	return withID(ctx, jobKey{}, id)
}

func withID(ctx context.Context, key any, id string) context.Context {
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func RunIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, runKey{})
}

func JobIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, jobKey{})
}

func idFrom(ctx context.Context, key any) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(key).(string)
	return id, ok && id != ""
}

// WithContext binds the run and job IDs in ctx to the logger, for code that
// logs without passing a context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := RunIDFromContext(ctx); ok {
		logger = logger.With("run_id", id)
	}
	if id, ok := JobIDFromContext(ctx); ok {
		logger = logger.With("job_id", id)
	}
	return logger
}

// contextHandler adds the active span's trace and span IDs to records logged
// with a context.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			record.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return h.Handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}
