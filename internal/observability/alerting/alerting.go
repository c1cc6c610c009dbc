// Package alerting reports conditions that need a human to Sentry.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
	// BeforeSend lets callers inspect or drop events.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Reporter sends alerts through its own Sentry hub. A Reporter built without a
// DSN drops everything.
type Reporter struct {
	hub *sentry.Hub
}

// New creates a Reporter.
func New(cfg Config) (*Reporter, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return &Reporter{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
		BeforeSend:       cfg.BeforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Enabled reports whether alerts leave the process.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Error captures err at error level with the given tags.
func (r *Reporter) Error(ctx context.Context, err error, tags map[string]string) {
	r.capture(ctx, sentry.LevelError, err, tags)
}

// Warning captures err at warning level with the given tags.
func (r *Reporter) Warning(ctx context.Context, err error, tags map[string]string) {
	r.capture(ctx, sentry.LevelWarning, err, tags)
}

func (r *Reporter) capture(_ context.Context, level sentry.Level, err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		for k, v := range tags {
			if v != "" {
				scope.SetTag(k, v)
			}
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
