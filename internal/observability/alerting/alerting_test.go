package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporterCapturesTaggedEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	reporter, err := New(Config{
		DSN:         "https://public@sentry.example.com/1",
		Environment: "test",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	require.True(t, reporter.Enabled())

	reporter.Error(context.Background(), errors.New("ack failed after publish"), map[string]string{
		"outcome": "ack_failure",
		"job_id":  "1700000000000-0",
		"empty":   "",
	})
	reporter.Warning(context.Background(), nil, nil)
	reporter.Flush(time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, sentry.LevelError, events[0].Level)
	assert.Equal(t, "ack_failure", events[0].Tags["outcome"])
	assert.Equal(t, "1700000000000-0", events[0].Tags["job_id"])
	assert.NotContains(t, events[0].Tags, "empty")
	assert.Equal(t, "test", events[0].Environment)
}

func TestReporterWithoutDSNIsNoop(t *testing.T) {
	reporter, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, reporter.Enabled())
	reporter.Error(context.Background(), errors.New("boom"), nil)
	assert.True(t, reporter.Flush(time.Millisecond))

	var nilReporter *Reporter
	nilReporter.Error(context.Background(), errors.New("boom"), nil)
}

func TestReporterRejectsBadDSN(t *testing.T) {
	_, err := New(Config{DSN: "not a dsn"})
	assert.Error(t, err)
}
