package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(name string) string {
		return values[name]
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(envMap(map[string]string{
		"VOD_WORKER_S3_BUCKET": "media",
	}))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Queue.RedisAddrs)
	assert.Equal(t, "media", cfg.Storage.Bucket)
	assert.Equal(t, 4, cfg.Storage.UploadConcurrency)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.Equal(t, 3, cfg.Transcode.MaxEngineFailures)
	require.Len(t, cfg.Transcode.Ladder.Renditions, 4)
	assert.Equal(t, "360p", cfg.Transcode.Ladder.Renditions[0].Label)
	assert.Equal(t, 128, cfg.Transcode.Ladder.AudioKbps)
	assert.False(t, cfg.Loop)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(envMap(map[string]string{
		"VOD_WORKER_QUEUE_DRIVER":             "SQS",
		"VOD_WORKER_SQS_QUEUE_URL":            "https://sqs.us-east-1.amazonaws.com/000000000000/transcode",
		"VOD_WORKER_SQS_WAIT_TIME":            "10s",
		"VOD_WORKER_QUEUE_VISIBILITY_TIMEOUT": "45m",
		"VOD_WORKER_S3_BUCKET":                "media",
		"VOD_WORKER_S3_ENDPOINT":              "minio:9000",
		"VOD_WORKER_S3_PUBLIC_ENDPOINT":       "https://cdn.example.com",
		"VOD_WORKER_UPLOAD_CONCURRENCY":       "8",
		"VOD_WORKER_LADDER":                   "low:426x240:400, hd:1280x720:2800",
		"VOD_WORKER_AUDIO_KBPS":               "96",
		"VOD_WORKER_MAX_ENGINE_FAILURES":      "5",
		"VOD_WORKER_LEDGER_DRIVER":            "sqlite",
		"VOD_WORKER_LEDGER_PATH":              "/var/lib/vod-worker/ledger.db",
		"VOD_WORKER_LOOP":                     "true",
		"VOD_WORKER_LOG_FORMAT":               "TEXT",
	}))
	require.NoError(t, err)

	assert.Equal(t, "sqs", cfg.Queue.Driver)
	assert.Equal(t, 10*time.Second, cfg.Queue.SQSWaitTime)
	assert.Equal(t, 8, cfg.Storage.UploadConcurrency)
	require.Len(t, cfg.Transcode.Ladder.Renditions, 2)
	assert.Equal(t, "hd", cfg.Transcode.Ladder.Renditions[1].Label)
	assert.Equal(t, 96, cfg.Transcode.Ladder.AudioKbps)
	assert.Equal(t, 5, cfg.Transcode.MaxEngineFailures)
	assert.True(t, cfg.Loop)
	assert.Equal(t, "text", cfg.Log.Format)

	source := cfg.JobSource()
	assert.Equal(t, "sqs", source.Driver)
	assert.Equal(t, 45*time.Minute, source.SQS.VisibilityTimeout)
	assert.Equal(t, 45*time.Minute, source.Redis.VisibilityTimeout)

	store := cfg.ObjectStore()
	assert.Equal(t, "minio:9000", store.Endpoint)
	assert.Equal(t, "https://cdn.example.com", store.PublicEndpoint)

	led := cfg.AttemptLedger()
	assert.Equal(t, "sqlite", led.Driver)
	assert.Equal(t, "/var/lib/vod-worker/ledger.db", led.Path)
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "bucket required", env: map[string]string{}, want: "Storage.Bucket is required"},
		{name: "unknown driver", env: map[string]string{"VOD_WORKER_S3_BUCKET": "m", "VOD_WORKER_QUEUE_DRIVER": "nats"}, want: "Queue.Driver must be one of"},
		{name: "sqs needs url", env: map[string]string{"VOD_WORKER_S3_BUCKET": "m", "VOD_WORKER_QUEUE_DRIVER": "sqs"}, want: "Queue.SQSQueueURL is required"},
		{name: "kafka needs topic", env: map[string]string{"VOD_WORKER_S3_BUCKET": "m", "VOD_WORKER_QUEUE_DRIVER": "kafka", "VOD_WORKER_KAFKA_BROKERS": "k:9092"}, want: "Queue.KafkaTopic is required"},
		{name: "postgres ledger needs dsn", env: map[string]string{"VOD_WORKER_S3_BUCKET": "m", "VOD_WORKER_LEDGER_DRIVER": "postgres"}, want: "Ledger.DSN is required"},
		{name: "wait time capped", env: map[string]string{"VOD_WORKER_S3_BUCKET": "m", "VOD_WORKER_SQS_WAIT_TIME": "30s"}, want: "Queue.SQSWaitTime is out of range"},
		{name: "bad integer", env: map[string]string{"VOD_WORKER_S3_BUCKET": "m", "VOD_WORKER_UPLOAD_CONCURRENCY": "many"}, want: "VOD_WORKER_UPLOAD_CONCURRENCY"},
		{name: "bad ladder", env: map[string]string{"VOD_WORKER_S3_BUCKET": "m", "VOD_WORKER_LADDER": "hd:1280x720:2800,low:426x240:400"}, want: "lowest to highest"},
		{name: "zero failures", env: map[string]string{"VOD_WORKER_S3_BUCKET": "m", "VOD_WORKER_MAX_ENGINE_FAILURES": "0"}, want: "Transcode.MaxEngineFailures is out of range"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFrom(envMap(tc.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLedgerRedisFallsBackToQueueAddress(t *testing.T) {
	cfg, err := LoadFrom(envMap(map[string]string{
		"VOD_WORKER_S3_BUCKET":     "media",
		"VOD_WORKER_REDIS_ADDR":    "redis:6379",
		"VOD_WORKER_LEDGER_DRIVER": "redis",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"redis:6379"}, cfg.AttemptLedger().Redis.Conn.Addrs)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("VOD_WORKER_S3_BUCKET=from-file\nVOD_WORKER_S3_REGION=eu-west-1\n"), 0o644))
	t.Setenv("VOD_WORKER_S3_REGION", "us-west-2")
	t.Setenv("VOD_WORKER_S3_BUCKET", "")
	os.Unsetenv("VOD_WORKER_S3_BUCKET")

	require.NoError(t, LoadDotEnv(path))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Storage.Bucket)
	assert.Equal(t, "us-west-2", cfg.Storage.Region, "existing variables win over the file")
}
