// Package config loads the worker configuration from VOD_WORKER_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"vod-worker/internal/jobsource"
	"vod-worker/internal/ledger"
	"vod-worker/internal/objectstore"
	"vod-worker/internal/redisconn"
	"vod-worker/internal/transcode"
)

// EnvPrefix is prepended to every variable name read by Load.
const EnvPrefix = "VOD_WORKER_"

// Config is the complete worker configuration.
type Config struct {
	Queue     QueueConfig
	Storage   StorageConfig
	Ledger    LedgerConfig
	Transcode TranscodeConfig
	Telemetry TelemetryConfig
	Log       LogConfig

	// Loop keeps claiming jobs instead of exiting after one.
	Loop         bool
	LoopInterval time.Duration `validate:"gte=0"`
	// ShutdownTimeout bounds flushing telemetry and closing connections at exit.
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

type QueueConfig struct {
	Driver string `validate:"oneof=redis amqp sqs kafka memory"`

	RedisAddrs      []string `validate:"required_if=Driver redis"`
	RedisUsername   string
	RedisPassword   string
	RedisDB         int `validate:"gte=0"`
	RedisStream     string
	RedisGroup      string
	RedisConsumer   string
	RedisMasterName string
	RedisTLS        redisconn.TLSOptions

	AMQPURL   string `validate:"required_if=Driver amqp"`
	AMQPQueue string

	SQSQueueURL  string `validate:"required_if=Driver sqs"`
	SQSRegion    string
	SQSEndpoint  string
	SQSAccessKey string
	SQSSecretKey string
	SQSWaitTime  time.Duration `validate:"gte=0,lte=20s"`

	KafkaBrokers []string `validate:"required_if=Driver kafka"`
	KafkaTopic   string   `validate:"required_if=Driver kafka"`
	KafkaGroup   string

	VisibilityTimeout time.Duration `validate:"gte=0"`
	BlockTimeout      time.Duration `validate:"gte=0"`
}

type StorageConfig struct {
	Endpoint          string
	Region            string
	AccessKey         string
	SecretKey         string
	Bucket            string `validate:"required"`
	UseSSL            bool
	UsePathStyle      bool
	Prefix            string
	PublicEndpoint    string
	RequestTimeout    time.Duration `validate:"gte=0"`
	UploadConcurrency int           `validate:"gte=1,lte=64"`
}

type LedgerConfig struct {
	Driver    string `validate:"oneof=memory redis postgres sqlite"`
	DSN       string `validate:"required_if=Driver postgres"`
	Path      string `validate:"required_if=Driver sqlite"`
	RedisAddr string
	TTL       time.Duration `validate:"gte=0"`
}

type TranscodeConfig struct {
	Ladder      transcode.Ladder
	FFmpegPath  string `validate:"required"`
	FFprobePath string `validate:"required"`
	ScratchDir  string `validate:"required"`
	// MaxEngineFailures rejects an input after this many engine failures.
	MaxEngineFailures int `validate:"gte=1"`
}

type TelemetryConfig struct {
	ServiceName     string `validate:"required"`
	Environment     string
	Release         string
	PushgatewayURL  string `validate:"omitempty,url"`
	MetricsJob      string
	OTLPEndpoint    string
	OTLPInsecure    bool
	SentryDSN       string `validate:"omitempty,url"`
	TraceSampleRate float64 `validate:"gte=0,lte=1"`
}

type LogConfig struct {
	Level  string `validate:"omitempty,oneof=debug info warn warning error"`
	Format string `validate:"omitempty,oneof=json text"`
}

// Defaults returns the configuration used when no variables are set.
func Defaults() Config {
	return Config{
		Queue: QueueConfig{
			Driver:     jobsource.DriverRedis,
			RedisAddrs: []string{"localhost:6379"},
		},
		Storage: StorageConfig{
			Region:            "us-east-1",
			UsePathStyle:      true,
			RequestTimeout:    10 * time.Minute,
			UploadConcurrency: 4,
		},
		Ledger: LedgerConfig{Driver: ledger.DriverMemory},
		Transcode: TranscodeConfig{
			Ladder:            transcode.DefaultLadder(),
			FFmpegPath:        "ffmpeg",
			FFprobePath:       "ffprobe",
			ScratchDir:        filepath.Join(os.TempDir(), "vod-worker"),
			MaxEngineFailures: 3,
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "vod-worker",
			MetricsJob:      "vod_worker",
			TraceSampleRate: 1,
		},
		Log:             LogConfig{Level: "info", Format: "json"},
		LoopInterval:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadDotEnv loads variables from path without overriding ones already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv, applies defaults and validates
// the result.
func LoadFrom(getenv func(string) string) (Config, error) {
	r := &envReader{getenv: getenv}
	cfg := Defaults()

	q := &cfg.Queue
	q.Driver = strings.ToLower(r.str("QUEUE_DRIVER", q.Driver))
	if addrs := r.list("REDIS_ADDRS"); len(addrs) > 0 {
		q.RedisAddrs = addrs
	} else if addr := r.str("REDIS_ADDR", ""); addr != "" {
		q.RedisAddrs = []string{addr}
	}
	q.RedisUsername = r.str("REDIS_USERNAME", "")
	q.RedisPassword = r.raw("REDIS_PASSWORD")
	q.RedisDB = r.integer("REDIS_DB", 0)
	q.RedisStream = r.str("REDIS_STREAM", "")
	q.RedisGroup = r.str("REDIS_GROUP", "")
	q.RedisConsumer = r.str("REDIS_CONSUMER", "")
	q.RedisMasterName = r.str("REDIS_MASTER_NAME", "")
	q.RedisTLS = redisconn.TLSOptions{
		CAFile:             r.str("REDIS_TLS_CA", ""),
		CertFile:           r.str("REDIS_TLS_CERT", ""),
		KeyFile:            r.str("REDIS_TLS_KEY", ""),
		ServerName:         r.str("REDIS_TLS_SERVER_NAME", ""),
		InsecureSkipVerify: r.boolean("REDIS_TLS_INSECURE", false),
	}
	q.AMQPURL = r.str("AMQP_URL", "")
	q.AMQPQueue = r.str("AMQP_QUEUE", "")
	q.SQSQueueURL = r.str("SQS_QUEUE_URL", "")
	q.SQSRegion = r.str("SQS_REGION", "")
	q.SQSEndpoint = r.str("SQS_ENDPOINT", "")
	q.SQSAccessKey = r.str("SQS_ACCESS_KEY", "")
	q.SQSSecretKey = r.raw("SQS_SECRET_KEY")
	q.SQSWaitTime = r.duration("SQS_WAIT_TIME", 0)
	q.KafkaBrokers = r.list("KAFKA_BROKERS")
	q.KafkaTopic = r.str("KAFKA_TOPIC", "")
	q.KafkaGroup = r.str("KAFKA_GROUP", "")
	q.VisibilityTimeout = r.duration("QUEUE_VISIBILITY_TIMEOUT", 0)
	q.BlockTimeout = r.duration("QUEUE_BLOCK_TIMEOUT", 0)

	s := &cfg.Storage
	s.Endpoint = r.str("S3_ENDPOINT", s.Endpoint)
	s.Region = r.str("S3_REGION", s.Region)
	s.AccessKey = r.str("S3_ACCESS_KEY", "")
	s.SecretKey = r.raw("S3_SECRET_KEY")
	s.Bucket = r.str("S3_BUCKET", "")
	s.UseSSL = r.boolean("S3_USE_SSL", s.UseSSL)
	s.UsePathStyle = r.boolean("S3_PATH_STYLE", s.UsePathStyle)
	s.Prefix = r.str("S3_PREFIX", "")
	s.PublicEndpoint = r.str("S3_PUBLIC_ENDPOINT", "")
	s.RequestTimeout = r.duration("S3_REQUEST_TIMEOUT", s.RequestTimeout)
	s.UploadConcurrency = r.integer("UPLOAD_CONCURRENCY", s.UploadConcurrency)

	l := &cfg.Ledger
	l.Driver = strings.ToLower(r.str("LEDGER_DRIVER", l.Driver))
	l.DSN = r.raw("LEDGER_DSN")
	l.Path = r.str("LEDGER_PATH", "")
	l.RedisAddr = r.str("LEDGER_REDIS_ADDR", "")
	l.TTL = r.duration("LEDGER_TTL", 0)
	if l.Driver == ledger.DriverRedis && l.RedisAddr == "" && len(q.RedisAddrs) > 0 {
		l.RedisAddr = q.RedisAddrs[0]
	}

	t := &cfg.Transcode
	audio := r.integer("AUDIO_KBPS", transcode.DefaultAudioKbps)
	if spec := r.str("LADDER", ""); spec != "" {
		ladder, err := transcode.ParseLadder(spec, audio)
		if err != nil {
			r.fail(fmt.Errorf("parse %sLADDER: %w", EnvPrefix, err))
		} else {
			t.Ladder = ladder
		}
	} else {
		t.Ladder.AudioKbps = audio
	}
	t.FFmpegPath = r.str("FFMPEG_PATH", t.FFmpegPath)
	t.FFprobePath = r.str("FFPROBE_PATH", t.FFprobePath)
	t.ScratchDir = r.str("SCRATCH_DIR", t.ScratchDir)
	t.MaxEngineFailures = r.integer("MAX_ENGINE_FAILURES", t.MaxEngineFailures)

	tel := &cfg.Telemetry
	tel.ServiceName = r.str("SERVICE_NAME", tel.ServiceName)
	tel.Environment = r.str("ENVIRONMENT", "")
	tel.Release = r.str("RELEASE", "")
	tel.PushgatewayURL = r.str("PUSHGATEWAY_URL", "")
	tel.MetricsJob = r.str("METRICS_JOB", tel.MetricsJob)
	tel.OTLPEndpoint = r.str("OTLP_ENDPOINT", "")
	tel.OTLPInsecure = r.boolean("OTLP_INSECURE", false)
	tel.SentryDSN = r.str("SENTRY_DSN", "")
	tel.TraceSampleRate = r.float("TRACE_SAMPLE_RATE", tel.TraceSampleRate)

	cfg.Log.Level = strings.ToLower(r.str("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(r.str("LOG_FORMAT", cfg.Log.Format))
	cfg.Loop = r.boolean("LOOP", false)
	cfg.LoopInterval = r.duration("LOOP_INTERVAL", cfg.LoopInterval)
	cfg.ShutdownTimeout = r.duration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the rendition ladder.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return validationError(verrs)
		}
		return err
	}
	if err := c.Transcode.Ladder.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: ladder: %w", err)
	}
	return nil
}

func validationError(verrs validator.ValidationErrors) error {
	problems := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.StructNamespace(), "Config.")
		switch e.Tag() {
		case "required", "required_if":
			problems = append(problems, field+" is required")
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s must be one of [%s]", field, e.Param()))
		case "gte", "lte", "gt":
			problems = append(problems, fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param()))
		default:
			problems = append(problems, field+" is invalid")
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// JobSource maps the queue settings onto the driver configuration.
func (c Config) JobSource() jobsource.Config {
	q := c.Queue
	redisCfg := jobsource.RedisConfig{
		Conn:              q.redisConn(q.RedisAddrs),
		Stream:            q.RedisStream,
		Group:             q.RedisGroup,
		Consumer:          q.RedisConsumer,
		BlockTimeout:      q.BlockTimeout,
		VisibilityTimeout: q.VisibilityTimeout,
	}
	return jobsource.Config{
		Driver: q.Driver,
		Redis:  redisCfg,
		AMQP:   jobsource.AMQPConfig{URL: q.AMQPURL, Queue: q.AMQPQueue},
		SQS: jobsource.SQSConfig{
			QueueURL:          q.SQSQueueURL,
			Region:            q.SQSRegion,
			Endpoint:          q.SQSEndpoint,
			AccessKey:         q.SQSAccessKey,
			SecretKey:         q.SQSSecretKey,
			WaitTime:          q.SQSWaitTime,
			VisibilityTimeout: q.VisibilityTimeout,
		},
		Kafka: jobsource.KafkaConfig{
			Brokers:      q.KafkaBrokers,
			Topic:        q.KafkaTopic,
			GroupID:      q.KafkaGroup,
			FetchTimeout: q.BlockTimeout,
		},
	}
}

// ObjectStore maps the storage settings onto the client configuration.
func (c Config) ObjectStore() objectstore.Config {
	s := c.Storage
	return objectstore.Config{
		Endpoint:          s.Endpoint,
		Region:            s.Region,
		AccessKey:         s.AccessKey,
		SecretKey:         s.SecretKey,
		Bucket:            s.Bucket,
		UseSSL:            s.UseSSL,
		UsePathStyle:      s.UsePathStyle,
		Prefix:            s.Prefix,
		PublicEndpoint:    s.PublicEndpoint,
		RequestTimeout:    s.RequestTimeout,
		UploadConcurrency: s.UploadConcurrency,
	}
}

// AttemptLedger maps the ledger settings onto the backend configuration.
func (c Config) AttemptLedger() ledger.Config {
	l := c.Ledger
	return ledger.Config{
		Driver: l.Driver,
		DSN:    l.DSN,
		Path:   l.Path,
		Redis: ledger.RedisConfig{
			Conn: c.Queue.redisConn([]string{l.RedisAddr}),
			TTL:  l.TTL,
		},
	}
}

// redisConn applies the queue's Redis credentials and TLS settings to addrs.
// The ledger reuses them when it points at its own Redis.
func (q QueueConfig) redisConn(addrs []string) redisconn.Options {
	return redisconn.Options{
		Addrs:      addrs,
		Username:   q.RedisUsername,
		Password:   q.RedisPassword,
		DB:         q.RedisDB,
		MasterName: q.RedisMasterName,
		TLS:        q.RedisTLS,
	}
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (r *envReader) raw(name string) string {
	return r.getenv(EnvPrefix + name)
}

func (r *envReader) str(name, def string) string {
	if v := strings.TrimSpace(r.raw(name)); v != "" {
		return v
	}
	return def
}

func (r *envReader) list(name string) []string {
	v := strings.TrimSpace(r.raw(name))
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (r *envReader) integer(name string, def int) int {
	v := strings.TrimSpace(r.raw(name))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err))
		return def
	}
	return parsed
}

func (r *envReader) float(name string, def float64) float64 {
	v := strings.TrimSpace(r.raw(name))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err))
		return def
	}
	return parsed
}

func (r *envReader) boolean(name string, def bool) bool {
	v := strings.TrimSpace(r.raw(name))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err))
		return def
	}
	return parsed
}

func (r *envReader) duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.raw(name))
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err))
		return def
	}
	return parsed
}

func (r *envReader) fail(err error) {
	r.errs = append(r.errs, err)
}
