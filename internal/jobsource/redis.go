package jobsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"vod-worker/internal/redisconn"
)

// RedisConfig configures the Redis Streams job source.
type RedisConfig struct {
	Conn     redisconn.Options
	Stream   string
	Group    string
	Consumer string
	// BlockTimeout makes Claim wait for a new entry; zero returns immediately.
	BlockTimeout time.Duration
	// VisibilityTimeout is how long an entry must sit unacknowledged in
	// another consumer's pending list before this worker takes it over.
	VisibilityTimeout time.Duration
}

const (
	defaultRedisStream     = "vod:transcode"
	defaultRedisGroup      = "transcoders"
	defaultRedisVisibility = 30 * time.Minute
	payloadField           = "payload"
)

type redisSource struct {
	client     redis.UniversalClient
	stream     string
	group      string
	consumer   string
	block      time.Duration
	visibility time.Duration
	logger     *slog.Logger
	ownsClient bool
}

// NewRedis connects to Redis and ensures the consumer group exists.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (Source, error) {
	client, err := redisconn.Dial(ctx, cfg.Conn)
	if err != nil {
		if errors.Is(err, redisconn.ErrNoAddress) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	source, err := newRedisSource(ctx, client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	source.ownsClient = true
	return source, nil
}

// NewRedisWithClient builds the source on an existing client, which the caller keeps owning.
func NewRedisWithClient(ctx context.Context, client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) (Source, error) {
	return newRedisSource(ctx, client, cfg, logger)
}

func newRedisSource(ctx context.Context, client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) (*redisSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &redisSource{
		client:     client,
		stream:     strings.TrimSpace(cfg.Stream),
		group:      strings.TrimSpace(cfg.Group),
		consumer:   strings.TrimSpace(cfg.Consumer),
		block:      cfg.BlockTimeout,
		visibility: cfg.VisibilityTimeout,
		logger:     logger,
	}
	if s.stream == "" {
		s.stream = defaultRedisStream
	}
	if s.group == "" {
		s.group = defaultRedisGroup
	}
	if s.consumer == "" {
		s.consumer = randomConsumerID()
	}
	if s.visibility <= 0 {
		s.visibility = defaultRedisVisibility
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", ErrQueueUnavailable, err)
	}
	if err := s.ensureGroup(ctx); err != nil {
		return nil, fmt.Errorf("%w: create consumer group: %v", ErrQueueUnavailable, err)
	}
	return s, nil
}

func (s *redisSource) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

// Claim first takes over an entry abandoned by another worker, then falls
// back to reading a new one.
func (s *redisSource) Claim(ctx context.Context) (*Job, error) {
	msg, deliveries, err := s.reclaim(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reclaim pending entries: %v", ErrQueueUnavailable, err)
	}
	if msg == nil {
		msg, err = s.readNew(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: read stream: %v", ErrQueueUnavailable, err)
		}
		deliveries = 1
	}
	if msg == nil {
		return nil, nil
	}

	body, headers := splitFields(msg.Values)
	id := msg.ID
	return newJob(id, body, deliveries, headers, func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, s.stream, s.group, id)
			pipe.XDel(ctx, s.stream, id)
			return nil
		})
		return err
	}), nil
}

func (s *redisSource) reclaim(ctx context.Context) (*redis.XMessage, int, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if len(msgs) == 0 {
		return nil, 0, nil
	}
	msg := msgs[0]
	deliveries := 0
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 {
		deliveries = int(pending[0].RetryCount)
	} else if err != nil {
		s.logger.Debug("redis pending lookup failed", "id", msg.ID, "error", err)
	}
	return &msg, deliveries, nil
}

func (s *redisSource) readNew(ctx context.Context) (*redis.XMessage, error) {
	block := time.Duration(-1)
	if s.block > 0 {
		block = s.block
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			msg := msg
			return &msg, nil
		}
	}
	return nil, nil
}

// Close drops this worker's consumer from the group when it holds no pending
// entries, so one-shot runs do not accumulate idle consumers.
func (s *redisSource) Close(ctx context.Context) error {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   s.stream,
		Group:    s.group,
		Start:    "-",
		End:      "+",
		Count:    1,
		Consumer: s.consumer,
	}).Result()
	if err == nil && len(pending) == 0 {
		if err := s.client.XGroupDelConsumer(ctx, s.stream, s.group, s.consumer).Err(); err != nil {
			s.logger.Debug("redis consumer cleanup failed", "consumer", s.consumer, "error", err)
		}
	}
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// splitFields returns the payload field as the body and every other string
// field as a header, which is where producers put trace context.
func splitFields(values map[string]interface{}) ([]byte, map[string]string) {
	headers := make(map[string]string, len(values))
	var body []byte
	for key, value := range values {
		str, ok := asString(value)
		if !ok {
			continue
		}
		if strings.EqualFold(key, payloadField) {
			body = []byte(str)
			continue
		}
		headers[key] = str
	}
	return body, headers
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func randomConsumerID() string {
	return "transcoder-" + uuid.NewString()
}
