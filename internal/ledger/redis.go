package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vod-worker/internal/redisconn"
)

// RedisConfig configures the Redis ledger. Records expire TTL after their
// last update.
type RedisConfig struct {
	Conn      redisconn.Options
	KeyPrefix string
	TTL       time.Duration
}

const (
	defaultRedisKeyPrefix = "vod:attempts:"
	defaultRedisTTL       = 7 * 24 * time.Hour
)

// RedisLedger keeps one hash per fingerprint.
type RedisLedger struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	ownsClient bool
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisLedger, error) {
	client, err := redisconn.Dial(ctx, cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("redis ledger: %w", err)
	}
	l, err := NewRedisWithClient(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	l.ownsClient = true
	return l, nil
}

// NewRedisWithClient builds the ledger on a caller-owned client.
func NewRedisWithClient(ctx context.Context, client redis.UniversalClient, cfg RedisConfig) (*RedisLedger, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis ledger: %w", err)
	}
	l := &RedisLedger{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
	if l.prefix == "" {
		l.prefix = defaultRedisKeyPrefix
	}
	if l.ttl <= 0 {
		l.ttl = defaultRedisTTL
	}
	return l, nil
}

func (l *RedisLedger) key(fp Fingerprint) string {
	return l.prefix + fp.SourceKey + ":" + fp.Digest
}

func (l *RedisLedger) Get(ctx context.Context, fp Fingerprint) (Record, error) {
	values, err := l.client.HGetAll(ctx, l.key(fp)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read attempts: %w", err)
	}
	return recordFromHash(fp, values), nil
}

func (l *RedisLedger) RecordFailure(ctx context.Context, fp Fingerprint, cause string) (Record, error) {
	key := l.key(fp)
	now := time.Now().UTC()
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, "failures", 1)
		pipe.HSet(ctx, key,
			"last_outcome", OutcomeEngineFailure,
			"last_error", truncateError(cause),
			"updated_at", now.Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("record failure: %w", err)
	}
	return Record{
		Fingerprint: fp,
		Failures:    int(incr.Val()),
		LastOutcome: OutcomeEngineFailure,
		LastError:   truncateError(cause),
		UpdatedAt:   now,
	}, nil
}

func (l *RedisLedger) Resolve(ctx context.Context, fp Fingerprint, outcome string) error {
	key := l.key(fp)
	now := time.Now().UTC()
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields := []interface{}{
			"last_outcome", outcome,
			"last_error", "",
			"updated_at", now.Format(time.RFC3339Nano),
		}
		if outcome == OutcomePublished {
			fields = append(fields, "failures", 0)
		}
		pipe.HSet(ctx, key, fields...)
		pipe.Expire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve attempts: %w", err)
	}
	return nil
}

func (l *RedisLedger) Close(context.Context) error {
	if l.ownsClient {
		return l.client.Close()
	}
	return nil
}

func recordFromHash(fp Fingerprint, values map[string]string) Record {
	rec := Record{Fingerprint: fp}
	if raw, ok := values["failures"]; ok {
		rec.Failures, _ = strconv.Atoi(raw)
	}
	rec.LastOutcome = values["last_outcome"]
	rec.LastError = values["last_error"]
	if raw, ok := values["updated_at"]; ok {
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return rec
}
