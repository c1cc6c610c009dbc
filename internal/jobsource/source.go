package jobsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Supported driver names.
const (
	DriverRedis  = "redis"
	DriverAMQP   = "amqp"
	DriverSQS    = "sqs"
	DriverKafka  = "kafka"
	DriverMemory = "memory"
)

// Config selects a driver and carries the settings for each.
type Config struct {
	Driver string
	Redis  RedisConfig
	AMQP   AMQPConfig
	SQS    SQSConfig
	Kafka  KafkaConfig
}

// Open connects the configured driver. Connection failures wrap ErrQueueUnavailable.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverRedis, "":
		return NewRedis(ctx, cfg.Redis, logger)
	case DriverAMQP, "rabbitmq":
		return NewAMQP(ctx, cfg.AMQP, logger)
	case DriverSQS:
		return NewSQS(ctx, cfg.SQS, logger)
	case DriverKafka:
		return NewKafka(ctx, cfg.Kafka, logger)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}
