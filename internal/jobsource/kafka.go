package jobsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka job source.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// FetchTimeout bounds how long Claim waits before reporting an empty topic.
	FetchTimeout time.Duration
}

const (
	defaultKafkaGroup        = "transcoders"
	defaultKafkaFetchTimeout = 10 * time.Second
)

type kafkaSource struct {
	readerCfg kafka.ReaderConfig
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	reader *kafka.Reader
	// rewind is set when a fetched message was released. The next Claim
	// rejoins the group so fetching resumes at the last committed offset.
	rewind bool
}

// NewKafka checks that a broker answers and joins the consumer group.
// Offsets are committed only by Ack, so an unacknowledged message is fetched
// again by the next member of the group, or by this one after Release.
func NewKafka(ctx context.Context, cfg KafkaConfig, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	group := strings.TrimSpace(cfg.GroupID)
	if group == "" {
		group = defaultKafkaGroup
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultKafkaFetchTimeout
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("%w: dial kafka: %v", ErrQueueUnavailable, err)
	}
	conn.Close()

	readerCfg := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	}
	return &kafkaSource{
		readerCfg: readerCfg,
		reader:    kafka.NewReader(readerCfg),
		timeout:   timeout,
		logger:    logger,
	}, nil
}

func (s *kafkaSource) Claim(ctx context.Context) (*Job, error) {
	reader := s.currentReader()
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msg, err := reader.FetchMessage(fetchCtx)
	if err != nil {
		return nil, fetchError(ctx, err)
	}
	id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	job := newJob(id, msg.Value, 0, kafkaHeaders(msg.Headers), func(ctx context.Context) error {
		return reader.CommitMessages(ctx, msg)
	})
	return job.withRelease(func(context.Context) error {
		s.mu.Lock()
		s.rewind = true
		s.mu.Unlock()
		return nil
	}), nil
}

// currentReader replaces the reader after a release. Committing a later
// offset on the old reader would otherwise skip the released message.
func (s *kafkaSource) currentReader() *kafka.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rewind {
		if err := s.reader.Close(); err != nil {
			s.logger.Debug("kafka reader close failed", "error", err)
		}
		s.reader = kafka.NewReader(s.readerCfg)
		s.rewind = false
	}
	return s.reader
}

// fetchError maps a FetchMessage error. A fetch that ran out its own timeout
// while the caller is still live means the topic has nothing for us.
func fetchError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return fmt.Errorf("%w: fetch message: %v", ErrQueueUnavailable, err)
}

func kafkaHeaders(in []kafka.Header) map[string]string {
	headers := make(map[string]string, len(in))
	for _, h := range in {
		headers[h.Key] = string(h.Value)
	}
	return headers
}

func (s *kafkaSource) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader.Close()
}
