package jobsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the RabbitMQ job source.
type AMQPConfig struct {
	URL   string
	Queue string
}

const defaultAMQPQueue = "transcode"

type amqpSource struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *slog.Logger
}

// NewAMQP dials RabbitMQ and declares the durable job queue.
func NewAMQP(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = defaultAMQPQueue
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial amqp: %v", ErrQueueUnavailable, err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: open amqp channel: %v", ErrQueueUnavailable, err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: declare queue %s: %v", ErrQueueUnavailable, queue, err)
	}
	return &amqpSource{conn: conn, channel: channel, queue: queue, logger: logger}, nil
}

// Claim issues a single basic.get with manual acknowledgement.
func (s *amqpSource) Claim(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, ok, err := s.channel.Get(s.queue, false)
	if err != nil {
		return nil, fmt.Errorf("%w: basic.get: %v", ErrQueueUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	id := msg.MessageId
	if id == "" {
		id = fmt.Sprintf("%s/%d", s.queue, msg.DeliveryTag)
	}
	job := newJob(id, msg.Body, amqpDeliveries(msg), amqpHeaders(msg.Headers), func(context.Context) error {
		return msg.Ack(false)
	})
	// basic.get deliveries stay on the channel until it closes, so a
	// looping worker requeues abandoned jobs explicitly.
	return job.withRelease(func(context.Context) error {
		return msg.Nack(false, true)
	}), nil
}

func (s *amqpSource) Close(context.Context) error {
	if err := s.channel.Close(); err != nil {
		s.logger.Debug("amqp channel close failed", "error", err)
	}
	return s.conn.Close()
}

// amqpDeliveries reads the x-delivery-count header that quorum queues set on
// redeliveries. Classic queues only expose the redelivered flag, which says
// the message was delivered at least once before.
func amqpDeliveries(msg amqp.Delivery) int {
	if raw, ok := msg.Headers["x-delivery-count"]; ok {
		switch v := raw.(type) {
		case int64:
			return int(v) + 1
		case int32:
			return int(v) + 1
		case int:
			return v + 1
		}
	}
	if msg.Redelivered {
		return 2
	}
	return 1
}

func amqpHeaders(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for key, value := range table {
		if str, ok := asString(value); ok {
			headers[key] = str
		}
	}
	return headers
}
