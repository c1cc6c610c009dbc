package jobsource

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

// SQSConfig configures the SQS job source.
type SQSConfig struct {
	QueueURL  string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// WaitTime enables long polling; zero returns immediately when empty.
	WaitTime time.Duration
	// VisibilityTimeout overrides the queue default for the claimed message.
	VisibilityTimeout time.Duration
}

type sqsSource struct {
	client     *sqs.Client
	queueURL   string
	wait       int32
	visibility int32
	logger     *slog.Logger
}

// NewSQS builds an SQS client. Extra option functions are applied to the
// service client after the defaults.
func NewSQS(ctx context.Context, cfg SQSConfig, logger *slog.Logger, optFns ...func(*sqs.Options)) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	queueURL := strings.TrimSpace(cfg.QueueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	opts := []func(*sqs.Options){func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}}
	opts = append(opts, optFns...)

	return &sqsSource{
		client:     sqs.NewFromConfig(awsCfg, opts...),
		queueURL:   queueURL,
		wait:       int32(cfg.WaitTime / time.Second),
		visibility: int32(cfg.VisibilityTimeout / time.Second),
		logger:     logger,
	}, nil
}

// Claim receives at most one message. Not deleting it is the abandon path:
// SQS makes it visible again when the visibility timeout expires.
func (s *sqsSource) Claim(ctx context.Context) (*Job, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(s.queueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       s.wait,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if s.visibility > 0 {
		input.VisibilityTimeout = s.visibility
	}
	out, err := s.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: receive message: %v", ErrQueueUnavailable, err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	msg := out.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)
	deliveries := 0
	if raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			deliveries = n
		}
	}
	headers := make(map[string]string, len(msg.MessageAttributes))
	for key, attr := range msg.MessageAttributes {
		if attr.StringValue != nil {
			headers[key] = *attr.StringValue
		}
	}
	return newJob(aws.ToString(msg.MessageId), []byte(aws.ToString(msg.Body)), deliveries, headers, func(ctx context.Context) error {
		_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(s.queueURL),
			ReceiptHandle: aws.String(receipt),
		})
		return err
	}), nil
}

func (s *sqsSource) Close(context.Context) error { return nil }
