// Package objectstore moves job sources and HLS artifacts between scratch
// space and an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrObjectNotFound is returned when the source object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrStorageUnavailable covers every other download failure.
	ErrStorageUnavailable = errors.New("object storage unavailable")
	// ErrPartialUpload is returned when any file of a tree failed to upload.
	ErrPartialUpload = errors.New("partial upload")
)

const (
	defaultRequestTimeout    = 10 * time.Minute
	defaultUploadConcurrency = 4
)

// Config describes the bucket the worker reads sources from and publishes to.
type Config struct {
	Endpoint          string
	Region            string
	AccessKey         string
	SecretKey         string
	Bucket            string
	UseSSL            bool
	UsePathStyle      bool
	Prefix            string
	PublicEndpoint    string
	RequestTimeout    time.Duration
	UploadConcurrency int
}

func applyDefaults(cfg Config) Config {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = defaultUploadConcurrency
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	return cfg
}

// Client is an S3-compatible object store client.
type Client struct {
	cfg      Config
	s3       *s3.Client
	uploader *manager.Uploader
	logger   *slog.Logger
}

// New builds a client. An explicit endpoint targets MinIO or another
// S3-compatible service; otherwise the AWS default endpoint resolution applies.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = applyDefaults(cfg)
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// The buildable client keeps AWS_CA_BUNDLE working.
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(cfg.RequestTimeout)),
	}
	if strings.TrimSpace(cfg.AccessKey) != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	endpoint, err := baseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Client{
		cfg:      cfg,
		s3:       client,
		uploader: manager.NewUploader(client),
		logger:   logger,
	}, nil
}

func baseEndpoint(raw string, useSSL bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	host := trimmed
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("parse object storage endpoint: %w", err)
		}
		scheme = parsed.Scheme
		host = parsed.Host
	}
	if host == "" {
		return "", fmt.Errorf("object storage endpoint %q has no host", raw)
	}
	return scheme + "://" + host, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string { return c.cfg.Bucket }

// ResolveSourceKey normalises a key taken from a queue message.
func (c *Client) ResolveSourceKey(raw string) (string, error) {
	return NormalizeSourceKey(raw, c.cfg.Bucket)
}

// Download streams the object at key into localPath, replacing any existing file.
func (c *Client) Download(ctx context.Context, key, localPath string) (int64, error) {
	finalKey := c.applyPrefix(key)
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return 0, classifyError(finalKey, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("%w: prepare %s: %v", ErrStorageUnavailable, localPath, err)
	}
	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %v", ErrStorageUnavailable, localPath, err)
	}
	written, err := io.Copy(file, out.Body)
	if err != nil {
		file.Close()
		return written, fmt.Errorf("%w: read body for %s: %v", ErrStorageUnavailable, finalKey, err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("%w: close %s: %v", ErrStorageUnavailable, localPath, err)
	}
	return written, nil
}

func classifyError(key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: download %s: %v", ErrStorageUnavailable, key, err)
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Errorf("%w: download %s: %v", ErrStorageUnavailable, key, err)
}

// UploadReport summarises a finished UploadTree call.
type UploadReport struct {
	Keys  []string
	Bytes int64
}

type uploadOptions struct {
	last        map[string]bool
	concurrency int
}

// UploadOption customises UploadTree.
type UploadOption func(*uploadOptions)

// UploadLast holds back the named files until every other file has uploaded.
func UploadLast(names ...string) UploadOption {
	return func(o *uploadOptions) {
		for _, name := range names {
			o.last[name] = true
		}
	}
}

// WithConcurrency bounds the number of parallel uploads.
func WithConcurrency(n int) UploadOption {
	return func(o *uploadOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// UploadTree uploads every regular file directly inside localDir to
// remotePrefix/<name>. Keys are overwritten, so re-running is safe.
func (c *Client) UploadTree(ctx context.Context, localDir, remotePrefix string, opts ...UploadOption) (UploadReport, error) {
	options := uploadOptions{last: make(map[string]bool), concurrency: c.cfg.UploadConcurrency}
	for _, opt := range opts {
		opt(&options)
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return UploadReport{}, fmt.Errorf("%w: read %s: %v", ErrPartialUpload, localDir, err)
	}
	var first, last []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if options.last[entry.Name()] {
			last = append(last, entry.Name())
		} else {
			first = append(first, entry.Name())
		}
	}

	var total atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(options.concurrency)
	for _, name := range first {
		name := name
		group.Go(func() error {
			n, err := c.uploadFile(groupCtx, filepath.Join(localDir, name), JoinKey(remotePrefix, name))
			total.Add(n)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return UploadReport{}, err
	}
	for _, name := range last {
		n, err := c.uploadFile(ctx, filepath.Join(localDir, name), JoinKey(remotePrefix, name))
		if err != nil {
			return UploadReport{}, err
		}
		total.Add(n)
	}

	report := UploadReport{Bytes: total.Load(), Keys: make([]string, 0, len(first)+len(last))}
	for _, name := range append(first, last...) {
		report.Keys = append(report.Keys, c.applyPrefix(JoinKey(remotePrefix, name)))
	}
	return report, nil
}

func (c *Client) uploadFile(ctx context.Context, localPath, key string) (int64, error) {
	finalKey := c.applyPrefix(key)
	file, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrPartialUpload, localPath, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrPartialUpload, localPath, err)
	}
	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(finalKey),
		Body:        file,
		ContentType: aws.String(ContentTypeFor(localPath)),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: upload %s: %v", ErrPartialUpload, finalKey, err)
	}
	c.logger.Debug("uploaded object", "key", finalKey, "bytes", info.Size())
	return info.Size(), nil
}

func (c *Client) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

// PublicURL returns the playback URL of key, or "" without a public endpoint.
func (c *Client) PublicURL(key string) string {
	base := strings.TrimSpace(c.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(c.applyPrefix(key), "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}
