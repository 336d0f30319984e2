// Package s3 archives flushed tenant batches to S3-compatible object
// storage as gzip-compressed newline-delimited JSON.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"logsnarf/internal/logging"
	"logsnarf/internal/metric"
	"logsnarf/internal/sink/encoding"
)

const objectExt = ".ndjson.gz"

// Config configures a Sink. Static credentials are used when AccessKey is
// set; otherwise the default AWS credential chain applies.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string //nolint:gosec // G117: config field, not a hardcoded credential
	PathStyle bool
	Prefix    string
	Instance  string
	Logger    *slog.Logger
}

// putter is the subset of the S3 client the sink uses.
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink writes one object per flush.
type Sink struct {
	client   putter
	bucket   string
	prefix   string
	instance string
	now      func() time.Time
	logger   *slog.Logger
}

// New builds the S3 client.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 sink: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var awsCfg aws.Config
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		awsCfg = aws.Config{
			Region:      cfg.Region,
			Credentials: aws.NewCredentialsCache(creds),
		}
	} else {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newSink(client, cfg), nil
}

func newSink(client putter, cfg Config) *Sink {
	return &Sink{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		instance: cfg.Instance,
		now:      time.Now,
		logger:   logging.Default(cfg.Logger).With("component", "s3-sink", "bucket", cfg.Bucket),
	}
}

// KeyForBatch returns the object key for one flush, e.g.
// metrics/host-1/d.acme/2019/11/25/<id>.ndjson.gz.
func KeyForBatch(prefix, instance, token string, at time.Time, id string) string {
	return path.Join(prefix, instance, url.PathEscape(token), at.UTC().Format("2006/01/02"), id+objectExt)
}

func (s *Sink) Write(ctx context.Context, token string, metrics []metric.Metric) error {
	body, err := encoding.JSON{}.Encode(metrics)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return fmt.Errorf("gzip batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("gzip batch: %w", err)
	}

	key := KeyForBatch(s.prefix, s.instance, token, s.now(), uuid.NewString())
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String(encoding.JSON{}.ContentType()),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.logger.Debug("archived batch", "key", key, "metrics", len(metrics), "bytes", buf.Len())
	return nil
}
