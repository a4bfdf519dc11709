// internal/archive/s3.go
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"geneva-ingest/internal/config"
	"geneva-ingest/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sethvargo/go-retry"
)

// s3API 는 S3Sink 가 쓰는 s3.Client 메서드.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink
//
// archive 대상 배치를 S3 에 올린다.
//   - SDK 내부 retry 는 끄고 애플리케이션 레벨 backoff (200ms → 2s) 만 쓴다.
//   - 시도마다 ArchiveTimeout 을 건다.
//   - shutdown-safe: ctx.Done() 이면 즉시 중단.
type S3Sink struct {
	client  s3API
	bucket  string
	timeout time.Duration
	retries int
	metrics *metrics.Metrics

	retryBase time.Duration
	retryCap  time.Duration
}

// NewS3Sink 는 AWS 기본 credential chain 으로 S3 client 를 만든다.
func NewS3Sink(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Sink, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	return newS3Sink(client, cfg, m), nil
}

func newS3Sink(client s3API, cfg config.Config, m *metrics.Metrics) *S3Sink {
	if m == nil {
		m = metrics.New()
	}
	retries := cfg.ArchiveRetries
	if retries < 1 {
		retries = 1
	}
	timeout := cfg.ArchiveTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &S3Sink{
		client:    client,
		bucket:    cfg.ArchiveBucket,
		timeout:   timeout,
		retries:   retries,
		metrics:   m,
		retryBase: 200 * time.Millisecond,
		retryCap:  2 * time.Second,
	}
}

func (s *S3Sink) Name() string { return "s3" }

// Put 은 body 를 key 로 올린다. 시도마다 reader 를 새로 만든다.
func (s *S3Sink) Put(ctx context.Context, key string, body []byte) error {
	b := retry.WithMaxRetries(uint64(s.retries-1),
		retry.WithCappedDuration(s.retryCap, retry.NewExponential(s.retryBase)))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.putObject(ctx, key, body); err != nil {
			atomic.AddInt64(&s.metrics.ArchivePutErrorsTotal, 1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// putObject 는 PutObject 1회. retry 는 caller 가 제어한다.
func (s *S3Sink) putObject(ctx context.Context, key string, body []byte) error {
	ctx2, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
