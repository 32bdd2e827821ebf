package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/otpkeeper/internal/logging"
	"github.com/google/uuid"
)

// S3API is the part of *s3.Client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

// NewS3Client builds a client for AWS or an S3-compatible endpoint (MinIO).
// Static credentials are used when accessKey is set, the default chain
// otherwise.
func NewS3Client(ctx context.Context, region, endpoint, accessKey, secretKey string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// maxBufferedBatches bounds how many batches' worth of records are held
// while uploads keep failing.
const maxBufferedBatches = 10

// S3Archiver buffers records and uploads them as JSON-lines objects, one
// object per batch. A batch is flushed when it reaches batchSize, on every
// interval tick, and when Run returns. Once the buffer holds
// maxBufferedBatches batches the oldest records are dropped.
type S3Archiver struct {
	client      S3API
	bucket      string
	batchSize   int
	maxBuffered int
	interval    time.Duration
	logger      logging.Logger

	mu   sync.Mutex
	buf  []Record
	full chan struct{}
	now  func() time.Time
}

// NewS3Archiver returns an archiver writing to bucket. Zero batchSize and
// interval fall back to 500 records and one minute.
func NewS3Archiver(client S3API, bucket string, batchSize int, interval time.Duration, logger logging.Logger) *S3Archiver {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &S3Archiver{
		client:      client,
		bucket:      bucket,
		batchSize:   batchSize,
		maxBuffered: maxBufferedBatches * batchSize,
		interval:    interval,
		logger:      logger.With("module", "audit"),
		full:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Record buffers r for the next upload.
func (a *S3Archiver) Record(ctx context.Context, r Record) {
	a.mu.Lock()
	a.buf = append(a.buf, r)
	dropped := a.trim()
	n := len(a.buf)
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn(ctx, "audit buffer full, dropped oldest records", "dropped", dropped)
	}
	if n >= a.batchSize {
		select {
		case a.full <- struct{}{}:
		default:
		}
	}
}

// Run flushes until ctx is cancelled, then flushes what is left.
func (a *S3Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.Flush(shutdownCtx)
		case <-ticker.C:
		case <-a.full:
		}
		if err := a.Flush(ctx); err != nil {
			a.logger.Error(ctx, "audit archive upload failed", "error", err)
		}
	}
}

// Flush uploads the buffered records. On failure they are put back in
// front of anything recorded meanwhile.
func (a *S3Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, r := range batch {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.objectKey()),
		Body:        bytes.NewReader(body.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.mu.Lock()
		a.buf = append(batch, a.buf...)
		dropped := a.trim()
		a.mu.Unlock()
		if dropped > 0 {
			a.logger.Warn(ctx, "audit buffer full, dropped oldest records", "dropped", dropped)
		}
		return fmt.Errorf("put audit object: %w", err)
	}
	return nil
}

// trim drops the oldest records past maxBuffered. Called with mu held.
func (a *S3Archiver) trim() int {
	over := len(a.buf) - a.maxBuffered
	if over <= 0 {
		return 0
	}
	clear(a.buf[:over])
	a.buf = a.buf[over:]
	return over
}

func (a *S3Archiver) objectKey() string {
	d := a.now().UTC()
	return fmt.Sprintf("audit/%d/%02d/%02d/%d-%v.jsonl", d.Year(), d.Month(), d.Day(), d.UnixNano(), uuid.New())
}
