// Package archive persists closed positions to S3-compatible object storage,
// one JSON object per position keyed by close month. Works against AWS S3 as
// well as MinIO and R2 style providers via a custom endpoint.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/ledger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// s3API is the slice of the SDK client the writer uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Writer uploads closed positions. Nil when archiving is disabled; the nil
// receiver accepts and drops writes.
type Writer struct {
	s3     s3API
	bucket string
	prefix string
	log    *zap.Logger
}

func New(ctx context.Context, cfg config.ArchiveConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return &Writer{
		s3:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    log,
	}, nil
}

// Health verifies the bucket is reachable with the configured credentials.
func (w *Writer) Health(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if _, err := w.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(w.bucket)}); err != nil {
		return fmt.Errorf("archive: bucket %s unreachable: %w", w.bucket, err)
	}
	return nil
}

// Archive uploads the terminal position record.
func (w *Writer) Archive(ctx context.Context, pos ledger.Position) error {
	if w == nil {
		return nil
	}
	body, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("archive: marshal position %s: %w", pos.ID, err)
	}
	key := w.key(pos)
	if _, err := w.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	w.log.Debug("position archived", zap.String("key", key))
	return nil
}

// key groups objects by close month so a month of history is one prefix list.
func (w *Writer) key(pos ledger.Position) string {
	at := pos.ClosedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return path.Join(w.prefix, "positions", at.UTC().Format("2006/01"), pos.ID+".json")
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
