// Package storage persists uploaded essay files.
package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/config"
)

// Provider stores a file and returns its public URL.
type Provider interface {
	Store(ctx context.Context, name string, data []byte, mime string) (string, error)
}

// MinioProvider stores uploads in an S3-compatible bucket.
type MinioProvider struct {
	log       *zap.Logger
	client    *minio.Client
	bucket    string
	publicURL string
}

func NewMinioProvider(log *zap.Logger, cfg config.Config) (*MinioProvider, error) {
	client, err := minio.New(cfg.Storage.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		Secure: cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &MinioProvider{
		log:       log.Named("storage.minio"),
		client:    client,
		bucket:    cfg.Storage.Bucket,
		publicURL: cfg.Storage.PublicURL,
	}, nil
}

func (p *MinioProvider) Store(ctx context.Context, name string, data []byte, mime string) (string, error) {
	_, err := p.client.PutObject(ctx, p.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mime,
	})
	if err != nil {
		return "", fmt.Errorf("store %s: %w", name, err)
	}

	if p.publicURL != "" {
		return fmt.Sprintf("%s/%s/%s", p.publicURL, p.bucket, name), nil
	}
	return fmt.Sprintf("%s/%s/%s", p.client.EndpointURL(), p.bucket, name), nil
}

// NoopProvider drops uploads. Used when no object store is configured;
// corrections still work, the original file is just not kept.
type NoopProvider struct {
	log *zap.Logger
}

func NewNoopProvider(log *zap.Logger) *NoopProvider {
	return &NoopProvider{log: log.Named("storage.noop")}
}

func (p *NoopProvider) Store(_ context.Context, name string, data []byte, _ string) (string, error) {
	p.log.Debug("dropping upload, storage not configured",
		zap.String("name", name),
		zap.Int("bytes", len(data)),
	)
	return "", nil
}

var (
	_ Provider = (*MinioProvider)(nil)
	_ Provider = (*NoopProvider)(nil)
)
