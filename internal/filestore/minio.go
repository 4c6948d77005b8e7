package filestore

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/apperr"
)

// MinIO stores blobs in a single bucket, one object per content id.
type MinIO struct {
	client *minio.Client
	bucket string
}

// MinIOConfig carries connection settings, typically read from env.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinIO connects a MinIO-backed Store. The bucket must already exist.
func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinIO) Upload(ctx context.Context, r io.Reader, size int64, contentType, name string) (string, error) {
	contentID := uuid.NewString()
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"filename": name},
	}
	if _, err := m.client.PutObject(ctx, m.bucket, contentID, r, size, opts); err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, "content_store_unavailable", "upload failed", err)
	}
	return contentID, nil
}

func (m *MinIO) Download(ctx context.Context, contentID string) (io.ReadCloser, string, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, contentID, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindUnavailable, "content_store_unavailable", "download failed", err)
	}

	// GetObject is lazy; Stat surfaces missing objects before the first read.
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", apperr.E(apperr.KindNotFound, "content_not_found", "unknown content id")
		}
		return nil, "", apperr.Wrap(apperr.KindUnavailable, "content_store_unavailable", "download failed", err)
	}
	return obj, stat.ContentType, nil
}
