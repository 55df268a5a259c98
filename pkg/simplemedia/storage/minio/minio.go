// Package minio stores objects in a MinIO (or other S3-compatible) server
// through the MinIO client, for self-hosted deployments.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

// Config options for the MinIO backend
type Config struct {
	Endpoint  string // host:port, without scheme
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// PublicBaseURL is prepended to keys for recorded URLs. Defaults to
	// the endpoint with the bucket as first path segment.
	PublicBaseURL string
	// CreateBucket makes the bucket on startup when it does not exist.
	CreateBucket bool
}

// Backend is a MinIO implementation of the simplemedia.BlobStore interface
type Backend struct {
	client  *minio.Client
	bucket  string
	baseURL string
	logger  *slog.Logger
}

// New connects to MinIO and optionally creates the bucket
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	if cfg.CreateBucket {
		exists, err := client.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
				return nil, fmt.Errorf("failed to create bucket: %w", err)
			}
			logger.Info("bucket created", "bucket", cfg.Bucket)
		}
	}

	baseURL := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		baseURL = strings.TrimSuffix(client.EndpointURL().String(), "/") + "/" + cfg.Bucket
	}

	return &Backend{client: client, bucket: cfg.Bucket, baseURL: baseURL, logger: logger}, nil
}

var _ simplemedia.BlobStore = (*Backend)(nil)

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func (b *Backend) wrap(op, key string, err error) error {
	if isNotFound(err) {
		return simplemedia.ErrObjectNotFound
	}
	return &simplemedia.StorageError{Backend: "minio", Key: key, Op: op, Err: err}
}

// GetUploadURL returns a presigned PUT URL valid for expiry
func (b *Backend) GetUploadURL(ctx context.Context, objectKey, contentType string, expiry time.Duration) (string, error) {
	u, err := b.client.PresignedPutObject(ctx, b.bucket, objectKey, expiry)
	if err != nil {
		return "", b.wrap("presign", objectKey, err)
	}
	return u.String(), nil
}

// Upload uploads content directly
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	return b.UploadWithParams(ctx, reader, simplemedia.UploadParams{ObjectKey: objectKey})
}

// UploadWithParams streams reader to the bucket. The size is unknown, so
// the client buffers and uses multipart uploads for large bodies.
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params simplemedia.UploadParams) error {
	_, err := b.client.PutObject(ctx, b.bucket, params.ObjectKey, reader, -1, minio.PutObjectOptions{
		ContentType: params.MimeType,
	})
	if err != nil {
		return b.wrap("upload", params.ObjectKey, err)
	}
	return nil
}

// Download returns the object body. GetObject is lazy, so the object is
// stat'ed first to surface a missing key as ErrObjectNotFound.
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	object, err := b.client.GetObject(ctx, b.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.wrap("download", objectKey, err)
	}
	if _, err := object.Stat(); err != nil {
		object.Close()
		return nil, b.wrap("download", objectKey, err)
	}
	return object, nil
}

// Delete removes an object. MinIO reports success for missing keys.
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return b.wrap("delete", objectKey, err)
	}
	b.logger.Debug("object deleted", "key", objectKey, "bucket", b.bucket)
	return nil
}

// GetObjectMeta retrieves metadata for an object
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simplemedia.ObjectMeta, error) {
	info, err := b.client.StatObject(ctx, b.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return nil, b.wrap("stat", objectKey, err)
	}
	return &simplemedia.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size,
		ContentType: info.ContentType,
		UpdatedAt:   info.LastModified,
		ETag:        strings.Trim(info.ETag, "\""),
	}, nil
}

// ObjectURL returns the public URL of an object
func (b *Backend) ObjectURL(objectKey string) string {
	return b.baseURL + "/" + objectKey
}

// KeyFromURL reverses ObjectURL and also accepts path-style URLs
func (b *Backend) KeyFromURL(rawURL string) (string, error) {
	return objectkey.FromURL(rawURL, b.baseURL, b.bucket)
}
