package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
)

// Backend is a filesystem implementation of the simplemedia.BlobStore interface
type Backend struct {
	baseDir   string
	urlPrefix string
	signer    *presigned.Signer
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files
	// URLPrefix is the public URL objects are served from. Defaults to a
	// file:// URL of BaseDir.
	URLPrefix string
	// Signer issues delegated upload URLs. Without one, GetUploadURL fails
	// and clients must upload through the intake service.
	Signer *presigned.Signer
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	baseDir, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	urlPrefix := config.URLPrefix
	if urlPrefix == "" {
		urlPrefix = "file://" + filepath.ToSlash(baseDir)
	}

	return &Backend{
		baseDir:   baseDir,
		urlPrefix: strings.TrimSuffix(urlPrefix, "/"),
		signer:    config.Signer,
	}, nil
}

var _ simplemedia.BlobStore = (*Backend)(nil)

// path resolves an object key below baseDir, rejecting keys that escape it.
func (b *Backend) path(objectKey string) (string, error) {
	if objectKey == "" {
		return "", fmt.Errorf("%w: empty object key", simplemedia.ErrInvalidRequest)
	}
	p := filepath.Join(b.baseDir, filepath.FromSlash(objectKey))
	if p != b.baseDir && !strings.HasPrefix(p, b.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: object key escapes base directory", simplemedia.ErrInvalidRequest)
	}
	return p, nil
}

func (b *Backend) wrap(op, key string, err error) error {
	return &simplemedia.StorageError{Backend: "fs", Key: key, Op: op, Err: err}
}

// GetObjectMeta retrieves metadata for an object in the filesystem
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simplemedia.ObjectMeta, error) {
	filePath, err := b.path(objectKey)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return nil, simplemedia.ErrObjectNotFound
	} else if err != nil {
		return nil, b.wrap("stat", objectKey, err)
	}

	// Detect content type
	contentType := "application/octet-stream"
	if file, err := os.Open(filePath); err == nil {
		defer file.Close()
		buffer := make([]byte, 512)
		if n, err := file.Read(buffer); err == nil {
			contentType = http.DetectContentType(buffer[:n])
		}
	}

	return &simplemedia.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   info.ModTime(),
	}, nil
}

// GetUploadURL returns an HMAC-signed PUT URL served by presigned.UploadHandler
func (b *Backend) GetUploadURL(ctx context.Context, objectKey, contentType string, expiry time.Duration) (string, error) {
	if b.signer == nil || !b.signer.IsEnabled() {
		return "", errors.New("direct upload required for filesystem backend")
	}
	if _, err := b.path(objectKey); err != nil {
		return "", err
	}
	return b.signer.SignUpload(objectKey, contentType, expiry)
}

// Upload uploads content directly to the filesystem
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	filePath, err := b.path(objectKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return b.wrap("upload", objectKey, fmt.Errorf("failed to create directory: %w", err))
	}

	// Write to a temp file first so readers never see a partial object
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".upload-*")
	if err != nil {
		return b.wrap("upload", objectKey, fmt.Errorf("failed to create file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return b.wrap("upload", objectKey, fmt.Errorf("failed to write file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return b.wrap("upload", objectKey, err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return b.wrap("upload", objectKey, err)
	}

	return nil
}

// UploadWithParams uploads content with additional parameters
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params simplemedia.UploadParams) error {
	// For filesystem, we don't store MIME type separately, it's detected on read
	return b.Upload(ctx, params.ObjectKey, reader)
}

// Download downloads content directly from the filesystem
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	filePath, err := b.path(objectKey)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, simplemedia.ErrObjectNotFound
	} else if err != nil {
		return nil, b.wrap("download", objectKey, fmt.Errorf("failed to open file: %w", err))
	}

	return file, nil
}

// Delete deletes content from the filesystem
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	filePath, err := b.path(objectKey)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return simplemedia.ErrObjectNotFound
		}
		return b.wrap("delete", objectKey, fmt.Errorf("failed to delete file: %w", err))
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))

	return nil
}

// ObjectURL returns {URLPrefix}/{key}
func (b *Backend) ObjectURL(objectKey string) string {
	return b.urlPrefix + "/" + objectKey
}

// KeyFromURL reverses ObjectURL
func (b *Backend) KeyFromURL(rawURL string) (string, error) {
	return objectkey.FromURL(rawURL, b.urlPrefix, "")
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir || !strings.HasPrefix(dir, b.baseDir) {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}
