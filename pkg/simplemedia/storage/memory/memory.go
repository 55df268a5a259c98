package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

// URLPrefix is prepended to keys by ObjectURL.
const URLPrefix = "memory:///"

type object struct {
	data      []byte
	mimeType  string
	updatedAt time.Time
}

// Backend is an in-memory implementation of the simplemedia.BlobStore interface
type Backend struct {
	mu       sync.RWMutex
	objects  map[string]object
	failures map[string]error
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects:  make(map[string]object),
		failures: make(map[string]error),
	}
}

var _ simplemedia.BlobStore = (*Backend)(nil)

// FailOn makes every subsequent call of op ("upload", "download", "delete", "stat")
// on key return err. A nil err clears the failure.
func (b *Backend) FailOn(op, key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.failures, op+":"+key)
		return
	}
	b.failures[op+":"+key] = err
}

func (b *Backend) failure(op, key string) error {
	if err, ok := b.failures[op+":"+key]; ok {
		return &simplemedia.StorageError{Backend: "memory", Key: key, Op: op, Err: err}
	}
	return nil
}

// Keys returns the stored keys in lexical order.
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetObjectMeta retrieves metadata for an object in memory
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simplemedia.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.failure("stat", objectKey); err != nil {
		return nil, err
	}
	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, simplemedia.ErrObjectNotFound
	}

	return &simplemedia.ObjectMeta{
		Key:         objectKey,
		Size:        int64(len(obj.data)),
		ContentType: obj.mimeType,
		UpdatedAt:   obj.updatedAt,
	}, nil
}

// GetUploadURL returns a URL for uploading content
// In-memory implementation doesn't use URLs
func (b *Backend) GetUploadURL(ctx context.Context, objectKey, contentType string, expiry time.Duration) (string, error) {
	return "", fmt.Errorf("direct upload required for memory backend")
}

// Upload uploads content directly
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	return b.UploadWithParams(ctx, reader, simplemedia.UploadParams{ObjectKey: objectKey})
}

// UploadWithParams uploads content with parameters
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params simplemedia.UploadParams) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failure("upload", params.ObjectKey); err != nil {
		return err
	}
	mimeType := params.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	b.objects[params.ObjectKey] = object{data: data, mimeType: mimeType, updatedAt: time.Now()}
	return nil
}

// Download downloads content directly
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.failure("download", objectKey); err != nil {
		return nil, err
	}
	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, simplemedia.ErrObjectNotFound
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete deletes content
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failure("delete", objectKey); err != nil {
		return err
	}
	if _, exists := b.objects[objectKey]; !exists {
		return simplemedia.ErrObjectNotFound
	}

	delete(b.objects, objectKey)
	return nil
}

// ObjectURL returns memory:///{key}
func (b *Backend) ObjectURL(objectKey string) string {
	return URLPrefix + objectKey
}

// KeyFromURL reverses ObjectURL
func (b *Backend) KeyFromURL(rawURL string) (string, error) {
	return objectkey.FromURL(rawURL, URLPrefix, "")
}
