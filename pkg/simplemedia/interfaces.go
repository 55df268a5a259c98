package simplemedia

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// BlobStore defines the interface for object storage backends
type BlobStore interface {
	// GetUploadURL returns a time-limited URL a client can PUT the object to directly
	GetUploadURL(ctx context.Context, objectKey, contentType string, expiry time.Duration) (string, error)

	// Upload uploads content directly
	Upload(ctx context.Context, objectKey string, reader io.Reader) error

	// UploadWithParams uploads content with additional parameters
	UploadWithParams(ctx context.Context, reader io.Reader, params UploadParams) error

	// Download downloads content directly
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete deletes content. Missing objects yield ErrObjectNotFound.
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)

	// ObjectURL returns the stable URL recorded for an object
	ObjectURL(objectKey string) string

	// KeyFromURL reverses ObjectURL
	KeyFromURL(rawURL string) (string, error)
}

// UploadRepository persists provisional uploads.
//
// Every status mutation is conditional on the current status so that the
// lifecycle stays monotonic even when runs overlap.
type UploadRepository interface {
	CreateUpload(ctx context.Context, upload *ProvisionalUpload) error
	GetUpload(ctx context.Context, id uuid.UUID) (*ProvisionalUpload, error)

	// MarkUsed moves a PENDING upload to USED.
	MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkOrphaned moves every PENDING upload older than uploadedBefore to ORPHAN.
	MarkOrphaned(ctx context.Context, uploadedBefore, at time.Time) ([]uuid.UUID, error)
	// ListOrphanedBefore returns ORPHAN uploads orphaned before the cutoff.
	ListOrphanedBefore(ctx context.Context, orphanedBefore time.Time) ([]*ProvisionalUpload, error)
	// DeleteOrphan removes an upload row, only if it is still ORPHAN.
	DeleteOrphan(ctx context.Context, id uuid.UUID) error
	// DeleteUsedBefore removes USED uploads attached before the cutoff.
	DeleteUsedBefore(ctx context.Context, usedBefore time.Time) (int64, error)
	CountUploadsByStatus(ctx context.Context) (map[UploadStatus]int64, error)
}

// AssetRepository persists committed assets.
type AssetRepository interface {
	CreateAsset(ctx context.Context, asset *Asset) error
	GetAsset(ctx context.Context, id uuid.UUID) (*Asset, error)
	ListAssetsMissingVariants(ctx context.Context, filter AssetFilter) ([]*Asset, error)
	// UpdateAssetVariants writes intrinsics and merges the variant map in one statement.
	UpdateAssetVariants(ctx context.Context, id uuid.UUID, update VariantUpdate) error
}

// Repository defines the interface for metadata persistence
type Repository interface {
	UploadRepository
	AssetRepository
}

// EventSink defines the interface for lifecycle event handling
type EventSink interface {
	// UploadAccepted is fired when an upload is stored and tracked
	UploadAccepted(ctx context.Context, upload *ProvisionalUpload) error

	// UploadUsed is fired when an upload is attached to a content record
	UploadUsed(ctx context.Context, id uuid.UUID) error

	// UploadsOrphaned is fired when the scheduler demotes stale uploads
	UploadsOrphaned(ctx context.Context, ids []uuid.UUID) error

	// UploadDeleted is fired after an orphan's object and row are removed
	UploadDeleted(ctx context.Context, upload *ProvisionalUpload) error

	// VariantsGenerated is fired after an asset's variant map is written
	VariantsGenerated(ctx context.Context, asset *Asset) error
}

// FieldConfigProvider resolves the upload policy of a CMS form field.
type FieldConfigProvider interface {
	FieldConfig(ctx context.Context, formID, fieldName string) (FieldConfig, error)
}
