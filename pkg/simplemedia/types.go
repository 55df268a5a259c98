package simplemedia

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus is the lifecycle state of a provisional upload.
type UploadStatus string

// Upload status constants. Values are persisted verbatim.
const (
	UploadStatusPending UploadStatus = "PENDING"
	UploadStatusUsed    UploadStatus = "USED"
	UploadStatusOrphan  UploadStatus = "ORPHAN"
)

// Variant names produced for every image asset.
const (
	VariantThumbnail = "thumbnail"
	VariantSmall     = "small"
	VariantMedium    = "medium"
	VariantLarge     = "large"
	VariantXLarge    = "xlarge"
	VariantWebP      = "webp"
)

// AllVariants lists every variant name a fully processed asset carries.
var AllVariants = []string{
	VariantThumbnail,
	VariantSmall,
	VariantMedium,
	VariantLarge,
	VariantXLarge,
	VariantWebP,
}

// Asset is a committed media object.
//
// Width, Height and Variants stay nil until the variant worker has processed
// the asset. Tags and Category belong to the surrounding CMS and are carried
// through untouched.
type Asset struct {
	ID               uuid.UUID         `json:"id"`
	StorageKey       string            `json:"storage_key"`
	Extension        string            `json:"extension"`
	OriginalFilename string            `json:"original_filename"`
	Size             int64             `json:"size"`
	MimeType         string            `json:"mime_type"`
	Width            *int              `json:"width,omitempty"`
	Height           *int              `json:"height,omitempty"`
	Variants         map[string]string `json:"variants,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Category         string            `json:"category,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SourceKey returns the object store key of the asset's original bytes.
func (a *Asset) SourceKey() string {
	if a.Extension == "" {
		return a.StorageKey
	}
	return a.StorageKey + "." + a.Extension
}

// MissingVariants returns the names from required that the asset has no key for.
func (a *Asset) MissingVariants(required []string) []string {
	var missing []string
	for _, name := range required {
		if a.Variants[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ProvisionalUpload is an upload that has not been attached to a content record yet.
type ProvisionalUpload struct {
	ID          uuid.UUID    `json:"id"`
	StorageURL  string       `json:"storage_url"`
	ObjectKey   string       `json:"object_key,omitempty"`
	FileName    string       `json:"file_name"`
	FileSize    int64        `json:"file_size"`
	MimeType    string       `json:"mime_type"`
	FormID      string       `json:"form_id"`
	FieldName   string       `json:"field_name"`
	RequesterIP string       `json:"requester_ip,omitempty"`
	Status      UploadStatus `json:"status"`
	UploadedAt  time.Time    `json:"uploaded_at"`
	OrphanedAt  *time.Time   `json:"orphaned_at,omitempty"`
	UsedAt      *time.Time   `json:"used_at,omitempty"`
}

// VariantUpdate carries the result of one variant generation pass for an asset.
// It is applied in a single repository call.
type VariantUpdate struct {
	Width    int
	Height   int
	Size     int64
	MimeType string
	Variants map[string]string
}

// AssetFilter selects assets that still need variant generation.
type AssetFilter struct {
	// Required lists the variant names every processed asset must carry.
	Required []string
	// Extensions restricts the scan to source formats the transform engine decodes.
	Extensions []string
	// After is the keyset cursor; only assets with a greater ID are returned.
	After uuid.UUID
	Limit int
}

// FieldConfig is the upload policy declared by a form field in the CMS.
type FieldConfig struct {
	MaxSizeMB int      `json:"max_size_mb"`
	Accept    []string `json:"accept"`
}

// DefaultMaxSizeMB applies when a field declares no size limit.
const DefaultMaxSizeMB = 5

// MaxBytes returns the field's size limit in bytes, falling back to DefaultMaxSizeMB.
func (c FieldConfig) MaxBytes() int64 {
	mb := c.MaxSizeMB
	if mb <= 0 {
		mb = DefaultMaxSizeMB
	}
	return int64(mb) * 1024 * 1024
}

// UploadParams contains parameters for writing an object.
type UploadParams struct {
	ObjectKey string
	MimeType  string
}

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
}
