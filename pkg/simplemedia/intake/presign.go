package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/signature"
)

// FileDescriptor describes one file a client intends to upload directly.
type FileDescriptor struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        *int64 `json:"size,omitempty"`
}

// PresignRequest asks for a batch of delegated upload credentials.
type PresignRequest struct {
	FormID    string           `json:"formId,omitempty"`
	FieldName string           `json:"fieldName,omitempty"`
	Files     []FileDescriptor `json:"files"`
	// ExpiresIn is the credential lifetime in seconds. Zero selects the default.
	ExpiresIn   int    `json:"expiresIn,omitempty"`
	RequesterIP string `json:"-"`
}

// PresignedFile is the credential issued for one descriptor.
type PresignedFile struct {
	Filename  string    `json:"filename"`
	UploadURL string    `json:"uploadUrl"`
	Key       string    `json:"key"`
	CDNURL    string    `json:"cdnUrl"`
	UploadID  uuid.UUID `json:"uploadId"`
}

// PresignResult is the batch response.
type PresignResult struct {
	Files       []PresignedFile `json:"files"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Accelerated bool            `json:"accelerated"`
}

type accelerated interface {
	Accelerated() bool
}

// ClampExpiry resolves a requested lifetime in seconds to the issued duration.
func ClampExpiry(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultExpiry
	}
	d := time.Duration(seconds) * time.Second
	if d < MinExpiry {
		return MinExpiry
	}
	if d > MaxExpiry {
		return MaxExpiry
	}
	return d
}

// Presign issues delegated upload credentials for a batch of files.
//
// The whole batch is validated before any credential is issued; an invalid
// batch produces no URLs and no rows. Each issued file gets a PENDING
// provisional row so that abandoned direct uploads are reclaimed by the
// cleanup scheduler like any other upload.
func (s *Service) Presign(ctx context.Context, req PresignRequest) (*PresignResult, error) {
	if len(req.Files) == 0 {
		return nil, &simplemedia.ValidationError{Field: "files", Err: simplemedia.ErrEmptyBatch}
	}
	if len(req.Files) > MaxBatchSize {
		return nil, &simplemedia.ValidationError{Field: "files", Err: simplemedia.ErrBatchTooLarge}
	}

	formID := req.FormID
	if formID == "" {
		formID = presignedFormDefault
	}

	if err := s.validateDescriptors(ctx, formID, req); err != nil {
		return nil, err
	}

	expiry := ClampExpiry(req.ExpiresIn)
	now := s.now().UTC()

	files := make([]PresignedFile, 0, len(req.Files))
	for _, f := range req.Files {
		key := s.keys.ForDescriptor(formID, f.Filename)
		url, err := s.store.GetUploadURL(ctx, key, f.ContentType, expiry)
		if err != nil {
			return nil, fmt.Errorf("failed to issue upload url for %q: %w", f.Filename, err)
		}
		files = append(files, PresignedFile{
			Filename:  f.Filename,
			UploadURL: url,
			Key:       key,
			CDNURL:    s.publicURL(key),
			UploadID:  uuid.New(),
		})
	}

	for i, f := range req.Files {
		var size int64
		if f.Size != nil {
			size = *f.Size
		}
		s.track(ctx, &simplemedia.ProvisionalUpload{
			ID:          files[i].UploadID,
			StorageURL:  s.store.ObjectURL(files[i].Key),
			ObjectKey:   files[i].Key,
			FileName:    f.Filename,
			FileSize:    size,
			MimeType:    f.ContentType,
			FormID:      formID,
			FieldName:   req.FieldName,
			RequesterIP: req.RequesterIP,
			Status:      simplemedia.UploadStatusPending,
			UploadedAt:  now,
		})
	}

	result := &PresignResult{
		Files:     files,
		ExpiresAt: now.Add(expiry),
	}
	if a, ok := s.store.(accelerated); ok {
		result.Accelerated = a.Accelerated()
	}

	s.logger.InfoContext(ctx, "issued upload urls", "count", len(files), "expiry", expiry, "accelerated", result.Accelerated)
	return result, nil
}

func (s *Service) validateDescriptors(ctx context.Context, formID string, req PresignRequest) error {
	var (
		maxBytes int64
		policy   signature.Policy
		checked  bool
	)
	if req.FieldName != "" {
		cfg, err := s.fields.FieldConfig(ctx, formID, req.FieldName)
		if err != nil {
			return fmt.Errorf("failed to resolve field config: %w", err)
		}
		maxBytes = cfg.MaxBytes()
		policy = signature.Resolve(cfg.Accept)
		checked = true
	}

	for i, f := range req.Files {
		field := fmt.Sprintf("files[%d]", i)
		if strings.TrimSpace(f.Filename) == "" {
			return &simplemedia.ValidationError{Field: field + ".filename", Err: simplemedia.ErrInvalidRequest}
		}
		if strings.TrimSpace(f.ContentType) == "" {
			return &simplemedia.ValidationError{Field: field + ".contentType", Err: simplemedia.ErrInvalidRequest}
		}
		if f.Size != nil && *f.Size < 0 {
			return &simplemedia.ValidationError{Field: field + ".size", Err: simplemedia.ErrInvalidRequest}
		}
		if !checked {
			continue
		}
		if f.Size != nil && *f.Size > maxBytes {
			return &simplemedia.ValidationError{Field: field + ".size", Err: simplemedia.ErrFileTooLarge}
		}
		if !policy.Allows(f.ContentType) {
			return &simplemedia.ValidationError{Field: field + ".contentType", Err: simplemedia.ErrInvalidFileType}
		}
	}
	return nil
}
