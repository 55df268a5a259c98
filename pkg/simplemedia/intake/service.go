// Package intake accepts uploads: it rate-limits, validates size and content,
// stores the object and records a PENDING provisional upload. It also issues
// delegated upload credentials and exposes the attach contract that moves an
// upload to USED.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/ratelimit"
	"github.com/tendant/simple-media/pkg/simplemedia/signature"
)

// Delegated upload limits.
const (
	MaxBatchSize         = 20
	DefaultExpiry        = time.Hour
	MinExpiry            = time.Minute
	MaxExpiry            = 7 * 24 * time.Hour
	DefaultWriteTimeout  = 30 * time.Second
	presignedFormDefault = "presigned"
)

// Service is the upload intake service
type Service struct {
	store        simplemedia.BlobStore
	repo         simplemedia.UploadRepository
	fields       simplemedia.FieldConfigProvider
	limiter      ratelimit.Limiter
	keys         *objectkey.Generator
	events       simplemedia.EventSink
	logger       *slog.Logger
	now          func() time.Time
	cdnBaseURL   string
	writeTimeout time.Duration
}

// New creates an intake service. Without options it uses the default field
// policy, the in-memory limiter (10 uploads per hour) and no event sink.
func New(store simplemedia.BlobStore, repo simplemedia.UploadRepository, opts ...Option) *Service {
	s := &Service{
		store:        store,
		repo:         repo,
		fields:       simplemedia.StaticFieldConfigs{},
		limiter:      ratelimit.NewMemory(ratelimit.DefaultLimit, ratelimit.DefaultWindow),
		keys:         objectkey.NewGenerator(),
		events:       simplemedia.NewNoopEventSink(),
		logger:       slog.Default(),
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "intake")
	return s
}

// UploadRequest is a single file submitted through a form field.
type UploadRequest struct {
	FormID      string
	FieldName   string
	FileName    string
	ContentType string
	RequesterIP string
	Body        io.Reader
}

// UploadResult describes a stored upload.
type UploadResult struct {
	ID         uuid.UUID `json:"id"`
	FileURL    string    `json:"fileUrl"`
	FileName   string    `json:"fileName"`
	FileSize   int64     `json:"fileSize"`
	FileType   string    `json:"fileType"`
	UploadedAt time.Time `json:"uploadedAt"`
	// Tracked is false when the provisional upload row could not be written.
	Tracked bool `json:"-"`
}

// Upload validates and stores one file.
//
// Checks run in order and stop at the first failure: rate limit, size,
// magic bytes. Nothing is written to the object store unless every check
// passes. The provisional row is written after the object; a failure there
// is logged and the upload still succeeds untracked.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := validateUploadRequest(req); err != nil {
		return nil, err
	}
	if err := s.checkRate(ctx, req.RequesterIP); err != nil {
		return nil, err
	}
	return s.accept(ctx, req)
}

// Admit counts one upload attempt against requester's rate limit. Callers
// that must refuse a request before reading its body call Admit first and
// then UploadAdmitted.
func (s *Service) Admit(ctx context.Context, requester string) error {
	return s.checkRate(ctx, requester)
}

// UploadAdmitted is Upload for a request that already passed Admit.
func (s *Service) UploadAdmitted(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := validateUploadRequest(req); err != nil {
		return nil, err
	}
	return s.accept(ctx, req)
}

func (s *Service) accept(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	cfg, err := s.fields.FieldConfig(ctx, req.FormID, req.FieldName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve field config: %w", err)
	}

	maxBytes := cfg.MaxBytes()
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, &simplemedia.ValidationError{Field: "file", Err: simplemedia.ErrFileTooLarge}
	}
	if len(data) == 0 {
		return nil, &simplemedia.ValidationError{Field: "file", Err: simplemedia.ErrInvalidRequest}
	}

	head := data
	if len(head) > signature.HeadSize {
		head = head[:signature.HeadSize]
	}
	mimeType, ok := signature.Resolve(cfg.Accept).Verify(head, req.ContentType, req.FileName)
	if !ok {
		s.logger.WarnContext(ctx, "upload rejected by signature check",
			"form", req.FormID, "field", req.FieldName, "declared_type", req.ContentType)
		return nil, &simplemedia.ValidationError{Field: "file", Err: simplemedia.ErrInvalidFileType}
	}

	key := s.keys.ForContent(req.FormID, req.FileName, data)

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	err = s.store.UploadWithParams(writeCtx, bytes.NewReader(data), simplemedia.UploadParams{
		ObjectKey: key,
		MimeType:  mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	upload := &simplemedia.ProvisionalUpload{
		ID:          uuid.New(),
		StorageURL:  s.store.ObjectURL(key),
		ObjectKey:   key,
		FileName:    req.FileName,
		FileSize:    int64(len(data)),
		MimeType:    mimeType,
		FormID:      req.FormID,
		FieldName:   req.FieldName,
		RequesterIP: req.RequesterIP,
		Status:      simplemedia.UploadStatusPending,
		UploadedAt:  s.now().UTC(),
	}
	tracked := s.track(ctx, upload)

	s.logger.InfoContext(ctx, "upload stored",
		"upload_id", upload.ID, "key", key, "size", upload.FileSize, "type", mimeType, "tracked", tracked)

	return &UploadResult{
		ID:         upload.ID,
		FileURL:    s.publicURL(key),
		FileName:   upload.FileName,
		FileSize:   upload.FileSize,
		FileType:   mimeType,
		UploadedAt: upload.UploadedAt,
		Tracked:    tracked,
	}, nil
}

func validateUploadRequest(req UploadRequest) error {
	switch {
	case strings.TrimSpace(req.FormID) == "":
		return &simplemedia.ValidationError{Field: "formId", Err: simplemedia.ErrInvalidRequest}
	case strings.TrimSpace(req.FieldName) == "":
		return &simplemedia.ValidationError{Field: "fieldName", Err: simplemedia.ErrInvalidRequest}
	case req.Body == nil:
		return &simplemedia.ValidationError{Field: "file", Err: simplemedia.ErrInvalidRequest}
	}
	return nil
}

func (s *Service) checkRate(ctx context.Context, requester string) error {
	res, err := s.limiter.Allow(ctx, requester)
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if !res.Allowed {
		s.logger.WarnContext(ctx, "upload rate limited", "requester", requester, "retry_after", res.RetryAfter)
		return &simplemedia.RateLimitError{Key: requester, RetryAfter: res.RetryAfter}
	}
	return nil
}

// track inserts the provisional row. Failures are swallowed: the object
// already exists and the caller's upload has succeeded.
func (s *Service) track(ctx context.Context, upload *simplemedia.ProvisionalUpload) bool {
	if err := s.repo.CreateUpload(ctx, upload); err != nil {
		s.logger.WarnContext(ctx, "failed to record provisional upload, object is untracked",
			"upload_id", upload.ID, "key", upload.ObjectKey, "error", err)
		return false
	}
	if err := s.events.UploadAccepted(ctx, upload); err != nil {
		s.logger.WarnContext(ctx, "failed to publish upload event", "upload_id", upload.ID, "error", err)
	}
	return true
}

func (s *Service) publicURL(key string) string {
	if s.cdnBaseURL != "" {
		return strings.TrimSuffix(s.cdnBaseURL, "/") + "/" + key
	}
	return s.store.ObjectURL(key)
}

// MarkUsed records that the surrounding application attached an upload to
// a content record. Repeating the call for a USED upload is a no-op; an
// ORPHAN upload can no longer be attached.
func (s *Service) MarkUsed(ctx context.Context, id uuid.UUID) error {
	upload, err := s.repo.GetUpload(ctx, id)
	if err != nil {
		return err
	}
	if upload.Status == simplemedia.UploadStatusUsed {
		return nil
	}

	if err := s.repo.MarkUsed(ctx, id, s.now().UTC()); err != nil {
		if errors.Is(err, simplemedia.ErrInvalidTransition) {
			// A concurrent attach may have won the race
			if current, getErr := s.repo.GetUpload(ctx, id); getErr == nil && current.Status == simplemedia.UploadStatusUsed {
				return nil
			}
		}
		return err
	}

	s.logger.InfoContext(ctx, "upload attached", "upload_id", id)
	if err := s.events.UploadUsed(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "failed to publish upload event", "upload_id", id, "error", err)
	}
	return nil
}
