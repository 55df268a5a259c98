package simplemedia

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrFileTooLarge indicates the payload exceeds the field's size limit
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrInvalidFileType indicates the payload's leading bytes match no accepted type
	ErrInvalidFileType = errors.New("file type not allowed")

	// ErrInvalidRequest indicates a malformed upload request
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBatchTooLarge indicates a delegated upload batch above the per-request cap
	ErrBatchTooLarge = errors.New("too many files in batch")

	// ErrEmptyBatch indicates a delegated upload batch without files
	ErrEmptyBatch = errors.New("no files in batch")

	// ErrRateLimited indicates the requester exceeded the upload rate
	ErrRateLimited = errors.New("upload rate limit exceeded")

	// ErrUploadNotFound indicates a provisional upload was not found
	ErrUploadNotFound = errors.New("upload not found")

	// ErrAssetNotFound indicates an asset was not found
	ErrAssetNotFound = errors.New("asset not found")

	// ErrObjectNotFound indicates the object store holds no object for a key
	ErrObjectNotFound = errors.New("object not found")

	// ErrInvalidTransition indicates a provisional upload status change the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid upload status transition")

	// ErrRunInProgress indicates a scheduled run was skipped because the previous one is still active
	ErrRunInProgress = errors.New("run already in progress")
)

// ValidationError is a request rejected before any side effect.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RateLimitError reports a rejected request and when the caller may retry.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v for %s, retry after %s", ErrRateLimited, e.Key, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// AssetError represents an error related to asset operations
type AssetError struct {
	AssetID uuid.UUID
	Op      string
	Err     error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset operation %s failed for asset %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err was caused by invalid caller input.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrInvalidFileType) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrBatchTooLarge) ||
		errors.Is(err, ErrEmptyBatch)
}
