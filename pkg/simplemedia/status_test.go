package simplemedia_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from simplemedia.UploadStatus
		to   simplemedia.UploadStatus
		want bool
	}{
		{"pending to used", simplemedia.UploadStatusPending, simplemedia.UploadStatusUsed, true},
		{"pending to orphan", simplemedia.UploadStatusPending, simplemedia.UploadStatusOrphan, true},
		{"orphan to pending", simplemedia.UploadStatusOrphan, simplemedia.UploadStatusPending, false},
		{"used to orphan", simplemedia.UploadStatusUsed, simplemedia.UploadStatusOrphan, false},
		{"orphan to used", simplemedia.UploadStatusOrphan, simplemedia.UploadStatusUsed, false},
		{"used to pending", simplemedia.UploadStatusUsed, simplemedia.UploadStatusPending, false},
		{"pending to pending", simplemedia.UploadStatusPending, simplemedia.UploadStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, simplemedia.CanTransition(tt.from, tt.to))

			err := simplemedia.ValidateTransition(tt.from, tt.to)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, simplemedia.ErrInvalidTransition))
			}
		})
	}

	t.Run("unknown status", func(t *testing.T) {
		err := simplemedia.ValidateTransition("DRAFT", simplemedia.UploadStatusUsed)
		assert.ErrorIs(t, err, simplemedia.ErrInvalidTransition)
	})
}

func TestCanDelete(t *testing.T) {
	assert.True(t, simplemedia.CanDelete(simplemedia.UploadStatusOrphan))
	assert.False(t, simplemedia.CanDelete(simplemedia.UploadStatusPending))
	assert.False(t, simplemedia.CanDelete(simplemedia.UploadStatusUsed))
}

func TestAssetKeys(t *testing.T) {
	asset := &simplemedia.Asset{StorageKey: "media/abc", Extension: "jpg"}
	assert.Equal(t, "media/abc.jpg", asset.SourceKey())

	asset.Extension = ""
	assert.Equal(t, "media/abc", asset.SourceKey())

	asset.Variants = map[string]string{"thumbnail": "variants/thumbnail/media/abc.jpg", "small": ""}
	assert.Equal(t, []string{"small", "medium"}, asset.MissingVariants([]string{"thumbnail", "small", "medium"}))
}

func TestFieldConfig(t *testing.T) {
	assert.Equal(t, int64(5*1024*1024), simplemedia.FieldConfig{}.MaxBytes())
	assert.Equal(t, int64(2*1024*1024), simplemedia.FieldConfig{MaxSizeMB: 2}.MaxBytes())

	configs := simplemedia.StaticFieldConfigs{
		"contact/avatar": {MaxSizeMB: 1, Accept: []string{"image/*"}},
		"press/*":        {MaxSizeMB: 20},
	}
	cfg, err := configs.FieldConfig(context.Background(), "contact", "avatar")
	assert.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxSizeMB)

	cfg, _ = configs.FieldConfig(context.Background(), "press", "kit")
	assert.Equal(t, 20, cfg.MaxSizeMB)

	cfg, _ = configs.FieldConfig(context.Background(), "unknown", "field")
	assert.Equal(t, simplemedia.DefaultFieldConfig, cfg)
}

func TestValidationErrorClassification(t *testing.T) {
	assert.True(t, simplemedia.IsValidationError(&simplemedia.ValidationError{Field: "file", Err: simplemedia.ErrFileTooLarge}))
	assert.True(t, simplemedia.IsValidationError(simplemedia.ErrBatchTooLarge))
	assert.False(t, simplemedia.IsValidationError(simplemedia.ErrRateLimited))
	assert.False(t, simplemedia.IsValidationError(errors.New("boom")))

	var rl error = &simplemedia.RateLimitError{Key: "1.2.3.4"}
	assert.ErrorIs(t, rl, simplemedia.ErrRateLimited)
}
