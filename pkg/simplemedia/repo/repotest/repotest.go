// Package repotest holds behaviour tests every simplemedia.Repository
// implementation must pass.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Run exercises repo. newRepo must return an empty repository on every call.
func Run(t *testing.T, newRepo func(t *testing.T) simplemedia.Repository) {
	t.Run("UploadLifecycle", func(t *testing.T) { testUploadLifecycle(t, newRepo(t)) })
	t.Run("MarkUsed", func(t *testing.T) { testMarkUsed(t, newRepo(t)) })
	t.Run("OrphanDeletion", func(t *testing.T) { testOrphanDeletion(t, newRepo(t)) })
	t.Run("UsedPruning", func(t *testing.T) { testUsedPruning(t, newRepo(t)) })
	t.Run("AssetVariants", func(t *testing.T) { testAssetVariants(t, newRepo(t)) })
	t.Run("MissingVariantsPagination", func(t *testing.T) { testMissingVariantsPagination(t, newRepo(t)) })
}

// Timestamps are truncated to microseconds to survive a Postgres round trip.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewUpload returns a PENDING upload uploaded at the given time.
func NewUpload(uploadedAt time.Time) *simplemedia.ProvisionalUpload {
	id := uuid.New()
	key := "uploads/forms/contact/" + id.String()[:8] + "-photo.png"
	return &simplemedia.ProvisionalUpload{
		ID:          id,
		StorageURL:  "memory:///" + key,
		ObjectKey:   key,
		FileName:    "photo.png",
		FileSize:    1024,
		MimeType:    "image/png",
		FormID:      "contact",
		FieldName:   "attachment",
		RequesterIP: "203.0.113.7",
		Status:      simplemedia.UploadStatusPending,
		UploadedAt:  uploadedAt.UTC().Truncate(time.Microsecond),
	}
}

// NewAsset returns an unprocessed asset with the given extension.
func NewAsset(ext string) *simplemedia.Asset {
	id := uuid.New()
	return &simplemedia.Asset{
		ID:               id,
		StorageKey:       "assets/" + id.String(),
		Extension:        ext,
		OriginalFilename: "original." + ext,
		Size:             2048,
		MimeType:         "application/octet-stream",
		Tags:             []string{"homepage"},
		Category:         "banners",
		CreatedAt:        base,
		UpdatedAt:        base,
	}
}

func testUploadLifecycle(t *testing.T, repo simplemedia.Repository) {
	ctx := context.Background()

	stale := NewUpload(base.Add(-25 * time.Hour))
	fresh := NewUpload(base.Add(-1 * time.Hour))
	require.NoError(t, repo.CreateUpload(ctx, stale))
	require.NoError(t, repo.CreateUpload(ctx, fresh))

	got, err := repo.GetUpload(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, stale.ObjectKey, got.ObjectKey)
	assert.Equal(t, stale.RequesterIP, got.RequesterIP)
	assert.Equal(t, simplemedia.UploadStatusPending, got.Status)
	assert.True(t, stale.UploadedAt.Equal(got.UploadedAt))
	assert.Nil(t, got.OrphanedAt)
	assert.Nil(t, got.UsedAt)

	ids, err := repo.MarkOrphaned(ctx, base.Add(-24*time.Hour), base)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale.ID}, ids)

	got, err = repo.GetUpload(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.UploadStatusOrphan, got.Status)
	require.NotNil(t, got.OrphanedAt)
	assert.True(t, base.Equal(*got.OrphanedAt))

	// A second pass finds nothing new and keeps the original timestamp
	ids, err = repo.MarkOrphaned(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{fresh.ID}, ids)

	got, err = repo.GetUpload(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, base.Equal(*got.OrphanedAt))

	_, err = repo.GetUpload(ctx, uuid.New())
	assert.ErrorIs(t, err, simplemedia.ErrUploadNotFound)
}

func testMarkUsed(t *testing.T, repo simplemedia.Repository) {
	ctx := context.Background()

	pending := NewUpload(base)
	require.NoError(t, repo.CreateUpload(ctx, pending))

	require.NoError(t, repo.MarkUsed(ctx, pending.ID, base.Add(time.Minute)))
	got, err := repo.GetUpload(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.UploadStatusUsed, got.Status)
	require.NotNil(t, got.UsedAt)
	assert.True(t, base.Add(time.Minute).Equal(*got.UsedAt))

	// USED never becomes ORPHAN
	ids, err := repo.MarkOrphaned(ctx, base.Add(48*time.Hour), base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	err = repo.MarkUsed(ctx, pending.ID, base.Add(time.Hour))
	assert.ErrorIs(t, err, simplemedia.ErrInvalidTransition)

	orphan := NewUpload(base.Add(-48 * time.Hour))
	require.NoError(t, repo.CreateUpload(ctx, orphan))
	_, err = repo.MarkOrphaned(ctx, base.Add(-24*time.Hour), base)
	require.NoError(t, err)

	// ORPHAN never becomes USED
	err = repo.MarkUsed(ctx, orphan.ID, base)
	assert.ErrorIs(t, err, simplemedia.ErrInvalidTransition)

	err = repo.MarkUsed(ctx, uuid.New(), base)
	assert.ErrorIs(t, err, simplemedia.ErrUploadNotFound)
}

func testOrphanDeletion(t *testing.T, repo simplemedia.Repository) {
	ctx := context.Background()
	now := base

	old := NewUpload(now.Add(-10 * 24 * time.Hour))
	recent := NewUpload(now.Add(-3 * 24 * time.Hour))
	require.NoError(t, repo.CreateUpload(ctx, old))
	require.NoError(t, repo.CreateUpload(ctx, recent))

	_, err := repo.MarkOrphaned(ctx, now.Add(-9*24*time.Hour), now.Add(-8*24*time.Hour))
	require.NoError(t, err)
	_, err = repo.MarkOrphaned(ctx, now.Add(-24*time.Hour), now.Add(-2*24*time.Hour))
	require.NoError(t, err)

	due, err := repo.ListOrphanedBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, old.ID, due[0].ID)
	assert.Equal(t, old.ObjectKey, due[0].ObjectKey)

	require.NoError(t, repo.DeleteOrphan(ctx, old.ID))
	_, err = repo.GetUpload(ctx, old.ID)
	assert.ErrorIs(t, err, simplemedia.ErrUploadNotFound)

	assert.ErrorIs(t, repo.DeleteOrphan(ctx, old.ID), simplemedia.ErrUploadNotFound)

	pending := NewUpload(now)
	require.NoError(t, repo.CreateUpload(ctx, pending))
	assert.ErrorIs(t, repo.DeleteOrphan(ctx, pending.ID), simplemedia.ErrInvalidTransition)
}

func testUsedPruning(t *testing.T, repo simplemedia.Repository) {
	ctx := context.Background()
	now := base

	oldUsed := NewUpload(now.Add(-60 * 24 * time.Hour))
	newUsed := NewUpload(now.Add(-5 * 24 * time.Hour))
	pending := NewUpload(now.Add(-60 * 24 * time.Hour))
	for _, u := range []*simplemedia.ProvisionalUpload{oldUsed, newUsed, pending} {
		require.NoError(t, repo.CreateUpload(ctx, u))
	}
	require.NoError(t, repo.MarkUsed(ctx, oldUsed.ID, now.Add(-31*24*time.Hour)))
	require.NoError(t, repo.MarkUsed(ctx, newUsed.ID, now.Add(-4*24*time.Hour)))

	n, err := repo.DeleteUsedBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := repo.CountUploadsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[simplemedia.UploadStatusUsed])
	assert.Equal(t, int64(1), counts[simplemedia.UploadStatusPending])
	assert.Equal(t, int64(0), counts[simplemedia.UploadStatusOrphan])
}

func testAssetVariants(t *testing.T, repo simplemedia.Repository) {
	ctx := context.Background()

	asset := NewAsset("jpg")
	require.NoError(t, repo.CreateAsset(ctx, asset))

	got, err := repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Width)
	assert.Empty(t, got.Variants)
	assert.Equal(t, []string{"homepage"}, got.Tags)
	assert.Equal(t, "banners", got.Category)

	err = repo.UpdateAssetVariants(ctx, asset.ID, simplemedia.VariantUpdate{
		Width:    800,
		Height:   600,
		Size:     4096,
		MimeType: "image/jpeg",
		Variants: map[string]string{"thumbnail": "variants/thumbnail/a.jpg"},
	})
	require.NoError(t, err)

	// A later pass merges over the existing map
	err = repo.UpdateAssetVariants(ctx, asset.ID, simplemedia.VariantUpdate{
		Width:    800,
		Height:   600,
		Size:     4096,
		MimeType: "image/jpeg",
		Variants: map[string]string{"small": "variants/small/a.jpg"},
	})
	require.NoError(t, err)

	got, err = repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Width)
	require.NotNil(t, got.Height)
	assert.Equal(t, 800, *got.Width)
	assert.Equal(t, 600, *got.Height)
	assert.Equal(t, int64(4096), got.Size)
	assert.Equal(t, "image/jpeg", got.MimeType)
	assert.Equal(t, map[string]string{
		"thumbnail": "variants/thumbnail/a.jpg",
		"small":     "variants/small/a.jpg",
	}, got.Variants)

	err = repo.UpdateAssetVariants(ctx, uuid.New(), simplemedia.VariantUpdate{})
	assert.ErrorIs(t, err, simplemedia.ErrAssetNotFound)

	_, err = repo.GetAsset(ctx, uuid.New())
	assert.ErrorIs(t, err, simplemedia.ErrAssetNotFound)
}

func testMissingVariantsPagination(t *testing.T, repo simplemedia.Repository) {
	ctx := context.Background()

	complete := map[string]string{}
	for _, name := range simplemedia.AllVariants {
		complete[name] = "variants/" + name + "/x"
	}

	var eligible []uuid.UUID
	for i := 0; i < 5; i++ {
		a := NewAsset("png")
		require.NoError(t, repo.CreateAsset(ctx, a))
		eligible = append(eligible, a.ID)
	}

	partial := NewAsset("JPG")
	require.NoError(t, repo.CreateAsset(ctx, partial))
	require.NoError(t, repo.UpdateAssetVariants(ctx, partial.ID, simplemedia.VariantUpdate{
		Width: 1, Height: 1, Size: 1, MimeType: "image/jpeg",
		Variants: map[string]string{"thumbnail": "t"},
	}))
	eligible = append(eligible, partial.ID)

	done := NewAsset("png")
	require.NoError(t, repo.CreateAsset(ctx, done))
	require.NoError(t, repo.UpdateAssetVariants(ctx, done.ID, simplemedia.VariantUpdate{
		Width: 1, Height: 1, Size: 1, MimeType: "image/png", Variants: complete,
	}))

	pdf := NewAsset("pdf")
	require.NoError(t, repo.CreateAsset(ctx, pdf))

	filter := simplemedia.AssetFilter{
		Required:   simplemedia.AllVariants,
		Extensions: []string{"jpg", "jpeg", "png"},
		Limit:      4,
	}

	var seen []uuid.UUID
	for {
		page, err := repo.ListAssetsMissingVariants(ctx, filter)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 4)
		for _, a := range page {
			seen = append(seen, a.ID)
		}
		filter.After = page[len(page)-1].ID
	}

	assert.ElementsMatch(t, eligible, seen)
	assert.NotContains(t, seen, done.ID)
	assert.NotContains(t, seen, pdf.ID)
}
