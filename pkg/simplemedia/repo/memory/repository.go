package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Repository implements simplemedia.Repository using in-memory storage
type Repository struct {
	mu      sync.RWMutex
	uploads map[uuid.UUID]*simplemedia.ProvisionalUpload
	assets  map[uuid.UUID]*simplemedia.Asset
	now     func() time.Time
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		uploads: make(map[uuid.UUID]*simplemedia.ProvisionalUpload),
		assets:  make(map[uuid.UUID]*simplemedia.Asset),
		now:     time.Now,
	}
}

var _ simplemedia.Repository = (*Repository)(nil)

// Provisional upload operations

func (r *Repository) CreateUpload(ctx context.Context, upload *simplemedia.ProvisionalUpload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.uploads[upload.ID]; exists {
		return fmt.Errorf("upload %s already exists", upload.ID)
	}
	r.uploads[upload.ID] = copyUpload(upload)
	return nil
}

func (r *Repository) GetUpload(ctx context.Context, id uuid.UUID) (*simplemedia.ProvisionalUpload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	upload, exists := r.uploads[id]
	if !exists {
		return nil, simplemedia.ErrUploadNotFound
	}
	return copyUpload(upload), nil
}

func (r *Repository) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	upload, exists := r.uploads[id]
	if !exists {
		return simplemedia.ErrUploadNotFound
	}
	if err := simplemedia.ValidateTransition(upload.Status, simplemedia.UploadStatusUsed); err != nil {
		return err
	}

	upload.Status = simplemedia.UploadStatusUsed
	usedAt := at
	upload.UsedAt = &usedAt
	return nil
}

func (r *Repository) MarkOrphaned(ctx context.Context, uploadedBefore, at time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uuid.UUID
	for id, upload := range r.uploads {
		if upload.Status != simplemedia.UploadStatusPending || !upload.UploadedAt.Before(uploadedBefore) {
			continue
		}
		upload.Status = simplemedia.UploadStatusOrphan
		orphanedAt := at
		upload.OrphanedAt = &orphanedAt
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids, nil
}

func (r *Repository) ListOrphanedBefore(ctx context.Context, orphanedBefore time.Time) ([]*simplemedia.ProvisionalUpload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplemedia.ProvisionalUpload
	for _, upload := range r.uploads {
		if upload.Status != simplemedia.UploadStatusOrphan || upload.OrphanedAt == nil {
			continue
		}
		if upload.OrphanedAt.Before(orphanedBefore) {
			result = append(result, copyUpload(upload))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OrphanedAt.Before(*result[j].OrphanedAt)
	})
	return result, nil
}

func (r *Repository) DeleteOrphan(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	upload, exists := r.uploads[id]
	if !exists {
		return simplemedia.ErrUploadNotFound
	}
	if !simplemedia.CanDelete(upload.Status) {
		return fmt.Errorf("%w: cannot delete %s upload", simplemedia.ErrInvalidTransition, upload.Status)
	}
	delete(r.uploads, id)
	return nil
}

func (r *Repository) DeleteUsedBefore(ctx context.Context, usedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for id, upload := range r.uploads {
		if upload.Status == simplemedia.UploadStatusUsed && upload.UsedAt != nil && upload.UsedAt.Before(usedBefore) {
			delete(r.uploads, id)
			count++
		}
	}
	return count, nil
}

func (r *Repository) CountUploadsByStatus(ctx context.Context) (map[simplemedia.UploadStatus]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[simplemedia.UploadStatus]int64{
		simplemedia.UploadStatusPending: 0,
		simplemedia.UploadStatusUsed:    0,
		simplemedia.UploadStatusOrphan:  0,
	}
	for _, upload := range r.uploads {
		counts[upload.Status]++
	}
	return counts, nil
}

// Asset operations

func (r *Repository) CreateAsset(ctx context.Context, asset *simplemedia.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[asset.ID]; exists {
		return fmt.Errorf("asset %s already exists", asset.ID)
	}
	r.assets[asset.ID] = copyAsset(asset)
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*simplemedia.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, exists := r.assets[id]
	if !exists {
		return nil, simplemedia.ErrAssetNotFound
	}
	return copyAsset(asset), nil
}

func (r *Repository) ListAssetsMissingVariants(ctx context.Context, filter simplemedia.AssetFilter) ([]*simplemedia.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	extensions := make(map[string]bool, len(filter.Extensions))
	for _, ext := range filter.Extensions {
		extensions[strings.ToLower(ext)] = true
	}

	var result []*simplemedia.Asset
	for _, asset := range r.assets {
		if bytes.Compare(asset.ID[:], filter.After[:]) <= 0 {
			continue
		}
		if len(extensions) > 0 && !extensions[strings.ToLower(asset.Extension)] {
			continue
		}
		if len(asset.Variants) > 0 && len(asset.MissingVariants(filter.Required)) == 0 {
			continue
		}
		result = append(result, copyAsset(asset))
	}

	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].ID[:], result[j].ID[:]) < 0
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *Repository) UpdateAssetVariants(ctx context.Context, id uuid.UUID, update simplemedia.VariantUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, exists := r.assets[id]
	if !exists {
		return simplemedia.ErrAssetNotFound
	}

	width, height := update.Width, update.Height
	asset.Width = &width
	asset.Height = &height
	asset.Size = update.Size
	asset.MimeType = update.MimeType
	if asset.Variants == nil {
		asset.Variants = make(map[string]string, len(update.Variants))
	}
	for name, key := range update.Variants {
		asset.Variants[name] = key
	}
	asset.UpdatedAt = r.now().UTC()
	return nil
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}

func copyUpload(u *simplemedia.ProvisionalUpload) *simplemedia.ProvisionalUpload {
	c := *u
	if u.OrphanedAt != nil {
		t := *u.OrphanedAt
		c.OrphanedAt = &t
	}
	if u.UsedAt != nil {
		t := *u.UsedAt
		c.UsedAt = &t
	}
	return &c
}

func copyAsset(a *simplemedia.Asset) *simplemedia.Asset {
	c := *a
	if a.Width != nil {
		w := *a.Width
		c.Width = &w
	}
	if a.Height != nil {
		h := *a.Height
		c.Height = &h
	}
	if a.Variants != nil {
		c.Variants = make(map[string]string, len(a.Variants))
		for k, v := range a.Variants {
			c.Variants[k] = v
		}
	}
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	return &c
}
