package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

// DefaultPageSize bounds ListAssetsMissingVariants when the filter sets no limit.
const DefaultPageSize = 100

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplemedia.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

var _ simplemedia.Repository = (*Repository)(nil)

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "assets") {
				return fmt.Errorf("asset already exists")
			}
			return fmt.Errorf("duplicate entry")
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", simplemedia.ErrInvalidTransition, pgErr.Message)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Provisional upload operations

const uploadColumns = `id, storage_url, object_key, file_name, file_size, mime_type,
	form_id, field_name, requester_ip, status, uploaded_at, orphaned_at, used_at`

func scanUpload(row pgx.Row) (*simplemedia.ProvisionalUpload, error) {
	var upload simplemedia.ProvisionalUpload
	var status string
	err := row.Scan(
		&upload.ID, &upload.StorageURL, &upload.ObjectKey, &upload.FileName,
		&upload.FileSize, &upload.MimeType, &upload.FormID, &upload.FieldName,
		&upload.RequesterIP, &status, &upload.UploadedAt, &upload.OrphanedAt, &upload.UsedAt)
	if err != nil {
		return nil, err
	}
	upload.Status = simplemedia.UploadStatus(status)
	return &upload, nil
}

func (r *Repository) CreateUpload(ctx context.Context, upload *simplemedia.ProvisionalUpload) error {
	query := `
		INSERT INTO provisional_uploads (` + uploadColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.Exec(ctx, query,
		upload.ID, upload.StorageURL, upload.ObjectKey, upload.FileName,
		upload.FileSize, upload.MimeType, upload.FormID, upload.FieldName,
		upload.RequesterIP, string(upload.Status), upload.UploadedAt, upload.OrphanedAt, upload.UsedAt)
	if err != nil {
		return r.handlePostgresError("create upload", err)
	}

	return nil
}

func (r *Repository) GetUpload(ctx context.Context, id uuid.UUID) (*simplemedia.ProvisionalUpload, error) {
	query := `SELECT ` + uploadColumns + ` FROM provisional_uploads WHERE id = $1`

	upload, err := scanUpload(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplemedia.ErrUploadNotFound
		}
		return nil, r.handlePostgresError("get upload", err)
	}

	return upload, nil
}

// transitionError explains why a conditional update matched no row.
func (r *Repository) transitionError(ctx context.Context, id uuid.UUID, to simplemedia.UploadStatus) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM provisional_uploads WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return simplemedia.ErrUploadNotFound
		}
		return r.handlePostgresError("get upload status", err)
	}
	if err := simplemedia.ValidateTransition(simplemedia.UploadStatus(status), to); err != nil {
		return err
	}
	// The row moved between the update and this read
	return fmt.Errorf("%w: %s changed concurrently", simplemedia.ErrInvalidTransition, id)
}

func (r *Repository) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE provisional_uploads SET status = 'USED', used_at = $2
		WHERE id = $1 AND status = 'PENDING'`

	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return r.handlePostgresError("mark upload used", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id, simplemedia.UploadStatusUsed)
	}

	return nil
}

func (r *Repository) MarkOrphaned(ctx context.Context, uploadedBefore, at time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE provisional_uploads SET status = 'ORPHAN', orphaned_at = $2
		WHERE status = 'PENDING' AND uploaded_at < $1
		RETURNING id`

	rows, err := r.db.Query(ctx, query, uploadedBefore, at)
	if err != nil {
		return nil, r.handlePostgresError("mark uploads orphaned", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, r.handlePostgresError("mark uploads orphaned", err)
	}

	return ids, nil
}

func (r *Repository) ListOrphanedBefore(ctx context.Context, orphanedBefore time.Time) ([]*simplemedia.ProvisionalUpload, error) {
	query := `
		SELECT ` + uploadColumns + `
		FROM provisional_uploads
		WHERE status = 'ORPHAN' AND orphaned_at < $1
		ORDER BY orphaned_at`

	rows, err := r.db.Query(ctx, query, orphanedBefore)
	if err != nil {
		return nil, r.handlePostgresError("list orphaned uploads", err)
	}
	defer rows.Close()

	var uploads []*simplemedia.ProvisionalUpload
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan orphaned upload", err)
		}
		uploads = append(uploads, upload)
	}

	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list orphaned uploads", err)
	}

	return uploads, nil
}

func (r *Repository) DeleteOrphan(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM provisional_uploads WHERE id = $1 AND status = 'ORPHAN'`, id)
	if err != nil {
		return r.handlePostgresError("delete orphan", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRow(ctx, `SELECT status FROM provisional_uploads WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return simplemedia.ErrUploadNotFound
	}
	if err != nil {
		return r.handlePostgresError("delete orphan", err)
	}
	return fmt.Errorf("%w: cannot delete %s upload", simplemedia.ErrInvalidTransition, status)
}

func (r *Repository) DeleteUsedBefore(ctx context.Context, usedBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM provisional_uploads WHERE status = 'USED' AND used_at < $1`, usedBefore)
	if err != nil {
		return 0, r.handlePostgresError("prune used uploads", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) CountUploadsByStatus(ctx context.Context) (map[simplemedia.UploadStatus]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM provisional_uploads GROUP BY status`)
	if err != nil {
		return nil, r.handlePostgresError("count uploads", err)
	}
	defer rows.Close()

	counts := map[simplemedia.UploadStatus]int64{
		simplemedia.UploadStatusPending: 0,
		simplemedia.UploadStatusUsed:    0,
		simplemedia.UploadStatusOrphan:  0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, r.handlePostgresError("count uploads", err)
		}
		counts[simplemedia.UploadStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("count uploads", err)
	}

	return counts, nil
}

// Asset operations

const assetColumns = `id, storage_key, extension, original_filename, size, mime_type,
	width, height, variants, tags, category, created_at, updated_at`

func scanAsset(row pgx.Row) (*simplemedia.Asset, error) {
	var asset simplemedia.Asset
	err := row.Scan(
		&asset.ID, &asset.StorageKey, &asset.Extension, &asset.OriginalFilename,
		&asset.Size, &asset.MimeType, &asset.Width, &asset.Height, &asset.Variants,
		&asset.Tags, &asset.Category, &asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *Repository) CreateAsset(ctx context.Context, asset *simplemedia.Asset) error {
	query := `
		INSERT INTO assets (` + assetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	tags := asset.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := r.db.Exec(ctx, query,
		asset.ID, asset.StorageKey, asset.Extension, asset.OriginalFilename,
		asset.Size, asset.MimeType, asset.Width, asset.Height, asset.Variants,
		tags, asset.Category, asset.CreatedAt, asset.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create asset", err)
	}

	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*simplemedia.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`

	asset, err := scanAsset(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplemedia.ErrAssetNotFound
		}
		return nil, r.handlePostgresError("get asset", err)
	}

	return asset, nil
}

// ListAssetsMissingVariants pages through assets by ID. An asset qualifies
// when its variant map is absent, empty, or lacks one of the required keys.
func (r *Repository) ListAssetsMissingVariants(ctx context.Context, filter simplemedia.AssetFilter) ([]*simplemedia.Asset, error) {
	query := `
		SELECT ` + assetColumns + `
		FROM assets
		WHERE id > $1
		  AND (cardinality($2::text[]) = 0 OR lower(extension) = ANY($2::text[]))
		  AND (variants IS NULL OR variants = '{}'::jsonb OR NOT (variants ?& $3::text[]))
		ORDER BY id
		LIMIT $4`

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	extensions := make([]string, 0, len(filter.Extensions))
	for _, ext := range filter.Extensions {
		extensions = append(extensions, strings.ToLower(ext))
	}
	required := filter.Required
	if required == nil {
		required = []string{}
	}

	rows, err := r.db.Query(ctx, query, filter.After, extensions, required, limit)
	if err != nil {
		return nil, r.handlePostgresError("list assets missing variants", err)
	}
	defer rows.Close()

	var assets []*simplemedia.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan asset", err)
		}
		assets = append(assets, asset)
	}

	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list assets missing variants", err)
	}

	return assets, nil
}

// UpdateAssetVariants writes intrinsics and merges the variant map in one statement.
func (r *Repository) UpdateAssetVariants(ctx context.Context, id uuid.UUID, update simplemedia.VariantUpdate) error {
	query := `
		UPDATE assets SET
			width = $2, height = $3, size = $4, mime_type = $5,
			variants = COALESCE(variants, '{}'::jsonb) || $6::jsonb,
			updated_at = now()
		WHERE id = $1`

	variants := update.Variants
	if variants == nil {
		variants = map[string]string{}
	}

	tag, err := r.db.Exec(ctx, query, id, update.Width, update.Height, update.Size, update.MimeType, variants)
	if err != nil {
		return r.handlePostgresError("update asset variants", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.ErrAssetNotFound
	}

	return nil
}
