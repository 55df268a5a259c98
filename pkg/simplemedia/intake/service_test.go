package intake_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/intake"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/ratelimit"
	memoryrepo "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// countingStore records writes and issued upload URLs.
type countingStore struct {
	*memorystorage.Backend
	mu          sync.Mutex
	writes      int
	issued      int
	failURL     string
	accelerated bool
}

func newCountingStore() *countingStore {
	return &countingStore{Backend: memorystorage.New()}
}

func (s *countingStore) UploadWithParams(ctx context.Context, r io.Reader, p simplemedia.UploadParams) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.Backend.UploadWithParams(ctx, r, p)
}

func (s *countingStore) GetUploadURL(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failURL != "" && strings.HasSuffix(key, s.failURL) {
		return "", errors.New("signer unavailable")
	}
	s.issued++
	return fmt.Sprintf("https://upload.example.com/%s?expires=%d", key, int(expiry.Seconds())), nil
}

func (s *countingStore) Accelerated() bool { return s.accelerated }

// failingRepo rejects every provisional row insert.
type failingRepo struct {
	*memoryrepo.Repository
}

func (failingRepo) CreateUpload(ctx context.Context, u *simplemedia.ProvisionalUpload) error {
	return errors.New("database unavailable")
}

type fixture struct {
	store *countingStore
	repo  *memoryrepo.Repository
	svc   *intake.Service
}

func newFixture(t *testing.T, opts ...intake.Option) *fixture {
	t.Helper()
	store := newCountingStore()
	repo := memoryrepo.New()
	keys := &objectkey.Generator{Prefix: objectkey.UploadPrefix, Now: func() time.Time { return fixedNow }}
	base := []intake.Option{
		intake.WithClock(func() time.Time { return fixedNow }),
		intake.WithKeyGenerator(keys),
		intake.WithFieldConfigs(simplemedia.StaticFieldConfigs{
			"contact/avatar": {MaxSizeMB: 1, Accept: []string{"image/*"}},
			"contact/resume": {MaxSizeMB: 2, Accept: []string{"pdf", "text/plain"}},
		}),
	}
	return &fixture{store: store, repo: repo, svc: intake.New(store, repo, append(base, opts...)...)}
}

func avatarRequest(body []byte) intake.UploadRequest {
	return intake.UploadRequest{
		FormID:      "contact",
		FieldName:   "avatar",
		FileName:    "me.png",
		ContentType: "image/png",
		RequesterIP: "203.0.113.7",
		Body:        bytes.NewReader(body),
	}
}

func TestUpload_StoresAndTracks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := pngBytes(t)

	res, err := f.svc.Upload(ctx, avatarRequest(data))
	require.NoError(t, err)

	assert.True(t, res.Tracked)
	assert.Equal(t, "me.png", res.FileName)
	assert.Equal(t, int64(len(data)), res.FileSize)
	assert.Equal(t, "image/png", res.FileType)
	assert.Equal(t, fixedNow, res.UploadedAt)
	assert.True(t, strings.HasPrefix(res.FileURL, memorystorage.URLPrefix+"uploads/forms/contact/"))

	upload, err := f.repo.GetUpload(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.UploadStatusPending, upload.Status)
	assert.Equal(t, "avatar", upload.FieldName)
	assert.Equal(t, "203.0.113.7", upload.RequesterIP)

	key, err := f.store.KeyFromURL(upload.StorageURL)
	require.NoError(t, err)
	assert.Equal(t, upload.ObjectKey, key)

	rc, err := f.store.Download(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestUpload_OversizeNeverWrites(t *testing.T) {
	f := newFixture(t)
	body := append(pngBytes(t), make([]byte, 1024*1024)...)

	_, err := f.svc.Upload(context.Background(), avatarRequest(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, simplemedia.ErrFileTooLarge)
	assert.True(t, simplemedia.IsValidationError(err))
	assert.Equal(t, 0, f.store.writes)
	assert.Empty(t, f.store.Keys())
}

func TestUpload_SpoofedTypeRejected(t *testing.T) {
	f := newFixture(t)
	req := avatarRequest([]byte("MZ\x90\x00\x03\x00\x00\x00 this is an executable"))
	req.FileName = "cat.png"

	_, err := f.svc.Upload(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, simplemedia.ErrInvalidFileType)
	assert.Equal(t, 0, f.store.writes)
}

func TestUpload_TextualExemption(t *testing.T) {
	f := newFixture(t)
	req := intake.UploadRequest{
		FormID:      "contact",
		FieldName:   "resume",
		FileName:    "resume.txt",
		ContentType: "text/plain",
		RequesterIP: "203.0.113.7",
		Body:        strings.NewReader("Jane Doe\nEngineer\n"),
	}

	res, err := f.svc.Upload(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", res.FileType)
}

func TestUpload_RateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intake.WithRateLimiter(ratelimit.NewMemory(10, time.Hour)))
	data := pngBytes(t)

	accepted := 0
	var lastErr error
	for i := 0; i < 11; i++ {
		_, err := f.svc.Upload(ctx, avatarRequest(data))
		if err == nil {
			accepted++
			continue
		}
		lastErr = err
	}

	assert.Equal(t, 10, accepted)
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, simplemedia.ErrRateLimited)
	var rlErr *simplemedia.RateLimitError
	require.ErrorAs(t, lastErr, &rlErr)
	assert.Equal(t, "203.0.113.7", rlErr.Key)
	assert.Positive(t, rlErr.RetryAfter)
	assert.Equal(t, 10, f.store.writes)

	// Another requester has its own window
	req := avatarRequest(data)
	req.RequesterIP = "198.51.100.1"
	_, err := f.svc.Upload(ctx, req)
	assert.NoError(t, err)
}

func TestAdmit_CountsAgainstUploadLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, intake.WithRateLimiter(ratelimit.NewMemory(2, time.Hour)))
	data := pngBytes(t)

	require.NoError(t, f.svc.Admit(ctx, "203.0.113.7"))
	_, err := f.svc.UploadAdmitted(ctx, avatarRequest(data))
	require.NoError(t, err)

	// One attempt left, spent by Upload itself
	_, err = f.svc.Upload(ctx, avatarRequest(data))
	require.NoError(t, err)

	err = f.svc.Admit(ctx, "203.0.113.7")
	assert.ErrorIs(t, err, simplemedia.ErrRateLimited)
	assert.Equal(t, 2, f.store.writes)

	// UploadAdmitted still validates the request
	req := avatarRequest(data)
	req.FormID = ""
	_, err = f.svc.UploadAdmitted(ctx, req)
	assert.ErrorIs(t, err, simplemedia.ErrInvalidRequest)
}

func TestUpload_RequiresFormAndField(t *testing.T) {
	f := newFixture(t)

	req := avatarRequest(pngBytes(t))
	req.FormID = ""
	_, err := f.svc.Upload(context.Background(), req)
	assert.ErrorIs(t, err, simplemedia.ErrInvalidRequest)

	req = avatarRequest(pngBytes(t))
	req.FieldName = " "
	_, err = f.svc.Upload(context.Background(), req)
	assert.ErrorIs(t, err, simplemedia.ErrInvalidRequest)

	req = avatarRequest(nil)
	_, err = f.svc.Upload(context.Background(), req)
	assert.ErrorIs(t, err, simplemedia.ErrInvalidRequest)
}

func TestUpload_MetadataFailureIsSwallowed(t *testing.T) {
	store := newCountingStore()
	svc := intake.New(store, failingRepo{memoryrepo.New()},
		intake.WithFieldConfigs(simplemedia.StaticFieldConfigs{"contact/*": {Accept: []string{"png"}}}))

	res, err := svc.Upload(context.Background(), avatarRequest(pngBytes(t)))
	require.NoError(t, err)
	assert.False(t, res.Tracked)
	assert.Len(t, store.Keys(), 1)
}

func TestUpload_StoreFailure(t *testing.T) {
	f := newFixture(t)
	data := pngBytes(t)
	key := (&objectkey.Generator{Prefix: objectkey.UploadPrefix, Now: func() time.Time { return fixedNow }}).
		ForContent("contact", "me.png", data)
	f.store.FailOn("upload", key, errors.New("disk full"))

	_, err := f.svc.Upload(context.Background(), avatarRequest(data))
	require.Error(t, err)
	var storageErr *simplemedia.StorageError
	assert.ErrorAs(t, err, &storageErr)

	counts, err := f.repo.CountUploadsByStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[simplemedia.UploadStatusPending])
}

func TestUpload_CDNBaseURL(t *testing.T) {
	f := newFixture(t, intake.WithCDNBaseURL("https://cdn.example.com/"))

	res, err := f.svc.Upload(context.Background(), avatarRequest(pngBytes(t)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.FileURL, "https://cdn.example.com/uploads/forms/contact/"))
}

func TestMarkUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Upload(ctx, avatarRequest(pngBytes(t)))
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkUsed(ctx, res.ID))
	upload, err := f.repo.GetUpload(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.UploadStatusUsed, upload.Status)
	require.NotNil(t, upload.UsedAt)
	assert.Equal(t, fixedNow, *upload.UsedAt)

	// Repeating is a no-op
	require.NoError(t, f.svc.MarkUsed(ctx, res.ID))

	err = f.svc.MarkUsed(ctx, uuid.New())
	assert.ErrorIs(t, err, simplemedia.ErrUploadNotFound)
}

func TestMarkUsed_OrphanCannotBeAttached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.Upload(ctx, avatarRequest(pngBytes(t)))
	require.NoError(t, err)

	ids, err := f.repo.MarkOrphaned(ctx, fixedNow.Add(time.Minute), fixedNow.Add(25*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{res.ID}, ids)

	err = f.svc.MarkUsed(ctx, res.ID)
	assert.ErrorIs(t, err, simplemedia.ErrInvalidTransition)
}
