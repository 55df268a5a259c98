package variants_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	memoryrepo "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/repotest"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/variants"
)

func gradient(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(w, h)))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

type fixture struct {
	repo  *memoryrepo.Repository
	store *memorystorage.Backend
}

func newFixture() *fixture {
	return &fixture{repo: memoryrepo.New(), store: memorystorage.New()}
}

func (f *fixture) addAsset(t *testing.T, ext string, data []byte) *simplemedia.Asset {
	t.Helper()
	asset := repotest.NewAsset(ext)
	require.NoError(t, f.repo.CreateAsset(context.Background(), asset))
	if data != nil {
		require.NoError(t, f.store.Upload(context.Background(), asset.SourceKey(), bytes.NewReader(data)))
	}
	return asset
}

func (f *fixture) read(t *testing.T, key string) []byte {
	t.Helper()
	rc, err := f.store.Download(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestRun_GeneratesAllVariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	asset := f.addAsset(t, "png", encodePNG(t, 2400, 1200))

	report, err := variants.New(f.repo, f.store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, &variants.RunReport{Scanned: 1, Processed: 1}, report)

	got, err := f.repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Width)
	assert.Equal(t, 2400, *got.Width)
	assert.Equal(t, 1200, *got.Height)
	assert.Equal(t, "image/png", got.MimeType)
	assert.Equal(t, []string{"homepage"}, got.Tags)

	expected := map[string]string{
		"thumbnail": objectkey.VariantKey("thumbnail", asset.StorageKey, "png"),
		"small":     objectkey.VariantKey("small", asset.StorageKey, "png"),
		"medium":    objectkey.VariantKey("medium", asset.StorageKey, "png"),
		"large":     objectkey.VariantKey("large", asset.StorageKey, "png"),
		"xlarge":    objectkey.VariantKey("xlarge", asset.StorageKey, "png"),
		"webp":      objectkey.VariantKey("webp", asset.StorageKey, "webp"),
	}
	assert.Equal(t, expected, got.Variants)

	dims := map[string][2]int{
		"thumbnail": {150, 150},
		"small":     {320, 160},
		"medium":    {640, 320},
		"large":     {1024, 512},
		"xlarge":    {1920, 960},
		"webp":      {1920, 960},
	}
	for name, want := range dims {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(f.read(t, got.Variants[name])))
		require.NoError(t, err, name)
		assert.Equal(t, want, [2]int{cfg.Width, cfg.Height}, name)
	}
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	asset := f.addAsset(t, "jpg", encodeJPEG(t, 800, 600))
	worker := variants.New(f.repo, f.store)

	_, err := worker.Run(ctx)
	require.NoError(t, err)
	first, err := f.repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	keys := f.store.Keys()
	objects := make(map[string][]byte, len(first.Variants))
	for name, key := range first.Variants {
		objects[name] = f.read(t, key)
	}

	report, err := worker.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	// Regenerate from scratch over the same store
	cleared := *first
	cleared.Variants = nil
	cleared.Width, cleared.Height = nil, nil
	repo := memoryrepo.New()
	require.NoError(t, repo.CreateAsset(ctx, &cleared))

	report, err = variants.New(repo, f.store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, &variants.RunReport{Scanned: 1, Processed: 1}, report)

	second, err := repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Variants, second.Variants)
	assert.Equal(t, keys, f.store.Keys())
	for name, key := range second.Variants {
		assert.Equal(t, objects[name], f.read(t, key), name)
	}
}

func TestRun_SmallSourceIsNotUpscaled(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	asset := f.addAsset(t, "png", encodePNG(t, 500, 250))

	_, err := variants.New(f.repo, f.store).Run(ctx)
	require.NoError(t, err)

	got, err := f.repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	for _, name := range []string{"medium", "large", "xlarge", "webp"} {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(f.read(t, got.Variants[name])))
		require.NoError(t, err, name)
		assert.Equal(t, 500, cfg.Width, name)
	}
}

func TestRun_PartialVariantsStayEligible(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	asset := f.addAsset(t, "png", encodePNG(t, 1200, 800))
	mediumKey := objectkey.VariantKey("medium", asset.StorageKey, "png")
	f.store.FailOn("upload", mediumKey, errors.New("throttled"))
	worker := variants.New(f.repo, f.store)

	report, err := worker.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PartialVariants)

	got, err := f.repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, got.Variants, 5)
	assert.NotContains(t, got.Variants, "medium")

	f.store.FailOn("upload", mediumKey, nil)
	report, err = worker.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, &variants.RunReport{Scanned: 1, Processed: 1}, report)

	got, err = f.repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, got.Variants, len(simplemedia.AllVariants))
	assert.Equal(t, mediumKey, got.Variants["medium"])
}

func TestRun_SkipsUnreadableSources(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	missing := f.addAsset(t, "png", nil)
	corrupt := f.addAsset(t, "jpg", []byte("definitely not a jpeg"))
	good := f.addAsset(t, "png", encodePNG(t, 400, 300))

	report, err := variants.New(f.repo, f.store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Processed)

	for _, a := range []*simplemedia.Asset{missing, corrupt} {
		got, err := f.repo.GetAsset(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Variants)
		assert.Nil(t, got.Width)
	}
	got, err := f.repo.GetAsset(ctx, good.ID)
	require.NoError(t, err)
	assert.Len(t, got.Variants, len(simplemedia.AllVariants))
}

// pngHeader returns a PNG that declares a w x h 8-bit grayscale frame and a
// truncated IDAT.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(typ string, data []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		buf.WriteString(typ)
		buf.Write(data)
		_ = binary.Write(&buf, binary.BigEndian, crc.Sum32())
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8
	chunk("IHDR", ihdr)
	chunk("IDAT", []byte{0x78, 0x9c})
	return buf.Bytes()
}

func TestRun_SkipsSourcesOverPixelLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	bomb := f.addAsset(t, "png", pngHeader(20000, 20000))
	small := f.addAsset(t, "png", encodePNG(t, 300, 200))

	report, err := variants.New(f.repo, f.store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, &variants.RunReport{Scanned: 2, Processed: 1, Skipped: 1}, report)

	got, err := f.repo.GetAsset(ctx, bomb.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Variants)
	assert.Nil(t, got.Width)

	got, err = f.repo.GetAsset(ctx, small.ID)
	require.NoError(t, err)
	assert.Len(t, got.Variants, len(simplemedia.AllVariants))
}

func TestRun_SkipsSourcesOverSizeLimit(t *testing.T) {
	f := newFixture()
	data := encodePNG(t, 300, 200)
	f.addAsset(t, "png", data)

	worker := variants.New(f.repo, f.store, variants.WithMaxSourceBytes(int64(len(data)-1)))
	report, err := worker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &variants.RunReport{Scanned: 1, Skipped: 1}, report)
}

// blankExtensions lists assets as if they were recorded without an extension.
type blankExtensions struct {
	*memoryrepo.Repository
}

func (b blankExtensions) ListAssetsMissingVariants(ctx context.Context, filter simplemedia.AssetFilter) ([]*simplemedia.Asset, error) {
	page, err := b.Repository.ListAssetsMissingVariants(ctx, filter)
	for _, a := range page {
		a.Extension = ""
	}
	return page, err
}

func TestRun_MissingExtensionUsesDetectedFormat(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	data := encodePNG(t, 300, 200)
	asset := f.addAsset(t, "png", nil)
	require.NoError(t, f.store.Upload(ctx, asset.StorageKey, bytes.NewReader(data)))

	_, err := variants.New(blankExtensions{f.repo}, f.store).Run(ctx)
	require.NoError(t, err)

	got, err := f.repo.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, objectkey.VariantKey("small", asset.StorageKey, "png"), got.Variants["small"])
	assert.Equal(t, "image/png", got.MimeType)
}

func TestRun_IgnoresUnsupportedExtensions(t *testing.T) {
	f := newFixture()
	f.addAsset(t, "pdf", []byte("%PDF-1.7"))

	report, err := variants.New(f.repo, f.store).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestRun_Paginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	data := encodePNG(t, 200, 100)
	for i := 0; i < 7; i++ {
		f.addAsset(t, "png", data)
	}

	report, err := variants.New(f.repo, f.store, variants.WithPageSize(2), variants.WithConcurrency(3)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, report.Scanned)
	assert.Equal(t, 7, report.Processed)
}

func TestRun_CanceledContext(t *testing.T) {
	f := newFixture()
	f.addAsset(t, "png", encodePNG(t, 200, 100))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := variants.New(f.repo, f.store).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStart_RunsImmediately(t *testing.T) {
	f := newFixture()
	asset := f.addAsset(t, "png", encodePNG(t, 300, 200))

	worker := variants.New(f.repo, f.store, variants.WithInterval(time.Hour))
	assert.Equal(t, time.Hour, worker.Interval())
	worker.Start(context.Background())
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		got, err := f.repo.GetAsset(context.Background(), asset.ID)
		return err == nil && len(got.Variants) == len(simplemedia.AllVariants)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStop_WithoutStart(t *testing.T) {
	f := newFixture()
	worker := variants.New(f.repo, f.store)
	worker.Stop()
}

// blockingAssets parks the first listing until release is closed.
type blockingAssets struct {
	*memoryrepo.Repository
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAssets) ListAssetsMissingVariants(ctx context.Context, filter simplemedia.AssetFilter) ([]*simplemedia.Asset, error) {
	select {
	case <-b.entered:
	default:
		close(b.entered)
		<-b.release
	}
	return b.Repository.ListAssetsMissingVariants(ctx, filter)
}

func TestRun_RejectsOverlappingPass(t *testing.T) {
	f := newFixture()
	repo := &blockingAssets{
		Repository: f.repo,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	f.addAsset(t, "png", encodePNG(t, 200, 100))
	worker := variants.New(repo, f.store)

	errCh := make(chan error, 1)
	go func() {
		_, err := worker.Run(context.Background())
		errCh <- err
	}()
	<-repo.entered

	report, err := worker.Run(context.Background())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, simplemedia.ErrRunInProgress)

	close(repo.release)
	require.NoError(t, <-errCh)

	report, err = worker.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

type mockEvents struct {
	simplemedia.NoopEventSink
	mock.Mock
}

func (m *mockEvents) VariantsGenerated(ctx context.Context, asset *simplemedia.Asset) error {
	args := m.Called(ctx, asset)
	return args.Error(0)
}

func TestRun_PublishesEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	asset := f.addAsset(t, "png", encodePNG(t, 300, 200))

	events := &mockEvents{}
	events.On("VariantsGenerated", mock.Anything, mock.MatchedBy(func(a *simplemedia.Asset) bool {
		return a.ID == asset.ID && len(a.Variants) == len(simplemedia.AllVariants)
	})).Return(errors.New("broker down")).Once()

	report, err := variants.New(f.repo, f.store, variants.WithEventSink(events)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	events.AssertExpectations(t)
}

// failingAssets rejects every variant update.
type failingAssets struct {
	*memoryrepo.Repository
}

func (failingAssets) UpdateAssetVariants(ctx context.Context, id uuid.UUID, u simplemedia.VariantUpdate) error {
	return errors.New("connection reset")
}

func TestRun_UpdateFailure(t *testing.T) {
	f := newFixture()
	f.addAsset(t, "png", encodePNG(t, 300, 200))

	report, err := variants.New(failingAssets{f.repo}, f.store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}
