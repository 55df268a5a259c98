package memory_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

func TestMemoryBackend(t *testing.T) {
	backend := memorystorage.New()
	ctx := context.Background()
	testKey := "uploads/forms/contact/abc-1-photo.png"
	testData := "Hello, World! This is test data."

	t.Run("Upload", func(t *testing.T) {
		err := backend.Upload(ctx, testKey, strings.NewReader(testData))
		assert.NoError(t, err)
	})

	t.Run("GetObjectMeta", func(t *testing.T) {
		meta, err := backend.GetObjectMeta(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, testKey, meta.Key)
		assert.Equal(t, int64(len(testData)), meta.Size)
		assert.Equal(t, "application/octet-stream", meta.ContentType)
	})

	t.Run("Download", func(t *testing.T) {
		reader, err := backend.Download(ctx, testKey)
		require.NoError(t, err)
		defer reader.Close()

		downloaded, err := io.ReadAll(reader)
		assert.NoError(t, err)
		assert.Equal(t, testData, string(downloaded))
	})

	t.Run("UploadWithParams", func(t *testing.T) {
		key := "uploads/forms/contact/def-2-notes.txt"
		err := backend.UploadWithParams(ctx, strings.NewReader(testData), simplemedia.UploadParams{
			ObjectKey: key,
			MimeType:  "text/plain",
		})
		require.NoError(t, err)

		meta, err := backend.GetObjectMeta(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "text/plain", meta.ContentType)
	})

	t.Run("Delete", func(t *testing.T) {
		key := "to/delete"
		require.NoError(t, backend.Upload(ctx, key, strings.NewReader(testData)))

		assert.NoError(t, backend.Delete(ctx, key))

		_, err := backend.GetObjectMeta(ctx, key)
		assert.ErrorIs(t, err, simplemedia.ErrObjectNotFound)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		err := backend.Delete(ctx, "never/written")
		assert.ErrorIs(t, err, simplemedia.ErrObjectNotFound)
	})

	t.Run("DownloadMissing", func(t *testing.T) {
		_, err := backend.Download(ctx, "never/written")
		assert.ErrorIs(t, err, simplemedia.ErrObjectNotFound)
	})

	t.Run("GetUploadURL", func(t *testing.T) {
		_, err := backend.GetUploadURL(ctx, testKey, "image/png", time.Hour)
		assert.Error(t, err)
	})
}

func TestMemoryBackendURLs(t *testing.T) {
	backend := memorystorage.New()
	key := "uploads/forms/contact/abc-1-photo.png"

	url := backend.ObjectURL(key)
	assert.Equal(t, "memory:///"+key, url)

	back, err := backend.KeyFromURL(url)
	require.NoError(t, err)
	assert.Equal(t, key, back)

	_, err = backend.KeyFromURL("")
	assert.Error(t, err)
}

func TestMemoryBackendFailOn(t *testing.T) {
	backend := memorystorage.New()
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, backend.Upload(ctx, "k", strings.NewReader("x")))
	backend.FailOn("delete", "k", boom)

	err := backend.Delete(ctx, "k")
	assert.ErrorIs(t, err, boom)

	var serr *simplemedia.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "delete", serr.Op)
	assert.Equal(t, []string{"k"}, backend.Keys())

	backend.FailOn("delete", "k", nil)
	assert.NoError(t, backend.Delete(ctx, "k"))
	assert.Empty(t, backend.Keys())
}
