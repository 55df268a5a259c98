package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
)

func TestFSBackend_BasicOps(t *testing.T) {
	tmp := t.TempDir()
	backend, err := New(Config{BaseDir: tmp})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	ctx := context.Background()
	key := "uploads/forms/contact/abc-1-file.txt"

	data := []byte("hello fs")
	if err := backend.Upload(ctx, key, bytes.NewReader(data)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	meta, err := backend.GetObjectMeta(ctx, key)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.Size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), meta.Size)
	}

	rc, err := backend.Download(ctx, key)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != string(data) {
		t.Fatalf("download mismatch: %q", string(got))
	}

	if err := backend.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, key)); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
	// Empty parents are pruned up to the base directory
	if _, err := os.Stat(filepath.Join(tmp, "uploads")); !os.IsNotExist(err) {
		t.Fatalf("expected empty directories removed, stat err=%v", err)
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Fatalf("base directory must survive: %v", err)
	}
}

func TestFSBackend_NotFound(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	ctx := context.Background()

	if err := backend.Delete(ctx, "missing.png"); !errors.Is(err, simplemedia.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound on delete, got %v", err)
	}
	if _, err := backend.Download(ctx, "missing.png"); !errors.Is(err, simplemedia.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound on download, got %v", err)
	}
	if _, err := backend.GetObjectMeta(ctx, "missing.png"); !errors.Is(err, simplemedia.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound on meta, got %v", err)
	}
}

func TestFSBackend_RejectsTraversal(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	err = backend.Upload(context.Background(), "../../etc/passwd", strings.NewReader("x"))
	if !errors.Is(err, simplemedia.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestFSBackend_URLs(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir(), URLPrefix: "https://cdn.example.com/media/"})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	key := "uploads/forms/contact/abc-1-photo.png"
	url := backend.ObjectURL(key)
	if url != "https://cdn.example.com/media/"+key {
		t.Fatalf("unexpected url %q", url)
	}
	back, err := backend.KeyFromURL(url)
	if err != nil || back != key {
		t.Fatalf("round trip failed: %q %v", back, err)
	}
}

func TestFSBackend_UploadURLRequiresSigner(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	if _, err := backend.GetUploadURL(context.Background(), "a.png", "image/png", time.Hour); err == nil {
		t.Fatalf("expected error without signer")
	}
}

func TestFSBackend_PresignedRoundTrip(t *testing.T) {
	signer := presigned.New(presigned.WithSecretKey("0123456789abcdef0123456789abcdef"))
	backend, err := New(Config{BaseDir: t.TempDir(), Signer: signer})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	key := "uploads/forms/gallery/abc-1-photo.png"
	uploadURL, err := backend.GetUploadURL(context.Background(), key, "image/png", time.Hour)
	if err != nil {
		t.Fatalf("get upload url: %v", err)
	}

	handler := presigned.NewUploadHandler(signer, backend, 0, nil)
	req := httptest.NewRequest(http.MethodPut, uploadURL, strings.NewReader("pngbytes"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	meta, err := backend.GetObjectMeta(context.Background(), key)
	if err != nil {
		t.Fatalf("object not written: %v", err)
	}
	if meta.Size != int64(len("pngbytes")) {
		t.Fatalf("unexpected size %d", meta.Size)
	}
}
