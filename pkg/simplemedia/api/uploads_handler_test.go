package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/api"
	"github.com/tendant/simple-media/pkg/simplemedia/intake"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
	memoryrepo "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
)

type testServer struct {
	router chi.Router
	repo   *memoryrepo.Repository
	store  *fs.Backend
}

func newTestServer(t *testing.T, health func(context.Context) error) *testServer {
	t.Helper()
	signer := presigned.New(presigned.WithSecretKey("test-secret"))
	store, err := fs.New(fs.Config{BaseDir: t.TempDir(), Signer: signer})
	require.NoError(t, err)
	repo := memoryrepo.New()

	svc := intake.New(store, repo, intake.WithFieldConfigs(simplemedia.StaticFieldConfigs{
		"contact/avatar": {MaxSizeMB: 1, Accept: []string{"image/png", "image/jpeg"}},
	}))
	router := api.NewRouter(api.RouterConfig{
		Intake:        svc,
		UploadHandler: presigned.NewUploadHandler(signer, store, 0, nil),
		Health:        health,
	})
	return &testServer{router: router, repo: repo, store: store}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.NRGBA{B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, fileName, contentType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

var avatarFields = map[string]string{"formId": "contact", "fieldName": "avatar"}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestUpload_Created(t *testing.T) {
	s := newTestServer(t, nil)
	data := pngBytes(t)

	rr := s.do(multipartRequest(t, "me.png", "image/png", data, avatarFields))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	res := decode[map[string]any](t, rr)
	assert.Equal(t, "me.png", res["fileName"])
	assert.Equal(t, "image/png", res["fileType"])
	assert.EqualValues(t, len(data), res["fileSize"])
	assert.NotEmpty(t, res["fileUrl"])
	assert.NotEmpty(t, res["uploadedAt"])

	id, err := uuid.Parse(res["id"].(string))
	require.NoError(t, err)
	upload, err := s.repo.GetUpload(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, simplemedia.UploadStatusPending, upload.Status)
	assert.Equal(t, "192.0.2.1", upload.RequesterIP)
}

func TestUpload_ValidationStatuses(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{
			name:   "oversize",
			req:    multipartRequest(t, "big.png", "image/png", append(pngBytes(t), make([]byte, 1<<20)...), avatarFields),
			status: http.StatusRequestEntityTooLarge,
			code:   "file_too_large",
		},
		{
			name:   "spoofed type",
			req:    multipartRequest(t, "evil.png", "image/png", []byte("#!/bin/sh\nrm -rf /\n"), avatarFields),
			status: http.StatusUnsupportedMediaType,
			code:   "invalid_file_type",
		},
		{
			name:   "missing file",
			req:    multipartRequest(t, "", "", nil, avatarFields),
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "missing form id",
			req:    multipartRequest(t, "me.png", "image/png", pngBytes(t), map[string]string{"fieldName": "avatar"}),
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(tt.req)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, decode[errorBody](t, rr).Code)
		})
	}
}

func TestUpload_RateLimited(t *testing.T) {
	s := newTestServer(t, nil)
	data := pngBytes(t)

	send := func(ip string) *httptest.ResponseRecorder {
		req := multipartRequest(t, "me.png", "image/png", data, avatarFields)
		req.Header.Set("X-Forwarded-For", ip)
		return s.do(req)
	}

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusCreated, send("198.51.100.20").Code)
	}
	rr := send("198.51.100.20")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.NotEmpty(t, decode[errorBody](t, rr).Error)

	assert.Equal(t, http.StatusCreated, send("198.51.100.21").Code)
}

func TestUpload_RateLimitedBeforeBodyIsRead(t *testing.T) {
	s := newTestServer(t, nil)
	data := pngBytes(t)

	for i := 0; i < 10; i++ {
		req := multipartRequest(t, "me.png", "image/png", data, avatarFields)
		req.Header.Set("X-Forwarded-For", "198.51.100.30")
		require.Equal(t, http.StatusCreated, s.do(req).Code)
	}

	body := &countingReader{r: bytes.NewReader(bytes.Repeat([]byte("x"), 1<<16))}
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=unused")
	req.Header.Set("X-Forwarded-For", "198.51.100.30")

	rr := s.do(req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Zero(t, body.n, "body must not be read once the limit is hit")
}

// countingReader records how many bytes were read from r.
type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestPresign(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"files":[{"filename":"a.jpg","contentType":"image/jpeg","size":1024},{"filename":"b.png","contentType":"image/png"}],"expiresIn":600}`
	rr := s.do(httptest.NewRequest(http.MethodPost, "/uploads/presign", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	res := decode[intake.PresignResult](t, rr)
	require.Len(t, res.Files, 2)
	assert.False(t, res.Accelerated)
	for _, f := range res.Files {
		assert.Contains(t, f.UploadURL, "signature=")
		assert.NotEmpty(t, f.CDNURL)
		assert.NotEqual(t, uuid.Nil, f.UploadID)
	}
}

func TestPresign_TooManyFiles(t *testing.T) {
	s := newTestServer(t, nil)

	files := make([]intake.FileDescriptor, 25)
	for i := range files {
		files[i] = intake.FileDescriptor{Filename: fmt.Sprintf("f%d.jpg", i), ContentType: "image/jpeg"}
	}
	payload, err := json.Marshal(intake.PresignRequest{Files: files})
	require.NoError(t, err)

	rr := s.do(httptest.NewRequest(http.MethodPost, "/uploads/presign", bytes.NewReader(payload)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "batch_too_large", decode[errorBody](t, rr).Code)

	counts, err := s.repo.CountUploadsByStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[simplemedia.UploadStatusPending])
}

func TestPresign_InvalidJSON(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do(httptest.NewRequest(http.MethodPost, "/uploads/presign", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPresign_DelegatedPutRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"files":[{"filename":"photo.png","contentType":"image/png"}]}`
	rr := s.do(httptest.NewRequest(http.MethodPost, "/uploads/presign", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, rr.Code)
	file := decode[intake.PresignResult](t, rr).Files[0]

	data := pngBytes(t)
	put := httptest.NewRequest(http.MethodPut, file.UploadURL, bytes.NewReader(data))
	put.Header.Set("Content-Type", "image/png")
	rr = s.do(put)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	meta, err := s.store.GetObjectMeta(context.Background(), file.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), meta.Size)
}

func TestAttach(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	rr := s.do(multipartRequest(t, "me.png", "image/png", pngBytes(t), avatarFields))
	require.Equal(t, http.StatusCreated, rr.Code)
	id := decode[map[string]any](t, rr)["id"].(string)

	attach := func(id string) int {
		return s.do(httptest.NewRequest(http.MethodPost, "/uploads/"+id+"/attach", nil)).Code
	}

	assert.Equal(t, http.StatusNoContent, attach(id))
	assert.Equal(t, http.StatusNoContent, attach(id), "attach is idempotent")
	assert.Equal(t, http.StatusNotFound, attach(uuid.NewString()))
	assert.Equal(t, http.StatusBadRequest, attach("not-a-uuid"))

	// An orphaned upload cannot be attached
	rr = s.do(multipartRequest(t, "me.png", "image/png", pngBytes(t), avatarFields))
	require.Equal(t, http.StatusCreated, rr.Code)
	orphanID := decode[map[string]any](t, rr)["id"].(string)
	_, err := s.repo.MarkOrphaned(ctx, time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, attach(orphanID))
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])

	s = newTestServer(t, func(context.Context) error { return errors.New("db down") })
	rr = s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
