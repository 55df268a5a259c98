package presigned

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

// DefaultMaxUploadBytes caps a single presigned PUT body.
const DefaultMaxUploadBytes int64 = 5 << 30

// UploadHandler accepts PUT requests to URLs issued by a Signer and writes
// the body to a blob store. It plays the role S3 plays for presigned URLs
// when objects live on the local filesystem.
type UploadHandler struct {
	signer   *Signer
	store    simplemedia.BlobStore
	maxBytes int64
	logger   *slog.Logger
}

// NewUploadHandler creates a handler that stores bodies in store.
func NewUploadHandler(signer *Signer, store simplemedia.BlobStore, maxBytes int64, logger *slog.Logger) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{signer: signer, store: store, maxBytes: maxBytes, logger: logger}
}

func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "only PUT is supported")
		return
	}

	objectKey, err := h.signer.ExtractObjectKey(r.URL.EscapedPath())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "missing_object_key", err.Error())
		return
	}

	if err := h.signer.ValidateRequest(r); err != nil {
		h.logger.Warn("presigned upload rejected", "key", objectKey, "error", err)
		status := http.StatusForbidden
		if errors.Is(err, ErrMissingSignature) || errors.Is(err, ErrMissingExpiration) {
			status = http.StatusUnauthorized
		}
		writeError(w, r, status, "invalid_signature", err.Error())
		return
	}

	contentType := r.URL.Query().Get("content_type")
	if ct := r.Header.Get("Content-Type"); contentType != "" && ct != "" && ct != contentType {
		writeError(w, r, http.StatusBadRequest, "content_type_mismatch", "Content-Type does not match the signed type")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBytes)
	err = h.store.UploadWithParams(r.Context(), body, simplemedia.UploadParams{
		ObjectKey: objectKey,
		MimeType:  contentType,
	})
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large", simplemedia.ErrFileTooLarge.Error())
			return
		}
		h.logger.Error("presigned upload failed", "key", objectKey, "error", err)
		writeError(w, r, http.StatusInternalServerError, "upload_failed", "failed to store object")
		return
	}

	h.logger.Debug("presigned upload stored", "key", objectKey)
	w.WriteHeader(http.StatusOK)
}

// Mount registers the handler for every path under the signer's pattern prefix.
// Patterns with a suffix after {key} are not routable this way.
func (h *UploadHandler) Mount(r chi.Router) {
	r.Method(http.MethodPut, h.signer.RoutePattern(), h)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Code: code, Message: message})
}
