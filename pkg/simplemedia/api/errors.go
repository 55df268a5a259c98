package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

type errorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
}

// writeServiceError maps a service error to its HTTP status and writes it.
func (h *UploadsHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *simplemedia.RateLimitError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &rateErr):
		seconds := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "Too many uploads, try again later")
	case errors.As(err, &maxBytesErr), errors.Is(err, simplemedia.ErrFileTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large", "File exceeds the size limit")
	case errors.Is(err, simplemedia.ErrInvalidFileType):
		writeError(w, r, http.StatusUnsupportedMediaType, "invalid_file_type", "File type not allowed")
	case errors.Is(err, simplemedia.ErrBatchTooLarge):
		writeError(w, r, http.StatusBadRequest, "batch_too_large", err.Error())
	case errors.Is(err, simplemedia.ErrEmptyBatch), errors.Is(err, simplemedia.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, simplemedia.ErrUploadNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "Upload not found")
	case errors.Is(err, simplemedia.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "invalid_transition", "Upload can no longer be attached")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Upload failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Code: code, Message: message})
}
