package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia/intake"
)

// DefaultMultipartMemory is the part of a multipart body kept in memory;
// the remainder spills to temporary files.
const DefaultMultipartMemory = 8 << 20

// UploadsHandler serves the upload intake endpoints
type UploadsHandler struct {
	service *intake.Service
	logger  *slog.Logger
}

func NewUploadsHandler(service *intake.Service, logger *slog.Logger) *UploadsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadsHandler{
		service: service,
		logger:  logger.With("component", "api"),
	}
}

// Routes returns the router for upload endpoints
func (h *UploadsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Upload)
	r.Post("/presign", h.Presign)
	r.Post("/{upload_id}/attach", h.Attach)
	return r
}

// Upload accepts one multipart file with formId and fieldName fields. The
// rate limit is checked before the body is read.
func (h *UploadsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ip := requesterIP(r)
	if err := h.service.Admit(r.Context(), ip); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(DefaultMultipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeServiceError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Expected a multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Missing file")
		return
	}
	defer file.Close()

	res, err := h.service.UploadAdmitted(r.Context(), intake.UploadRequest{
		FormID:      r.FormValue("formId"),
		FieldName:   r.FormValue("fieldName"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		RequesterIP: ip,
		Body:        file,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, res)
}

// Presign issues delegated upload URLs for a batch of files
func (h *UploadsHandler) Presign(w http.ResponseWriter, r *http.Request) {
	var req intake.PresignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(r.Context(), "failed to decode presign request", "error", err)
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	req.RequesterIP = requesterIP(r)

	res, err := h.service.Presign(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

// Attach marks an upload as used by a content record
func (h *UploadsHandler) Attach(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "upload_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Invalid upload ID")
		return
	}

	if err := h.service.MarkUsed(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requesterIP strips the port from RemoteAddr. middleware.RealIP has
// already replaced it with the forwarded client address when present.
func requesterIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
