package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// AdminHandler exposes read-only operational views of the upload lifecycle.
//
// These routes bypass any per-form restriction and must be mounted behind the
// host application's authentication.
type AdminHandler struct {
	repo   simplemedia.UploadRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewAdminHandler creates a handler over repo.
func NewAdminHandler(repo simplemedia.UploadRepository, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{repo: repo, logger: logger, now: time.Now}
}

// Routes returns the admin routes.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Statistics)
	r.Get("/uploads/{upload_id}", h.GetUpload)
	return r
}

// StatisticsResponse is the body of GET /admin/stats.
type StatisticsResponse struct {
	Uploads     map[simplemedia.UploadStatus]int64 `json:"uploads"`
	Total       int64                              `json:"total"`
	GeneratedAt time.Time                          `json:"generatedAt"`
}

// Statistics handles GET /stats
func (h *AdminHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountUploadsByStatus(r.Context())
	if err != nil {
		h.logger.Error("failed to count uploads", "error", err)
		writeError(w, r, http.StatusInternalServerError, "", "failed to count uploads")
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	render.JSON(w, r, StatisticsResponse{
		Uploads:     counts,
		Total:       total,
		GeneratedAt: h.now().UTC(),
	})
}

// GetUpload handles GET /uploads/{upload_id}
func (h *AdminHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "upload_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid upload id")
		return
	}

	upload, err := h.repo.GetUpload(r.Context(), id)
	if err != nil {
		if errors.Is(err, simplemedia.ErrUploadNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "upload not found")
			return
		}
		h.logger.Error("failed to get upload", "upload_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "", "failed to get upload")
		return
	}
	render.JSON(w, r, upload)
}
