package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/tendant/simple-media/pkg/simplemedia/intake"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
)

// DefaultMaxRequestBytes caps JSON and multipart request bodies.
const DefaultMaxRequestBytes = 64 << 20

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Intake *intake.Service
	// UploadHandler receives delegated PUTs when the store signs its own URLs.
	UploadHandler *presigned.UploadHandler
	// Admin is mounted at /admin when set.
	Admin *AdminHandler
	// Health reports dependency health for /healthz.
	Health          func(ctx context.Context) error
	AllowedOrigins  []string
	MaxRequestBytes int64
	Logger          *slog.Logger
}

// NewRouter builds the service router.
func NewRouter(cfg RouterConfig) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))
	r.Use(CORSMiddleware(cfg.AllowedOrigins))

	r.Get("/healthz", healthHandler(cfg.Health))

	r.Group(func(r chi.Router) {
		r.Use(RequestSizeLimitMiddleware(maxBytes))
		r.Mount("/uploads", NewUploadsHandler(cfg.Intake, logger).Routes())
	})

	if cfg.Admin != nil {
		r.Mount("/admin", cfg.Admin.Routes())
	}

	// Delegated PUTs enforce their own size limit
	if cfg.UploadHandler != nil {
		cfg.UploadHandler.Mount(r)
	}
	return r
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				render.Status(r, http.StatusServiceUnavailable)
				render.JSON(w, r, healthResponse{Status: "unavailable", Error: err.Error()})
				return
			}
		}
		render.JSON(w, r, healthResponse{Status: "ok"})
	}
}
