package variants

import (
	"log/slog"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/transform"
)

// Option configures a Worker
type Option func(*Worker)

// WithEngine sets the transform engine
func WithEngine(e *transform.Engine) Option {
	return func(w *Worker) {
		w.engine = e
	}
}

// WithProfiles replaces the raster profiles
func WithProfiles(profiles []transform.Profile) Option {
	return func(w *Worker) {
		w.profiles = profiles
	}
}

// WithWebPWidth sets the width bound of the WebP variant
func WithWebPWidth(width int) Option {
	return func(w *Worker) {
		if width > 0 {
			w.webpWidth = width
		}
	}
}

// WithConcurrency bounds the number of assets processed at once
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPageSize sets how many eligible assets are fetched per query
func WithPageSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.pageSize = n
		}
	}
}

// WithInterval sets the time between scheduled passes
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithMaxSourceBytes bounds the size of a source object the worker will read
func WithMaxSourceBytes(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxSourceBytes = n
		}
	}
}

// WithFetchTimeout bounds the download of one source object
func WithFetchTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.fetchTimeout = d
		}
	}
}

// WithWriteTimeout bounds the write of one variant object
func WithWriteTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// WithEventSink sets the lifecycle event sink
func WithEventSink(e simplemedia.EventSink) Option {
	return func(w *Worker) {
		w.events = e
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}
