package intake

import (
	"log/slog"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/ratelimit"
)

// Option configures a Service
type Option func(*Service)

// WithFieldConfigs sets the source of per-field upload policies
func WithFieldConfigs(p simplemedia.FieldConfigProvider) Option {
	return func(s *Service) {
		s.fields = p
	}
}

// WithRateLimiter sets the per-requester limiter
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

// WithKeyGenerator sets the storage key generator
func WithKeyGenerator(g *objectkey.Generator) Option {
	return func(s *Service) {
		s.keys = g
	}
}

// WithEventSink sets the lifecycle event sink
func WithEventSink(e simplemedia.EventSink) Option {
	return func(s *Service) {
		s.events = e
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithCDNBaseURL sets the public base URL returned to clients for stored objects
func WithCDNBaseURL(url string) Option {
	return func(s *Service) {
		s.cdnBaseURL = url
	}
}

// WithWriteTimeout bounds a single object store write
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}
