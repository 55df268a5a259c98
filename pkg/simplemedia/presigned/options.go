package presigned

import "time"

// Option is a functional option for configuring a Signer
type Option func(*Signer)

// WithSecretKey sets the secret key used for HMAC signing
// The key should be at least 32 bytes
func WithSecretKey(key string) Option {
	return func(s *Signer) {
		s.secretKey = []byte(key)
	}
}

// WithDefaultExpiration sets the expiration used when SignUpload gets zero
func WithDefaultExpiration(duration time.Duration) Option {
	return func(s *Signer) {
		s.defaultExpiration = duration
	}
}

// WithURLPattern sets the path objects are uploaded to.
// The pattern must contain a {key} placeholder, e.g. "/upload/{key}".
func WithURLPattern(pattern string) Option {
	return func(s *Signer) {
		s.urlPattern = pattern
	}
}

// WithBaseURL sets the scheme and host prepended to signed paths
func WithBaseURL(baseURL string) Option {
	return func(s *Signer) {
		s.baseURL = baseURL
	}
}

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}
