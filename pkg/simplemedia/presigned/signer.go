// Package presigned issues and validates HMAC-signed upload URLs for object
// stores that cannot presign natively, such as the filesystem backend.
//
// A signed URL has the form
//
//	{base}/upload/{key}?content_type={type}&expires={unix}&signature={hmac}
//
// and the signature covers METHOD|PATH|CONTENT_TYPE|EXPIRES, so a client
// cannot reuse a credential for another key, another method or another
// content type.
package presigned

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const keyPlaceholder = "{key}"

// Signer generates and validates HMAC-signed presigned URLs
type Signer struct {
	secretKey         []byte
	defaultExpiration time.Duration
	urlPattern        string
	baseURL           string
	now               func() time.Time
}

// New creates a new Signer with the given options
func New(opts ...Option) *Signer {
	s := &Signer{
		defaultExpiration: 1 * time.Hour,
		urlPattern:        "/upload/{key}",
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// IsEnabled returns true if a secret key is configured
func (s *Signer) IsEnabled() bool {
	return len(s.secretKey) > 0
}

// PathFor returns the upload path of an object key.
func (s *Signer) PathFor(objectKey string) string {
	return strings.Replace(s.urlPattern, keyPlaceholder, escapeKey(objectKey), 1)
}

// RoutePattern returns the URL pattern with {key} replaced by a chi wildcard.
func (s *Signer) RoutePattern() string {
	idx := strings.Index(s.urlPattern, keyPlaceholder)
	if idx == -1 {
		return s.urlPattern
	}
	return s.urlPattern[:idx] + "*"
}

// SignUpload returns a PUT URL for objectKey that expires after expiresIn.
func (s *Signer) SignUpload(objectKey, contentType string, expiresIn time.Duration) (string, error) {
	if !s.IsEnabled() {
		return "", ErrNoSecretKey
	}
	if expiresIn <= 0 {
		expiresIn = s.defaultExpiration
	}

	path := s.PathFor(objectKey)
	expiresAt := s.now().Add(expiresIn).Unix()
	signature := s.generateSignature(s.createPayload(http.MethodPut, path, contentType, expiresAt))

	query := url.Values{}
	if contentType != "" {
		query.Set("content_type", contentType)
	}
	query.Set("expires", strconv.FormatInt(expiresAt, 10))
	query.Set("signature", signature)

	return s.baseURL + path + "?" + query.Encode(), nil
}

// ValidateRequest checks the signature and expiration carried by r.
func (s *Signer) ValidateRequest(r *http.Request) error {
	if !s.IsEnabled() {
		return ErrNoSecretKey
	}

	query := r.URL.Query()
	signature := query.Get("signature")
	expiresStr := query.Get("expires")

	if signature == "" {
		return ErrMissingSignature
	}
	if expiresStr == "" {
		return ErrMissingExpiration
	}

	expiresAt, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpiration, err)
	}

	return s.Validate(r.Method, r.URL.EscapedPath(), query.Get("content_type"), signature, expiresAt)
}

// Validate checks a signature against the request attributes it should cover.
func (s *Signer) Validate(method, path, contentType, signature string, expiresAt int64) error {
	if s.now().Unix() > expiresAt {
		return ErrExpired
	}

	expected := s.generateSignature(s.createPayload(method, path, contentType, expiresAt))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}

	return nil
}

// ExtractObjectKey extracts the object key from an upload path.
func (s *Signer) ExtractObjectKey(path string) (string, error) {
	idx := strings.Index(s.urlPattern, keyPlaceholder)
	if idx == -1 {
		return "", fmt.Errorf("URL pattern does not contain %s placeholder", keyPlaceholder)
	}

	prefix := s.urlPattern[:idx]
	suffix := s.urlPattern[idx+len(keyPlaceholder):]

	if !strings.HasPrefix(path, prefix) {
		return "", ErrKeyMismatch
	}
	key := strings.TrimPrefix(path, prefix)
	if suffix != "" {
		if !strings.HasSuffix(key, suffix) {
			return "", ErrKeyMismatch
		}
		key = strings.TrimSuffix(key, suffix)
	}

	key, err := url.PathUnescape(key)
	if err != nil || key == "" {
		return "", ErrKeyMismatch
	}
	return key, nil
}

// createPayload creates the signature payload
// Format: METHOD|PATH|CONTENT_TYPE|EXPIRES
func (s *Signer) createPayload(method, path, contentType string, expiresAt int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", method, path, contentType, expiresAt)
}

// generateSignature generates HMAC-SHA256 signature for the given payload
func (s *Signer) generateSignature(payload string) string {
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
