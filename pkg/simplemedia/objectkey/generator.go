package objectkey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HashLength is the number of hex characters of the SHA-256 digest kept in a key.
const HashLength = 16

// UploadPrefix is the namespace all intake keys live under.
const UploadPrefix = "uploads/forms"

// Generator derives collision-resistant storage keys for uploads.
//
// Layout: uploads/forms/{form}/{sha256[:16]}-{unix millis}-{sanitized filename}
type Generator struct {
	// Prefix replaces UploadPrefix when set
	Prefix string
	// Now is the clock used for the timestamp component
	Now func() time.Time
}

// NewGenerator returns a Generator with the default prefix and the wall clock.
func NewGenerator() *Generator {
	return &Generator{Prefix: UploadPrefix, Now: time.Now}
}

// ForContent derives a key from the payload's digest.
func (g *Generator) ForContent(formID, fileName string, data []byte) string {
	sum := sha256.Sum256(data)
	return g.build(formID, fileName, hex.EncodeToString(sum[:]))
}

// ForDescriptor derives a key for a delegated upload whose bytes are not
// available yet. A random nonce stands in for the content.
func (g *Generator) ForDescriptor(formID, fileName string) string {
	sum := sha256.Sum256([]byte(fileName + "|" + uuid.NewString()))
	return g.build(formID, fileName, hex.EncodeToString(sum[:]))
}

func (g *Generator) build(formID, fileName, digest string) string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = UploadPrefix
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	form := sanitizePathComponent(formID)
	if form == "" {
		form = "default"
	}
	name := SanitizeFilename(fileName)
	if name == "" {
		name = "file"
	}
	return fmt.Sprintf("%s/%s/%s-%d-%s", prefix, form, digest[:HashLength], now().UnixMilli(), name)
}

// VariantKey returns the key a named variant of an asset is stored under:
// variants/{name}/{key}.{ext}
func VariantKey(name, storageKey, ext string) string {
	key := fmt.Sprintf("variants/%s/%s", sanitizePathComponent(name), strings.TrimPrefix(storageKey, "/"))
	if ext == "" {
		return key
	}
	return key + "." + strings.ToLower(ext)
}

// ErrUnparseableURL is returned when a stored URL cannot be mapped back to a key.
var ErrUnparseableURL = errors.New("cannot derive object key from url")

// FromURL extracts the object key from a URL produced by joining baseURL and
// a key. When baseURL is empty, or the URL does not start with it, the URL
// path is used with the optional bucket segment removed (path-style URLs).
func FromURL(rawURL, baseURL, bucket string) (string, error) {
	if rawURL == "" {
		return "", ErrUnparseableURL
	}
	if baseURL != "" {
		base := strings.TrimSuffix(baseURL, "/") + "/"
		if strings.HasPrefix(rawURL, base) {
			key := strings.TrimPrefix(rawURL, base)
			if i := strings.IndexAny(key, "?#"); i >= 0 {
				key = key[:i]
			}
			return unescapeKey(key)
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparseableURL, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "" && u.Host != "" && bucket != "" {
		key = strings.TrimPrefix(key, bucket+"/")
	}
	if u.Scheme == "" && u.Host == "" && u.Opaque != "" {
		key = u.Opaque
	}
	return unescapeKey(key)
}

func unescapeKey(key string) (string, error) {
	decoded, err := url.PathUnescape(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparseableURL, err)
	}
	if decoded == "" || strings.HasSuffix(decoded, "/") {
		return "", ErrUnparseableURL
	}
	return decoded, nil
}

// SanitizeFilename replaces characters that are unsafe in object keys and
// file systems. Only the base name of fileName is kept.
func SanitizeFilename(fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	replacer := strings.NewReplacer(
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"#", "_",
		"%", "_",
		"&", "_",
	)
	return replacer.Replace(name)
}

func sanitizePathComponent(component string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"..", "_",
	)
	return strings.ToLower(replacer.Replace(component))
}
