// Package signature verifies that an upload's leading bytes agree with the
// types a form field accepts.
//
// Accept-list entries may be file extensions (".png" or "png"), exact MIME
// types ("image/png") or wildcards ("image/*", "*/*"). Every entry is
// resolved to MIME types, and every binary MIME type to one or more leading
// byte sequences. Textual types have no reliable signature and are exempt.
package signature

import (
	"bytes"
	"mime"
	"path"
	"slices"
	"strings"
)

// Signature is a byte pattern expected at Offset. A zero byte in Mask
// makes the corresponding Magic byte a wildcard.
type Signature struct {
	MimeType string
	Offset   int
	Magic    []byte
	Mask     []byte
}

// Matches reports whether head carries the signature.
func (s Signature) Matches(head []byte) bool {
	if len(head) < s.Offset+len(s.Magic) {
		return false
	}
	window := head[s.Offset : s.Offset+len(s.Magic)]
	if s.Mask == nil {
		return bytes.Equal(window, s.Magic)
	}
	for i, b := range s.Magic {
		if window[i]&s.Mask[i] != b&s.Mask[i] {
			return false
		}
	}
	return true
}

// HeadSize is the number of leading bytes callers need to pass to Verify.
const HeadSize = 32

var riffMask = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}

// ftyp returns the ISO base media signatures of the given major brands.
// Brands are four bytes, space padded.
func ftyp(mimeType string, brands ...string) []Signature {
	out := make([]Signature, 0, len(brands))
	for _, b := range brands {
		out = append(out, Signature{MimeType: mimeType, Offset: 4, Magic: []byte("ftyp" + b)})
	}
	return out
}

var magicSignatures = []Signature{
	{MimeType: "image/jpeg", Magic: []byte{0xFF, 0xD8, 0xFF}},
	{MimeType: "image/png", Magic: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{MimeType: "image/gif", Magic: []byte("GIF87a")},
	{MimeType: "image/gif", Magic: []byte("GIF89a")},
	{MimeType: "image/webp", Magic: []byte("RIFF\x00\x00\x00\x00WEBP"), Mask: riffMask},
	{MimeType: "image/bmp", Magic: []byte("BM")},
	{MimeType: "image/tiff", Magic: []byte{'I', 'I', 0x2A, 0x00}},
	{MimeType: "image/tiff", Magic: []byte{'M', 'M', 0x00, 0x2A}},
	{MimeType: "image/x-icon", Magic: []byte{0x00, 0x00, 0x01, 0x00}},
	{MimeType: "application/pdf", Magic: []byte("%PDF-")},
	{MimeType: "application/zip", Magic: []byte{'P', 'K', 0x03, 0x04}},
	{MimeType: "application/gzip", Magic: []byte{0x1F, 0x8B}},
	{MimeType: "application/msword", Magic: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}},
	{MimeType: "application/vnd.ms-excel", Magic: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}},
	// OOXML documents are zip containers.
	{MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Magic: []byte{'P', 'K', 0x03, 0x04}},
	{MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Magic: []byte{'P', 'K', 0x03, 0x04}},
	{MimeType: "application/vnd.openxmlformats-officedocument.presentationml.presentation", Magic: []byte{'P', 'K', 0x03, 0x04}},
	{MimeType: "video/webm", Magic: []byte{0x1A, 0x45, 0xDF, 0xA3}},
	{MimeType: "audio/mpeg", Magic: []byte("ID3")},
	{MimeType: "audio/mpeg", Magic: []byte{0xFF, 0xFB}},
	{MimeType: "audio/wav", Magic: []byte("RIFF\x00\x00\x00\x00WAVE"), Mask: riffMask},
	{MimeType: "audio/ogg", Magic: []byte("OggS")},
}

var signatures = slices.Concat(
	magicSignatures,
	ftyp("image/avif", "avif", "avis"),
	ftyp("image/heic", "heic", "heix", "hevc", "hevx"),
	ftyp("video/mp4", "isom", "iso2", "iso4", "iso5", "iso6", "mp41", "mp42", "avc1", "dash", "mmp4", "M4V "),
	ftyp("video/quicktime", "qt  "),
)

// extensionTypes covers extensions whose MIME type is not reliably known to
// the platform's mime tables.
var extensionTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"jfif": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"ico":  "image/x-icon",
	"avif": "image/avif",
	"heic": "image/heic",
	"svg":  "image/svg+xml",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"gz":   "application/gzip",
	"doc":  "application/msword",
	"xls":  "application/vnd.ms-excel",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"mp4":  "video/mp4",
	"m4v":  "video/mp4",
	"mov":  "video/quicktime",
	"webm": "video/webm",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"md":   "text/markdown",
	"json": "application/json",
	"xml":  "application/xml",
	"html": "text/html",
}

// IsTextual reports whether a MIME type carries no binary signature.
func IsTextual(mimeType string) bool {
	mt := normalize(mimeType)
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/xml", mt == "image/svg+xml",
		mt == "application/javascript", mt == "application/x-ndjson":
		return true
	case strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return true
	}
	return false
}

// Policy is a resolved accept-list.
type Policy struct {
	any      bool
	types    map[string]bool
	prefixes []string
}

// Resolve turns an accept-list into a Policy. An empty list accepts anything.
func Resolve(accept []string) Policy {
	p := Policy{types: map[string]bool{}}
	if len(accept) == 0 {
		p.any = true
		return p
	}
	for _, raw := range accept {
		entry := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case entry == "":
			continue
		case entry == "*" || entry == "*/*":
			p.any = true
		case strings.HasSuffix(entry, "/*"):
			p.prefixes = append(p.prefixes, strings.TrimSuffix(entry, "*"))
		case strings.Contains(entry, "/"):
			p.types[normalize(entry)] = true
		default:
			if mt := typeForExtension(entry); mt != "" {
				p.types[mt] = true
			}
		}
	}
	return p
}

// Allows reports whether the policy admits a MIME type.
func (p Policy) Allows(mimeType string) bool {
	if p.any {
		return true
	}
	mt := normalize(mimeType)
	if p.types[mt] {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(mt, prefix) {
			return true
		}
	}
	return false
}

// Signatures returns every known signature whose type the policy admits.
func (p Policy) Signatures() []Signature {
	var out []Signature
	for _, s := range signatures {
		if p.Allows(s.MimeType) {
			out = append(out, s)
		}
	}
	return out
}

// Verify checks a payload's leading bytes against the policy.
//
// declaredType and fileName only decide whether the textual exemption
// applies: a textual upload passes when the policy admits its type. Binary
// payloads must match one admitted signature, regardless of what the client
// declared. The detected MIME type is returned on success.
func (p Policy) Verify(head []byte, declaredType, fileName string) (string, bool) {
	for _, s := range p.Signatures() {
		if s.Matches(head) {
			return s.MimeType, true
		}
	}

	candidates := []string{normalize(declaredType), typeForExtension(path.Ext(fileName))}
	for _, mt := range candidates {
		if mt != "" && IsTextual(mt) && p.Allows(mt) && looksTextual(head) {
			return mt, true
		}
	}

	if p.any {
		return Detect(head), true
	}
	return "", false
}

// Detect returns the MIME type of the first matching known signature, or
// application/octet-stream.
func Detect(head []byte) string {
	for _, s := range signatures {
		if s.Matches(head) {
			return s.MimeType
		}
	}
	return "application/octet-stream"
}

// looksTextual rejects payloads with NUL bytes, so binaries declared as text
// do not slip through the exemption.
func looksTextual(head []byte) bool {
	return bytes.IndexByte(head, 0x00) < 0
}

func typeForExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return ""
	}
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	return normalize(mime.TypeByExtension("." + ext))
}

func normalize(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}
