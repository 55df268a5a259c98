// Package transform decodes raster images and renders resized variants.
//
// Every function is pure over bytes and images; the package performs no I/O
// of its own.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/gift"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	// Registered for image.Decode
	_ "golang.org/x/image/webp"
)

// Format is a decoded image format, as reported by image.Decode.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

var mimeTypes = map[Format]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatGIF:  "image/gif",
	FormatWebP: "image/webp",
	FormatBMP:  "image/bmp",
	FormatTIFF: "image/tiff",
}

// MimeType returns the MIME type of the format.
func (f Format) MimeType() string {
	return mimeTypes[f]
}

// Extension returns the canonical file extension, without the dot.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// SupportedExtensions lists the source extensions the engine can decode.
var SupportedExtensions = []string{"jpg", "jpeg", "png", "gif", "webp", "bmp", "tif", "tiff"}

// IsSupportedExtension reports whether ext (with or without dot) names a decodable format.
func IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

var (
	// ErrUnsupportedFormat is returned for payloads no registered decoder accepts.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrTooManyPixels is returned when the header declares more pixels than
	// the engine is allowed to allocate.
	ErrTooManyPixels = errors.New("image exceeds pixel limit")
)

// DefaultMaxPixels bounds the frame Decode is willing to allocate (50 MP).
const DefaultMaxPixels = 50_000_000

// Info is the intrinsic metadata of a decoded image.
type Info struct {
	Width    int
	Height   int
	Size     int64
	Format   Format
	MimeType string
}

// Profile describes one resized variant.
//
// A Fill profile always produces exactly Width x Height, cropping around the
// center. Otherwise the result is bounded by Width, keeps the aspect ratio
// and is never larger than the source.
type Profile struct {
	Name   string
	Width  int
	Height int
	Fill   bool
}

// DefaultProfiles are the raster variants generated for every image asset.
var DefaultProfiles = []Profile{
	{Name: "thumbnail", Width: 150, Height: 150, Fill: true},
	{Name: "small", Width: 320},
	{Name: "medium", Width: 640},
	{Name: "large", Width: 1024},
	{Name: "xlarge", Width: 1920},
}

// Engine renders variants with fixed encoder settings, so that the same
// source always yields the same bytes.
type Engine struct {
	jpegQuality int
	maxPixels   int64
	resampling  gift.Resampling
}

// Option configures an Engine
type Option func(*Engine)

// WithJPEGQuality sets the JPEG encoder quality (1-100)
func WithJPEGQuality(q int) Option {
	return func(e *Engine) {
		if q >= 1 && q <= 100 {
			e.jpegQuality = q
		}
	}
}

// WithMaxPixels bounds width*height of the images Decode accepts
func WithMaxPixels(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxPixels = n
		}
	}
}

// New creates an engine. Defaults: JPEG quality 85, 50 MP pixel limit,
// Lanczos resampling.
func New(opts ...Option) *Engine {
	e := &Engine{jpegQuality: 85, maxPixels: DefaultMaxPixels, resampling: gift.LanczosResampling}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxPixels returns the pixel limit enforced by Decode.
func (e *Engine) MaxPixels() int64 {
	return e.maxPixels
}

// Decode decodes a full image. The header is read first and images larger
// than the pixel limit are rejected with ErrTooManyPixels before any frame
// is allocated.
func (e *Engine) Decode(data []byte) (image.Image, Info, error) {
	hdr, err := e.Inspect(data)
	if err != nil {
		return nil, Info{}, err
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); pixels > e.maxPixels {
		return nil, hdr, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, hdr.Width, hdr.Height)
	}

	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, Info{}, ErrUnsupportedFormat
		}
		return nil, Info{}, fmt.Errorf("failed to decode image: %w", err)
	}
	format := Format(name)
	b := img.Bounds()
	return img, Info{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Size:     int64(len(data)),
		Format:   format,
		MimeType: format.MimeType(),
	}, nil
}

// Inspect reads the intrinsic metadata from the image header only.
func (e *Engine) Inspect(data []byte) (Info, error) {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return Info{}, ErrUnsupportedFormat
		}
		return Info{}, fmt.Errorf("failed to read image header: %w", err)
	}
	format := Format(name)
	return Info{
		Width:    cfg.Width,
		Height:   cfg.Height,
		Size:     int64(len(data)),
		Format:   format,
		MimeType: format.MimeType(),
	}, nil
}

// Resize applies a profile to src.
func (e *Engine) Resize(src image.Image, p Profile) image.Image {
	var filter gift.Filter
	if p.Fill {
		filter = gift.ResizeToFill(p.Width, p.Height, e.resampling, gift.CenterAnchor)
	} else {
		if src.Bounds().Dx() <= p.Width {
			return src
		}
		filter = gift.Resize(p.Width, 0, e.resampling)
	}

	g := gift.New(filter)
	dst := image.NewNRGBA(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}

// Render resizes src to the profile and encodes it as format.
func (e *Engine) Render(src image.Image, p Profile, format Format) ([]byte, error) {
	return e.Encode(e.Resize(src, p), format)
}

// RenderWebP resizes src to at most maxWidth wide and encodes it as WebP.
func (e *Engine) RenderWebP(src image.Image, maxWidth int) ([]byte, error) {
	return e.Encode(e.Resize(src, Profile{Name: "webp", Width: maxWidth}), FormatWebP)
}

// Encode writes img in the given format.
func (e *Engine) Encode(img image.Image, format Format) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.jpegQuality})
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		err = enc.Encode(&buf, img)
	case FormatGIF:
		err = gif.Encode(&buf, img, &gif.Options{NumColors: 256})
	case FormatWebP:
		err = nativewebp.Encode(&buf, img, nil)
	case FormatBMP:
		err = bmp.Encode(&buf, img)
	case FormatTIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}

	return buf.Bytes(), nil
}
