package imageprep

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/example/fruit-quality/internal/classification"
)

const (
	// MaxFileSize is the largest upload accepted, checked before decoding.
	MaxFileSize = 10 << 20
	// MaxPixels guards against decompression bombs hiding in small files.
	MaxPixels = 50_000_000
	// MIMEType is the format of every canonical image.
	MIMEType = "image/jpeg"
)

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
	ErrUndecodable     = errors.New("image could not be decoded")
)

var supportedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
}

// CanonicalImage is the fixed size JPEG payload sent to the ML service.
type CanonicalImage struct {
	data   []byte
	width  int
	height int
}

// Bytes returns a copy of the encoded JPEG.
func (c *CanonicalImage) Bytes() []byte { return append([]byte(nil), c.data...) }

// Len returns the encoded size in bytes.
func (c *CanonicalImage) Len() int { return len(c.data) }

func (c *CanonicalImage) Width() int  { return c.width }
func (c *CanonicalImage) Height() int { return c.height }

func (c *CanonicalImage) MIMEType() string { return MIMEType }

// Base64 returns the standard base64 encoding, never with a data URI prefix.
func (c *CanonicalImage) Base64() string {
	return base64.StdEncoding.EncodeToString(c.data)
}

// DataURI is meant for display only.
func (c *CanonicalImage) DataURI() string {
	return "data:" + MIMEType + ";base64," + c.Base64()
}

// Normalize validates src and re-encodes it as a cfg.Width x cfg.Height JPEG.
// Type and size are checked before src is opened. All failures are
// *classification.Error values of kind KindValidation.
func Normalize(src Source, cfg ImageConfig) (*CanonicalImage, error) {
	if src == nil {
		return nil, classification.NewValidationError("No image provided", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, classification.NewValidationError("Invalid image configuration", err)
	}

	contentType := normalizeContentType(src.ContentType())
	if _, ok := supportedTypes[contentType]; !ok {
		return nil, classification.NewValidationError("Please upload a JPEG or PNG image",
			fmt.Errorf("%w: %q", ErrUnsupportedType, src.ContentType()))
	}
	if src.Size() > MaxFileSize {
		return nil, classification.NewValidationError("Image size must be less than 10MB",
			fmt.Errorf("%w: %d bytes", ErrTooLarge, src.Size()))
	}

	data, err := readLimited(src)
	if err != nil {
		return nil, err
	}

	img, err := decode(data)
	if err != nil {
		return nil, err
	}

	resized := imaging.Resize(img, cfg.Width, cfg.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(cfg.jpegQuality())); err != nil {
		return nil, classification.NewValidationError("Failed to encode image", err)
	}

	return &CanonicalImage{data: buf.Bytes(), width: cfg.Width, height: cfg.Height}, nil
}

func readLimited(src Source) ([]byte, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, classification.NewValidationError("Failed to read file", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
	if err != nil {
		return nil, classification.NewValidationError("Failed to read file", err)
	}
	if len(data) > MaxFileSize {
		return nil, classification.NewValidationError("Image size must be less than 10MB",
			fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxFileSize))
	}
	return data, nil
}

func decode(data []byte) (image.Image, error) {
	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, classification.NewValidationError("Failed to load image", fmt.Errorf("%w: %v", ErrUndecodable, err))
	}
	if header.Width <= 0 || header.Height <= 0 {
		return nil, classification.NewValidationError("Image has invalid dimensions",
			fmt.Errorf("%w: %dx%d", ErrUndecodable, header.Width, header.Height))
	}
	if int64(header.Width)*int64(header.Height) > MaxPixels {
		return nil, classification.NewValidationError("Image resolution is too large",
			fmt.Errorf("%w: %dx%d pixels", ErrTooLarge, header.Width, header.Height))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, classification.NewValidationError("Failed to load image", fmt.Errorf("%w: %v", ErrUndecodable, err))
	}
	return img, nil
}

func normalizeContentType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return strings.ToLower(contentType)
}
