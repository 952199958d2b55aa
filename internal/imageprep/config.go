package imageprep

import (
	"fmt"
	"math"
)

// ImageConfig describes the canonical resolution and JPEG quality the
// remote model expects. It is read-only and safe to share.
type ImageConfig struct {
	Width   int     `koanf:"width"`
	Height  int     `koanf:"height"`
	Quality float64 `koanf:"quality"`
}

// DefaultImageConfig matches the 128x128 input tensor of the fruit model.
var DefaultImageConfig = ImageConfig{
	Width:   128,
	Height:  128,
	Quality: 0.9,
}

// Validate checks the dimensions are positive and quality is in (0,1].
func (c ImageConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("image dimensions must be positive, got %dx%d", c.Width, c.Height)
	}
	if math.IsNaN(c.Quality) || c.Quality <= 0 || c.Quality > 1 {
		return fmt.Errorf("image quality must be in (0,1], got %v", c.Quality)
	}
	return nil
}

// jpegQuality maps the (0,1] quality onto the encoder's 1..100 scale.
func (c ImageConfig) jpegQuality() int {
	q := int(math.Round(c.Quality * 100))
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}
