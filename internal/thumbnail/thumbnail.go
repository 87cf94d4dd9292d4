// Package thumbnail renders small JPEG previews of ingested images.
package thumbnail

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

const (
	DefaultMaxSize = 320
	DefaultQuality = 85
)

// Make decodes data, fits it inside a maxSize x maxSize box preserving the
// aspect ratio, and re-encodes it as JPEG. Images already inside the box are
// not upscaled. EXIF orientation is applied before resizing.
func Make(data []byte, maxSize, quality int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	thumb := imaging.Fit(src, maxSize, maxSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
