package extract

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"

	"docqueue/internal/blob"
)

// Normalize downscales an image so its longest side is at most maxDimension,
// keeping the aspect ratio and the original encoding. Non-image files and
// images already within bounds are returned unchanged with resized=false.
func Normalize(filename string, body []byte, maxDimension int) ([]byte, bool, error) {
	if !blob.IsImage(filename) {
		return body, false, nil
	}
	format, err := imaging.FormatFromFilename(filename)
	if err != nil {
		return body, false, nil
	}
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return nil, false, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= maxDimension && b.Dy() <= maxDimension {
		return body, false, nil
	}

	resized := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format, imaging.JPEGQuality(90)); err != nil {
		return nil, false, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), true, nil
}
