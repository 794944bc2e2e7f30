package uploads

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"

	apperrors "github.com/openmates/core/internal/errors"
)

// Variant dimensions. "original" keeps the uploaded bytes untouched; the
// re-encoded variants cap the longest edge.
const (
	fullMaxEdge    = 2048
	previewMaxEdge = 512
	webpQuality    = 85
)

// buildImageVariants decodes the image once and produces the three stored
// variants. The original bytes pass through unmodified so nothing is lost
// to re-encoding; full and preview are WEBP.
func buildImageVariants(data []byte) (map[string][]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "Image could not be decoded", err)
	}

	full, err := encodeScaled(src, fullMaxEdge)
	if err != nil {
		return nil, err
	}
	preview, err := encodeScaled(src, previewMaxEdge)
	if err != nil {
		return nil, err
	}

	return map[string][]byte{
		"original": data,
		"full":     full,
		"preview":  preview,
	}, nil
}

// encodeScaled downscales so the longest edge is at most maxEdge, never
// upscales, and encodes as lossy WEBP.
func encodeScaled(src image.Image, maxEdge int) ([]byte, error) {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w > maxEdge || h > maxEdge {
		scale := float64(maxEdge) / float64(w)
		if h > w {
			scale = float64(maxEdge) / float64(h)
		}
		dw := int(float64(w) * scale)
		dh := int(float64(h) * scale)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}

		dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, src, &webp.Options{Quality: webpQuality}); err != nil {
		return nil, fmt.Errorf("encode webp variant: %w", err)
	}
	return buf.Bytes(), nil
}
