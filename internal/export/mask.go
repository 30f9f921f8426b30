package export

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// CompositeMask scales overlay to the size of mask and merges it with a
// "lighten" blend: each channel keeps the brighter of the two layers,
// weighted by the overlay's coverage.
func CompositeMask(mask, overlay image.Image) *image.RGBA {
	bounds := mask.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), mask, bounds.Min, draw.Src)
	if overlay == nil {
		return dst
	}

	scaled := image.NewRGBA(dst.Bounds())
	draw.BiLinear.Scale(scaled, scaled.Bounds(), overlay, overlay.Bounds(), draw.Src, nil)

	for i := 0; i < len(dst.Pix); i += 4 {
		as := float64(scaled.Pix[i+3]) / 0xff
		if as == 0 {
			continue
		}
		ab := float64(dst.Pix[i+3]) / 0xff
		for c := 0; c < 3; c++ {
			// premultiplied inputs
			cs := float64(scaled.Pix[i+c]) / 0xff
			cb := float64(dst.Pix[i+c]) / 0xff
			blend := max(unpremultiply(cs, as), unpremultiply(cb, ab))
			out := cs*(1-ab) + cb*(1-as) + as*ab*blend
			dst.Pix[i+c] = toByte(out)
		}
		dst.Pix[i+3] = toByte(as + ab - as*ab)
	}
	return dst
}

func unpremultiply(c, a float64) float64 {
	if a == 0 {
		return 0
	}
	return c / a
}

func toByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 0xff
	}
	return uint8(v*0xff + 0.5)
}

// DecodePNG decodes a PNG image.
func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("while decoding png: %w", err)
	}
	return img, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("while encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

// MergeMaskPNG composites an optional overlay PNG onto a mask PNG. Without
// an overlay the mask is returned as is.
func MergeMaskPNG(mask, overlay []byte) ([]byte, error) {
	if len(overlay) == 0 {
		return mask, nil
	}
	maskImg, err := DecodePNG(mask)
	if err != nil {
		return nil, fmt.Errorf("while reading mask: %w", err)
	}
	overlayImg, err := DecodePNG(overlay)
	if err != nil {
		return nil, fmt.Errorf("while reading overlay: %w", err)
	}
	return EncodePNG(CompositeMask(maskImg, overlayImg))
}
