package annotation

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxUploadSize bounds the multipart body of an upload.
const MaxUploadSize = 32 << 20

var ErrInvalidImage = errors.New("invalid image")

// UploadedImage is a validated upload.
type UploadedImage struct {
	Data        []byte
	Filename    string
	ContentType string
	Width       int
	Height      int
}

// DecodeUpload checks that data is an image in one of the registered
// formats without decoding the pixels.
func DecodeUpload(data []byte, filename string) (*UploadedImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidImage, filename, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %s has no pixels", ErrInvalidImage, filename)
	}
	return &UploadedImage{
		Data:        data,
		Filename:    filename,
		ContentType: "image/" + format,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}
