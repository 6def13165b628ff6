// Package imageprocessor decodes transport payloads and checks that they
// hold a real image before anything is stored.
package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrInvalidBase64 means the transport encoding is broken.
	ErrInvalidBase64 = errors.New("invalid base64 payload")
	// ErrInvalidImage means the bytes do not decode as a supported image.
	ErrInvalidImage = errors.New("invalid image payload")
)

// Info describes a validated image.
type Info struct {
	Format string
	Width  int
	Height int
}

// DecodeBase64 accepts standard or URL-safe base64, with or without padding,
// and an optional data URI prefix.
func DecodeBase64(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if idx := strings.Index(encoded, ";base64,"); strings.HasPrefix(encoded, "data:") && idx >= 0 {
		encoded = encoded[idx+len(";base64,"):]
	}
	if encoded == "" {
		return nil, ErrInvalidBase64
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(encoded); err == nil {
			return data, nil
		}
	}
	return nil, ErrInvalidBase64
}

// Validate fully decodes data so truncated files are rejected too.
func Validate(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Info{}, fmt.Errorf("%w: zero sized image", ErrInvalidImage)
	}
	return Info{Format: format, Width: b.Dx(), Height: b.Dy()}, nil
}
