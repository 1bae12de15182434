package decode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// FormatRGBA8 is the pixel format of decoded textures.
const FormatRGBA8 = "rgba8"

// ImageDecoder decodes PNG, JPEG, GIF, BMP, TIFF and WebP files into tightly
// packed RGBA8 pixels.
type ImageDecoder struct{}

// Decode implements Decoder.
func (ImageDecoder) Decode(_ context.Context, path string, data []byte) (*Payload, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("decode image %s: empty bounds", path)
	}

	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != 4*b.Dx() || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	return &Payload{
		Bytes:  rgba.Pix,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: FormatRGBA8,
	}, nil
}
