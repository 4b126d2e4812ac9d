package desktop

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// imageData is the (iiibiiay) struct of the image-data hint.
type imageData struct {
	Width         int32
	Height        int32
	RowStride     int32
	HasAlpha      bool
	BitsPerSample int32
	Channels      int32
	Data          []byte
}

// decodeImageData decodes raw icon bytes and converts them to non-premultiplied
// RGBA, scaling down so the longest edge is at most maxEdge.
func decodeImageData(raw []byte, maxEdge int) (imageData, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return imageData{}, fmt.Errorf("decode icon: %w", err)
	}
	b := img.Bounds()
	if b.Empty() {
		return imageData{}, fmt.Errorf("decode icon: empty %s image", format)
	}
	if maxEdge > 0 && (b.Dx() > maxEdge || b.Dy() > maxEdge) {
		img = resize.Thumbnail(uint(maxEdge), uint(maxEdge), img, resize.Lanczos3)
		b = img.Bounds()
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return imageData{
		Width:         int32(b.Dx()),
		Height:        int32(b.Dy()),
		RowStride:     int32(dst.Stride),
		HasAlpha:      true,
		BitsPerSample: 8,
		Channels:      4,
		Data:          dst.Pix,
	}, nil
}
