package operators

import (
	"context"
	"fmt"
	"math"

	"astropipe/internal/resource"
)

// Crop applies a CropParams descriptor, scaling it from the reference frame
// to the image's own size.
type Crop struct{}

func (Crop) Name() string { return "crop" }

func (Crop) Apply(_ context.Context, img *resource.Image, p CropParams) error {
	x0, y0, w, h, err := p.Rect(img.Width, img.Height)
	if err != nil {
		return err
	}
	pix := make([]float32, 0, w*h*img.Planes)
	for pl := 0; pl < img.Planes; pl++ {
		plane := img.Plane(pl)
		for y := y0; y < y0+h; y++ {
			row := y * img.Width
			pix = append(pix, plane[row+x0:row+x0+w]...)
		}
	}
	return img.Resize(w, h, pix)
}

// Rect resolves the crop rectangle for an image of the given size. The
// rectangle is clipped to the image bounds.
func (p CropParams) Rect(width, height int) (x0, y0, w, h int, err error) {
	if p.OutWidth <= 0 || p.OutHeight <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("crop: invalid output size %dx%d", p.OutWidth, p.OutHeight)
	}
	sx, sy := 1.0, 1.0
	if p.RefWidth > 0 {
		sx = float64(width) / float64(p.RefWidth)
	}
	if p.RefHeight > 0 {
		sy = float64(height) / float64(p.RefHeight)
	}
	w = int(math.Round(float64(p.OutWidth) * sx))
	h = int(math.Round(float64(p.OutHeight) * sy))
	x0 = int(math.Round(p.CenterX*float64(width) - float64(w)/2))
	y0 = int(math.Round(p.CenterY*float64(height) - float64(h)/2))

	x1, y1 := min(x0+w, width), min(y0+h, height)
	x0, y0 = max(x0, 0), max(y0, 0)
	if x1 <= x0 || y1 <= y0 {
		return 0, 0, 0, 0, fmt.Errorf("crop: rectangle lies outside %dx%d image", width, height)
	}
	return x0, y0, x1 - x0, y1 - y0, nil
}
