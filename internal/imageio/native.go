package imageio

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"astropipe/internal/resource"
)

// Native is a pure-Go codec for 8/16-bit TIFF and PNG files. Output is
// always 16 bits per sample.
type Native struct{}

// Open decodes a TIFF or PNG file. Grayscale files become single-plane
// resources, everything else three planes.
func (Native) Open(ctx context.Context, path string) (*resource.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var src image.Image
	switch FormatFromPath(path) {
	case FormatPNG:
		src, err = png.Decode(f)
	case FormatTIFF:
		src, err = tiff.Decode(f)
	default:
		return nil, fmt.Errorf("native codec cannot read %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	img, err := FromImage(BaseName(path), src)
	if err != nil {
		return nil, err
	}
	img.Source = path
	return img, nil
}

// Write encodes img as 16-bit TIFF or PNG.
func (Native) Write(ctx context.Context, img *resource.Image, path string, format Format) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := img.Validate(); err != nil {
		return err
	}
	if format == "" {
		format = FormatFromPath(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	dst := ToImage(img)
	switch format {
	case FormatTIFF:
		err = tiff.Encode(f, dst, &tiff.Options{Compression: tiff.Deflate})
	case FormatPNG:
		err = png.Encode(f, dst)
	default:
		err = fmt.Errorf("native codec cannot write %s", format)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// FromImage converts a decoded image into planar float samples.
func FromImage(name string, src image.Image) (*resource.Image, error) {
	b := src.Bounds()
	planes := 3
	switch src.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		planes = 1
	}
	img, err := resource.NewImage(name, b.Dx(), b.Dy(), planes)
	if err != nil {
		return nil, err
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if planes == 1 {
				img.Set(0, x, y, float32(r)/0xffff)
				continue
			}
			img.Set(0, x, y, float32(r)/0xffff)
			img.Set(1, x, y, float32(g)/0xffff)
			img.Set(2, x, y, float32(bl)/0xffff)
		}
	}
	return img, nil
}

// ToImage quantises img to 16 bits per sample.
func ToImage(img *resource.Image) image.Image {
	r := image.Rect(0, 0, img.Width, img.Height)
	if img.Planes == 1 {
		out := image.NewGray16(r)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.SetGray16(x, y, color.Gray16{Y: quantise(img.At(0, x, y))})
			}
		}
		return out
	}
	out := image.NewRGBA64(r)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			out.SetRGBA64(x, y, color.RGBA64{
				R: quantise(img.At(0, x, y)),
				G: quantise(img.At(1, x, y)),
				B: quantise(img.At(2, x, y)),
				A: 0xffff,
			})
		}
	}
	return out
}

func quantise(v float32) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 0xffff
	}
	return uint16(v*0xffff + 0.5)
}
