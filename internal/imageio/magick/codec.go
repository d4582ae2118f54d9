// Package magick reads and writes images through ImageMagick. It supports
// every format the local ImageMagick build does (FITS included) and writes
// 32-bit floating point TIFF.
//
// Callers must run Init once per process before using the codec.
package magick

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"astropipe/internal/imageio"
	"astropipe/internal/resource"
)

var initOnce sync.Once

// Init starts the ImageMagick environment and returns its terminator.
func Init() func() {
	initOnce.Do(imagick.Initialize)
	return imagick.Terminate
}

// Codec implements imageio.Codec with ImageMagick.
type Codec struct{}

var _ imageio.Codec = Codec{}

// Open reads path into a new resource.
func (Codec) Open(ctx context.Context, path string) (*resource.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	img, err := FromWand(mw, imageio.BaseName(path))
	if err != nil {
		return nil, err
	}
	img.Source = path
	return img, nil
}

// Write stores img at path. TIFF output uses 32-bit float samples.
func (Codec) Write(ctx context.Context, img *resource.Image, path string, format imageio.Format) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mw, err := ToWand(img)
	if err != nil {
		return err
	}
	defer mw.Destroy()

	if format == "" {
		format = imageio.FormatFromPath(path)
	}
	switch format {
	case imageio.FormatTIFF, imageio.FormatFITS:
		if err := mw.SetOption("quantum:format", "floating-point"); err != nil {
			return fmt.Errorf("set float samples: %w", err)
		}
		if err := mw.SetImageDepth(32); err != nil {
			return fmt.Errorf("set depth: %w", err)
		}
	default:
		if err := mw.SetImageDepth(16); err != nil {
			return fmt.Errorf("set depth: %w", err)
		}
	}
	if err := mw.SetImageFormat(string(format)); err != nil {
		return fmt.Errorf("set format %s: %w", format, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func pixelMap(planes int) string {
	if planes == 1 {
		return "I"
	}
	return "RGB"
}

// FromWand copies the wand's current image into a new resource.
func FromWand(mw *imagick.MagickWand, name string) (*resource.Image, error) {
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	planes := 3
	if mw.GetImageColorspace() == imagick.COLORSPACE_GRAY {
		planes = 1
	}
	img, err := resource.NewImage(name, int(w), int(h), planes)
	if err != nil {
		return nil, err
	}
	if err := ReadPixels(mw, img); err != nil {
		return nil, err
	}
	return img, nil
}

// ReadPixels overwrites img's samples with the wand's pixels. The wand must
// match img's geometry.
func ReadPixels(mw *imagick.MagickWand, img *resource.Image) error {
	raw, err := mw.ExportImagePixels(0, 0, uint(img.Width), uint(img.Height), pixelMap(img.Planes), imagick.PIXEL_FLOAT)
	if err != nil {
		return fmt.Errorf("export pixels: %w", err)
	}
	px, ok := raw.([]float32)
	if !ok {
		return fmt.Errorf("export pixels: unexpected sample type %T", raw)
	}
	if len(px) != len(img.Pix) {
		return fmt.Errorf("export pixels: got %d samples, want %d", len(px), len(img.Pix))
	}
	deinterleave(px, img)
	return nil
}

// ToWand builds a wand holding a copy of img.
func ToWand(img *resource.Image) (*imagick.MagickWand, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	bg := imagick.NewPixelWand()
	defer bg.Destroy()
	bg.SetColor("black")

	mw := imagick.NewMagickWand()
	if err := mw.NewImage(uint(img.Width), uint(img.Height), bg); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("allocate image: %w", err)
	}
	if img.Planes == 1 {
		if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
			mw.Destroy()
			return nil, fmt.Errorf("set colorspace: %w", err)
		}
	}
	if err := mw.ImportImagePixels(0, 0, uint(img.Width), uint(img.Height), pixelMap(img.Planes), imagick.PIXEL_FLOAT, interleave(img)); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("import pixels: %w", err)
	}
	return mw, nil
}

func interleave(img *resource.Image) []float32 {
	if img.Planes == 1 {
		return append([]float32(nil), img.Pix...)
	}
	n := img.PlaneLen()
	out := make([]float32, len(img.Pix))
	for i := 0; i < n; i++ {
		for p := 0; p < img.Planes; p++ {
			out[i*img.Planes+p] = img.Pix[p*n+i]
		}
	}
	return out
}

func deinterleave(px []float32, img *resource.Image) {
	if img.Planes == 1 {
		copy(img.Pix, px)
		return
	}
	n := img.PlaneLen()
	for i := 0; i < n; i++ {
		for p := 0; p < img.Planes; p++ {
			img.Pix[p*n+i] = px[i*img.Planes+p]
		}
	}
}
