// Package magick provides denoise and blur-correction operators backed by
// ImageMagick. The ImageMagick environment must be initialised with
// astropipe/internal/imageio/magick.Init.
package magick

import (
	"context"
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"

	iomagick "astropipe/internal/imageio/magick"
	"astropipe/internal/operators"
	"astropipe/internal/resource"
)

// Denoise runs a wavelet denoise. The denoise fraction sets the threshold;
// detail softens it so more fine structure survives.
type Denoise struct {
	// MaxThreshold is the threshold at Denoise == 1, as a fraction of the
	// quantum range.
	MaxThreshold float64
}

var _ operators.Operator[operators.DenoiseParams] = Denoise{}

func (Denoise) Name() string { return "magick-denoise" }

func (d Denoise) Apply(ctx context.Context, img *resource.Image, p operators.DenoiseParams) error {
	if p.Denoise <= 0 {
		return nil
	}
	limit := d.MaxThreshold
	if limit <= 0 {
		limit = 0.05
	}
	_, qr := imagick.GetQuantumRange()
	threshold := p.Denoise * limit * float64(qr)
	softness := 1 - p.Detail
	return withWand(ctx, img, func(mw *imagick.MagickWand) error {
		return mw.WaveletDenoiseImage(threshold, softness)
	})
}

// Sharpen approximates blur correction with an unsharp mask.
type Sharpen struct {
	Radius float64
	Sigma  float64
	Gain   float64
}

var _ operators.Operator[operators.BlurParams] = Sharpen{}

func (Sharpen) Name() string { return "magick-sharpen" }

func (s Sharpen) Apply(ctx context.Context, img *resource.Image, p operators.BlurParams) error {
	sigma, gain := s.Sigma, s.Gain
	if sigma <= 0 {
		sigma = 1.2
	}
	if gain <= 0 {
		gain = 0.8
	}
	if p.CorrectOnly {
		gain /= 2
	}
	return withWand(ctx, img, func(mw *imagick.MagickWand) error {
		return mw.UnsharpMaskImage(s.Radius, sigma, gain, 0.02)
	})
}

func withWand(ctx context.Context, img *resource.Image, fn func(*imagick.MagickWand) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mw, err := iomagick.ToWand(img)
	if err != nil {
		return err
	}
	defer mw.Destroy()

	if err := fn(mw); err != nil {
		return fmt.Errorf("imagemagick: %w", err)
	}
	return iomagick.ReadPixels(mw, img)
}
