package operators

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"astropipe/internal/resource"
)

// LinearFit rescales a target so its intensities match the reference:
// a straight line is fitted through (target, reference) sample pairs and
// applied to every target sample.
type LinearFit struct{}

func (LinearFit) Name() string { return "linear-fit" }

func (LinearFit) Apply(ctx context.Context, img *resource.Image, p LinearFitParams) error {
	ref := p.Reference
	if ref == nil {
		return errors.New("linear fit: no reference image")
	}
	if !img.SameSize(ref) || img.Planes != ref.Planes {
		return fmt.Errorf("linear fit: %s (%dx%dx%d) does not match reference %s (%dx%dx%d)",
			img.Name, img.Width, img.Height, img.Planes, ref.Name, ref.Width, ref.Height, ref.Planes)
	}
	lo, hi := p.RejectLow, p.RejectHigh
	if hi <= lo {
		lo, hi = 0, 0.92
	}
	for pl := 0; pl < img.Planes; pl++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, reference := img.Plane(pl), ref.Plane(pl)
		var xs, ys []float64
		for i := range target {
			x, y := float64(target[i]), float64(reference[i])
			if x > lo && x < hi && y > lo && y < hi {
				xs = append(xs, x)
				ys = append(ys, y)
			}
		}
		if len(xs) < 2 {
			return fmt.Errorf("linear fit: plane %d has %d usable samples", pl, len(xs))
		}
		alpha, beta := stat.LinearRegression(xs, ys, nil, false)
		for i, v := range target {
			target[i] = float32(clamp01(alpha + beta*float64(v)))
		}
	}
	return nil
}
