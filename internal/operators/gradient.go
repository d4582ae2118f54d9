package operators

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"astropipe/internal/resource"
)

// Gradient removes a smooth background by fitting a low order polynomial
// surface to cell medians and subtracting it. The mean model level is added
// back so the background stays where it was.
type Gradient struct{}

func (Gradient) Name() string { return "gradient" }

func (Gradient) Apply(ctx context.Context, img *resource.Image, p GradientParams) error {
	p = p.withDefaults()
	for pl := 0; pl < img.Planes; pl++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := flattenPlane(img, pl, p); err != nil {
			return fmt.Errorf("plane %d: %w", pl, err)
		}
	}
	return nil
}

type bgSample struct {
	u, v, level float64
}

func flattenPlane(img *resource.Image, pl int, p GradientParams) error {
	samples := cellMedians(img, pl, p.Grid)
	samples = rejectBright(samples, p.Rejection)

	terms := surfaceTerms(p.Degree)
	if len(samples) < terms {
		return fmt.Errorf("only %d background samples for %d terms", len(samples), terms)
	}
	a := mat.NewDense(len(samples), terms, nil)
	b := mat.NewVecDense(len(samples), nil)
	for i, s := range samples {
		a.SetRow(i, basis(s.u, s.v, p.Degree))
		b.SetVec(i, s.level)
	}
	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		return fmt.Errorf("fit background: %w", err)
	}

	plane := img.Plane(pl)
	model := make([]float64, len(plane))
	for y := 0; y < img.Height; y++ {
		v := norm(y, img.Height)
		for x := 0; x < img.Width; x++ {
			var level float64
			for k, t := range basis(norm(x, img.Width), v, p.Degree) {
				level += coef.AtVec(k) * t
			}
			model[y*img.Width+x] = level
		}
	}
	pedestal := stat.Mean(model, nil)
	for i, v := range plane {
		plane[i] = float32(clamp01(float64(v) - model[i] + pedestal))
	}
	return nil
}

func cellMedians(img *resource.Image, pl, grid int) []bgSample {
	cell := max(img.Width, img.Height) / grid
	if cell < 1 {
		cell = 1
	}
	var (
		out []bgSample
		buf []float64
	)
	for y0 := 0; y0 < img.Height; y0 += cell {
		for x0 := 0; x0 < img.Width; x0 += cell {
			buf = buf[:0]
			for y := y0; y < min(y0+cell, img.Height); y++ {
				for x := x0; x < min(x0+cell, img.Width); x++ {
					buf = append(buf, float64(img.At(pl, x, y)))
				}
			}
			sort.Float64s(buf)
			cx := x0 + (min(x0+cell, img.Width)-x0)/2
			cy := y0 + (min(y0+cell, img.Height)-y0)/2
			out = append(out, bgSample{
				u:     norm(cx, img.Width),
				v:     norm(cy, img.Height),
				level: stat.Quantile(0.5, stat.Empirical, buf, nil),
			})
		}
	}
	return out
}

func rejectBright(samples []bgSample, k float64) []bgSample {
	levels := make([]float64, len(samples))
	for i, s := range samples {
		levels[i] = s.level
	}
	sort.Float64s(levels)
	med := stat.Quantile(0.5, stat.Empirical, levels, nil)
	for i := range levels {
		d := levels[i] - med
		if d < 0 {
			d = -d
		}
		levels[i] = d
	}
	sort.Float64s(levels)
	mad := stat.Quantile(0.5, stat.Empirical, levels, nil) * 1.4826

	kept := samples[:0:0]
	for _, s := range samples {
		if s.level <= med+k*mad {
			kept = append(kept, s)
		}
	}
	return kept
}

func surfaceTerms(degree int) int {
	if degree == 1 {
		return 3
	}
	return 6
}

func basis(u, v float64, degree int) []float64 {
	if degree == 1 {
		return []float64{1, u, v}
	}
	return []float64{1, u, v, u * u, u * v, v * v}
}

// norm maps a pixel index to [-1,1].
func norm(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2*float64(i)/float64(n-1) - 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
