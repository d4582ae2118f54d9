// Package stretch turns linear image data into a viewable nonlinear range.
//
// The auto-stretch engine measures each plane's median and scaled MAD and
// derives a shadow/highlight/midtone transfer (an STF) that puts the sky
// background at a target level. The transfer is then baked into the pixel
// data with a histogram remap.
package stretch

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"astropipe/internal/resource"
)

// MADNormalization scales the median absolute deviation to a standard
// deviation estimate for normally distributed data.
const MADNormalization = 1.4826

const (
	DefaultShadowsClipping  = -2.80
	DefaultTargetBackground = 0.25
)

// Options controls Compute.
type Options struct {
	// ShadowsClipping is expressed in MAD units, normally negative.
	ShadowsClipping  float64 `json:"shadows_clipping" toml:"shadows_clipping"`
	TargetBackground float64 `json:"target_background" toml:"target_background"`
	// Linked derives one transfer from all planes combined.
	Linked bool `json:"linked" toml:"linked"`
}

// DefaultOptions returns the classic linked auto-stretch settings.
func DefaultOptions() Options {
	return Options{
		ShadowsClipping:  DefaultShadowsClipping,
		TargetBackground: DefaultTargetBackground,
		Linked:           true,
	}
}

// PlaneStats are the robust statistics of one plane.
type PlaneStats struct {
	Median float64
	MAD    float64 // already multiplied by MADNormalization
}

// Inverted reports whether the plane looks like a negative image.
func (s PlaneStats) Inverted() bool { return s.Median > 0.5 }

// Measure computes median and normalised MAD for every plane of img.
func Measure(img *resource.Image) ([]PlaneStats, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	out := make([]PlaneStats, img.Planes)
	buf := make([]float64, img.PlaneLen())
	for p := 0; p < img.Planes; p++ {
		for i, v := range img.Plane(p) {
			buf[i] = float64(v)
		}
		med := median(buf)
		for i := range buf {
			d := buf[i] - med
			if d < 0 {
				d = -d
			}
			buf[i] = d
		}
		out[p] = PlaneStats{Median: med, MAD: median(buf) * MADNormalization}
	}
	return out, nil
}

// median sorts xs in place. An even-length input yields the mean of the
// two middle values; stat.Quantile with stat.Empirical would return the
// lower one.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return stat.Mean(xs[n/2-1:n/2+1], nil)
}

// Compute derives one transfer per plane. In linked mode every plane gets
// the same transfer.
func Compute(img *resource.Image, opts Options) ([]resource.STF, error) {
	stats, err := Measure(img)
	if err != nil {
		return nil, fmt.Errorf("measure %s: %w", img.Name, err)
	}
	return FromStats(stats, opts), nil
}

// FromStats derives transfers from precomputed plane statistics.
func FromStats(stats []PlaneStats, opts Options) []resource.STF {
	out := make([]resource.STF, len(stats))
	if opts.Linked {
		t := linked(stats, opts)
		for i := range out {
			out[i] = t
		}
		return out
	}
	for i, s := range stats {
		out[i] = unlinked(s, opts)
	}
	return out
}

func linked(stats []PlaneStats, opts Options) resource.STF {
	n := float64(len(stats))
	var (
		inverted   int
		c0, c1     float64
		medians    []float64
		clipFactor = opts.ShadowsClipping
	)
	for _, s := range stats {
		medians = append(medians, s.Median)
		if s.Inverted() {
			inverted++
		}
		if s.MAD != 0 {
			c0 += s.Median + clipFactor*s.MAD
			c1 += s.Median - clipFactor*s.MAD
		} else {
			c1 += 1
		}
	}
	med := stat.Mean(medians, nil)

	if inverted < len(stats) {
		c0 = clip01(c0 / n)
		return resource.STF{
			Shadow:    c0,
			Highlight: 1,
			Midtone:   SolveMTF(opts.TargetBackground, med-c0),
		}
	}
	c1 = clip01(c1 / n)
	return resource.STF{
		Shadow:    0,
		Highlight: c1,
		Midtone:   SolveMTF(c1-med, opts.TargetBackground),
	}
}

func unlinked(s PlaneStats, opts Options) resource.STF {
	if !s.Inverted() {
		c0 := 0.0
		if s.MAD != 0 {
			c0 = clip01(s.Median + opts.ShadowsClipping*s.MAD)
		}
		return resource.STF{
			Shadow:    c0,
			Highlight: 1,
			Midtone:   SolveMTF(opts.TargetBackground, s.Median-c0),
		}
	}
	c1 := 1.0
	if s.MAD != 0 {
		c1 = clip01(s.Median - opts.ShadowsClipping*s.MAD)
	}
	return resource.STF{
		Shadow:    0,
		Highlight: c1,
		Midtone:   SolveMTF(c1-s.Median, opts.TargetBackground),
	}
}
