// Package report renders run diagnostics: per-output histogram plots and
// the plain-text run summary.
package report

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"astropipe/internal/pipeline"
	"astropipe/internal/resource"
)

// DefaultBins is the histogram resolution used when none is configured.
const DefaultBins = 256

var planeColours = []color.RGBA{
	{R: 200, G: 30, B: 30, A: 255},
	{R: 30, G: 160, B: 30, A: 255},
	{R: 30, G: 60, B: 200, A: 255},
}

var monoColour = color.RGBA{A: 255}

// Counts bins every plane of img over [0,1]. Samples outside the range
// land in the first or last bin.
func Counts(img *resource.Image, bins int) [][]float64 {
	if bins <= 0 {
		bins = DefaultBins
	}
	out := make([][]float64, img.Planes)
	for p := 0; p < img.Planes; p++ {
		counts := make([]float64, bins)
		for _, v := range img.Plane(p) {
			i := int(v * float32(bins))
			i = max(0, min(i, bins-1))
			counts[i]++
		}
		out[p] = counts
	}
	return out
}

// WriteHistogram plots the per-plane histogram of img as a PNG at path.
func WriteHistogram(img *resource.Image, bins int, path string) error {
	counts := Counts(img, bins)
	p := plot.New()
	p.Title.Text = img.Name
	p.X.Label.Text = "level"
	p.Y.Label.Text = "pixels"
	p.X.Min, p.X.Max = 0, 1

	for i, c := range counts {
		pts := make(plotter.XYs, len(c))
		for j, n := range c {
			pts[j] = plotter.XY{X: (float64(j) + 0.5) / float64(len(c)), Y: n}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("histogram line: %w", err)
		}
		line.Width = vg.Points(1)
		line.Color = monoColour
		if img.Planes == 3 {
			line.Color = planeColours[i]
		}
		p.Add(line)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}

// HistogramHook returns an output hook that writes <name>_hist.png for
// each terminal image into dir. With an empty dir the plot goes next to
// the saved output, and images kept only in memory are skipped. Failures
// are logged only.
func HistogramHook(dir string, bins int, logger *slog.Logger) pipeline.OutputHook {
	return func(_ context.Context, out pipeline.Output, img *resource.Image) {
		target := dir
		if target == "" {
			if out.Path == "" {
				return
			}
			target = filepath.Dir(out.Path)
		}
		path := filepath.Join(target, out.Name+"_hist.png")
		if err := WriteHistogram(img, bins, path); err != nil {
			logger.Warn("histogram failed", "image", out.Name, "error", err)
			return
		}
		logger.Debug("histogram written", "image", out.Name, "path", path)
	}
}

// WriteSummary prints a run report as an aligned table.
func WriteSummary(w io.Writer, rep pipeline.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", rep.RunID)
	fmt.Fprintf(tw, "Duration:\t%s\n", rep.Finished.Sub(rep.Started).Round(1e6))
	fmt.Fprintf(tw, "RGB workflow:\t%s\n", status(rep.RGBOK))
	fmt.Fprintf(tw, "NB workflow:\t%s\n", status(rep.NBOK))
	fmt.Fprintf(tw, "Closed:\t%d\n", rep.Summary.Destroyed)
	fmt.Fprintf(tw, "Kept:\t%d\n", rep.Summary.Kept)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "OUTPUT\tWORKFLOW\tPATH")
	for _, out := range rep.Outputs {
		path := out.Path
		if path == "" {
			path = "(memory)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", out.Name, out.Workflow, path)
	}
	if len(rep.Warnings) > 0 {
		fmt.Fprintln(tw)
		for _, warn := range rep.Warnings {
			fmt.Fprintf(tw, "warning:\t%s\n", warn)
		}
	}
	return tw.Flush()
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "not run or failed"
}
