// Command synth-masters writes noisy linear mono masters with
// WBPP-style names, for end-to-end runs without real data.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"astropipe/internal/imageio"
	"astropipe/internal/logging"
	"astropipe/internal/resource"

	"github.com/spf13/cobra"
)

type options struct {
	width  int
	height int
	stars  int
	noise  float64
	seed   uint64
	labels []string

	logLevel  string
	logFormat string
}

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "synth-masters <output_dir>",
		Short: "Write synthetic linear masters for testing the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(o.logLevel, o.logFormat)
			paths, err := writeMasters(cmd.Context(), log, args[0], o)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&o.width, "width", 640, "image width")
	cmd.Flags().IntVar(&o.height, "height", 480, "image height")
	cmd.Flags().IntVar(&o.stars, "stars", 150, "number of stars")
	cmd.Flags().Float64Var(&o.noise, "noise", 0.004, "gaussian noise sigma")
	cmd.Flags().Uint64Var(&o.seed, "seed", 1, "random seed")
	cmd.Flags().StringSliceVar(&o.labels, "labels", []string{"Ha", "OIII", "SII", "R", "G", "B"}, "channels to write")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&o.logFormat, "log-format", "traditional", "log format (text, json, traditional)")
	return cmd
}

func masterName(label resource.Label, width, height int) string {
	return fmt.Sprintf("masterLight_BIN-1_%dx%d_EXPOSURE-300.00s_FILTER-%s_mono.tif", width, height, label)
}

func writeMasters(ctx context.Context, log *slog.Logger, dir string, o options) ([]string, error) {
	if o.width <= 0 || o.height <= 0 {
		return nil, fmt.Errorf("image size must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var codec imageio.Native
	var paths []string
	for i, name := range o.labels {
		label, err := resource.ParseLabel(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		img, err := synthesize(label, o, o.seed+uint64(i))
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, masterName(label, o.width, o.height))
		if err := codec.Write(ctx, img, path, imageio.FormatTIFF); err != nil {
			return nil, err
		}
		log.Info("master written", "label", label, "path", path, "width", o.width, "height", o.height)
		paths = append(paths, path)
	}
	return paths, nil
}

// synthesize renders a sky background with a linear gradient, a fixed
// star field shared by every channel and per-channel noise. Signal stays
// in the low end of the range, as in unstretched data.
func synthesize(label resource.Label, o options, seed uint64) (*resource.Image, error) {
	img, err := resource.NewImage(string(label), o.width, o.height, 1)
	if err != nil {
		return nil, err
	}
	noise := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	field := rand.New(rand.NewPCG(o.seed, 1))

	bg := 0.04
	if label.IsRGB() || label == resource.LabelL {
		bg = 0.06
	}
	px := img.Plane(0)
	for y := 0; y < o.height; y++ {
		for x := 0; x < o.width; x++ {
			g := 0.01 * float64(x) / float64(o.width)
			px[y*o.width+x] = float32(bg + g + noise.NormFloat64()*o.noise)
		}
	}

	for s := 0; s < o.stars; s++ {
		cx := field.Float64() * float64(o.width)
		cy := field.Float64() * float64(o.height)
		peak := 0.05 + 0.6*math.Pow(field.Float64(), 3)
		sigma := 0.8 + 1.2*field.Float64()
		addStar(img, cx, cy, peak, sigma)
	}

	for i, v := range px {
		px[i] = float32(math.Min(1, math.Max(0, float64(v))))
	}
	return img, nil
}

func addStar(img *resource.Image, cx, cy, peak, sigma float64) {
	r := int(math.Ceil(4 * sigma))
	px := img.Plane(0)
	for y := int(cy) - r; y <= int(cy)+r; y++ {
		if y < 0 || y >= img.Height {
			continue
		}
		for x := int(cx) - r; x <= int(cx)+r; x++ {
			if x < 0 || x >= img.Width {
				continue
			}
			d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
			px[y*img.Width+x] += float32(peak * math.Exp(-d2/(2*sigma*sigma)))
		}
	}
}
