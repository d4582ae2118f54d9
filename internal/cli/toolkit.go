package cli

import (
	"fmt"
	"log/slog"

	"astropipe/internal/config"
	"astropipe/internal/imageio"
	iomagick "astropipe/internal/imageio/magick"
	"astropipe/internal/operators"
	opmagick "astropipe/internal/operators/magick"
	"astropipe/internal/pipeline"
	"astropipe/internal/report"
	"astropipe/internal/resource"
	"astropipe/internal/stretch"
)

// BuildCodec returns the codec named by tools.codec.
func BuildCodec(cfg *config.Config) (imageio.Codec, error) {
	switch cfg.Tools.Codec {
	case "", "magick":
		return iomagick.Codec{}, nil
	case "native":
		return imageio.Native{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", cfg.Tools.Codec)
	}
}

// BuildToolkit maps each configured backend to an operator. A nil entry
// leaves the stage to be skipped with a warning.
func BuildToolkit(cfg *config.Config, codec imageio.Codec) (operators.Toolkit, error) {
	tool := func(id string, op config.Operator) operators.Tool {
		return operators.Tool{ID: id, Command: op.Command, Codec: codec, TempDir: cfg.Processing.TempDir}
	}
	unknown := func(stage, backend string) error {
		return fmt.Errorf("tools.%s: unsupported backend %q", stage, backend)
	}

	ops := operators.Native()

	switch b := cfg.Tools.Gradient.Backend; b {
	case "", "native":
	case "external":
		ops.Gradient = operators.External[operators.GradientParams]{Tool: tool("gradient", cfg.Tools.Gradient)}
	case "none":
		ops.Gradient = nil
	default:
		return ops, unknown("gradient", b)
	}

	switch b := cfg.Tools.Blur.Backend; b {
	case "magick":
		ops.Blur = opmagick.Sharpen{}
	case "external":
		ops.Blur = operators.External[operators.BlurParams]{Tool: tool("blur", cfg.Tools.Blur)}
	case "", "none":
	default:
		return ops, unknown("blur", b)
	}

	switch b := cfg.Tools.Denoise.Backend; b {
	case "magick":
		ops.Denoise = opmagick.Denoise{}
	case "external":
		ops.Denoise = operators.External[operators.DenoiseParams]{Tool: tool("denoise", cfg.Tools.Denoise)}
	case "", "none":
	default:
		return ops, unknown("denoise", b)
	}

	switch b := cfg.Tools.Stars.Backend; b {
	case "external":
		ops.Stars = operators.ExternalStars{Tool: tool("stars", cfg.Tools.Stars)}
	case "", "none":
	default:
		return ops, unknown("stars", b)
	}

	auto := operators.AutoStretch{Options: &stretch.Options{
		ShadowsClipping:  cfg.Stretch.ShadowsClipping,
		TargetBackground: cfg.Stretch.TargetBackground,
		Linked:           cfg.Stretch.Linked,
	}}
	switch m := cfg.Stretch.Method; m {
	case "auto":
		ops.Stretch = auto
	case "", "multiscale":
		switch b := cfg.Tools.Stretch.Backend; b {
		case "external":
			ops.Stretch = operators.External[operators.StretchParams]{Tool: tool("stretch", cfg.Tools.Stretch)}
		case "", "native":
			ops.Stretch = auto
		case "none":
			ops.Stretch = nil
		default:
			return ops, unknown("stretch", b)
		}
	default:
		return ops, fmt.Errorf("stretch.method: unknown method %q", m)
	}
	return ops, nil
}

// NewOrchestratorFactory returns a factory that gives every job a fresh
// registry over the shared codec and toolkit.
func NewOrchestratorFactory(cfg *config.Config, codec imageio.Codec, ops operators.Toolkit, logger *slog.Logger) pipeline.OrchestratorFactory {
	var opts []pipeline.Option
	if cfg.Report.Histograms {
		opts = append(opts, pipeline.WithOutputHook(report.HistogramHook("", cfg.Report.Bins, logger)))
	}
	return func() *pipeline.Orchestrator {
		return pipeline.NewOrchestrator(resource.NewRegistry(), codec, codec, ops, logger, opts...)
	}
}

// RunTemplate is the run configuration applied to jobs that only name a
// masters folder, such as those submitted by the watcher.
func RunTemplate(cfg *config.Config, logger *slog.Logger) pipeline.Run {
	run := pipeline.Run{
		Config:   pipeline.StageConfigFromConfig(cfg),
		Format:   imageio.Format(cfg.Pipeline.Format),
		Parallel: cfg.Processing.ParallelWorkflows,
	}
	if cfg.Pipeline.SaveFiles {
		run.Mode |= pipeline.PersistToFile
	}
	if cfg.Pipeline.KeepImages {
		run.Mode |= pipeline.RetainInMemory
	}
	if cfg.Paths.CropFile != "" {
		c, err := config.LoadCrop(cfg.Paths.CropFile)
		if err != nil {
			logger.Warn("crop disabled", "path", cfg.Paths.CropFile, "error", err)
		} else {
			p := operators.CropParams(*c)
			run.Config.Crop = &p
		}
	}
	return run
}
