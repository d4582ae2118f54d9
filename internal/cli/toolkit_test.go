package cli

import (
	"io"
	"log/slog"
	"testing"

	"astropipe/internal/config"
	"astropipe/internal/imageio"
	"astropipe/internal/operators"
	opmagick "astropipe/internal/operators/magick"
	"astropipe/internal/pipeline"
)

func TestBuildToolkitDefaults(t *testing.T) {
	cfg := config.Default()
	ops, err := BuildToolkit(cfg, imageio.Native{})
	if err != nil {
		t.Fatalf("BuildToolkit failed: %v", err)
	}
	if _, ok := ops.Gradient.(operators.Gradient); !ok {
		t.Fatalf("expected native gradient, got %T", ops.Gradient)
	}
	if _, ok := ops.Blur.(opmagick.Sharpen); !ok {
		t.Fatalf("expected magick blur, got %T", ops.Blur)
	}
	if _, ok := ops.Denoise.(opmagick.Denoise); !ok {
		t.Fatalf("expected magick denoise, got %T", ops.Denoise)
	}
	if _, ok := ops.Stars.(operators.StarSeparator); !ok {
		t.Fatalf("expected an explicit star separator, got %T", ops.Stars)
	}
	if _, ok := ops.Stretch.(operators.External[operators.StretchParams]); !ok {
		t.Fatalf("expected external multiscale stretch, got %T", ops.Stretch)
	}
}

func TestBuildToolkitAutoStretch(t *testing.T) {
	cfg := config.Default()
	cfg.Stretch.Method = "auto"
	cfg.Stretch.Linked = false
	cfg.Tools.Gradient.Backend = "none"
	cfg.Tools.Stars.Backend = "none"

	ops, err := BuildToolkit(cfg, imageio.Native{})
	if err != nil {
		t.Fatalf("BuildToolkit failed: %v", err)
	}
	auto, ok := ops.Stretch.(operators.AutoStretch)
	if !ok {
		t.Fatalf("expected auto stretch, got %T", ops.Stretch)
	}
	if auto.Options.Linked || auto.Options.ShadowsClipping != cfg.Stretch.ShadowsClipping {
		t.Fatalf("expected options from config, got %+v", auto.Options)
	}
	if ops.Gradient != nil || ops.Stars != nil {
		t.Fatalf("expected disabled gradient and stars")
	}
}

func TestBuildToolkitRejectsUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Denoise.Backend = "gimp"
	if _, err := BuildToolkit(cfg, imageio.Native{}); err == nil {
		t.Fatalf("expected unknown backend error")
	}

	cfg = config.Default()
	cfg.Stretch.Method = "arcsinh"
	if _, err := BuildToolkit(cfg, imageio.Native{}); err == nil {
		t.Fatalf("expected unknown method error")
	}
}

func TestBuildCodec(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Codec = "native"
	codec, err := BuildCodec(cfg)
	if err != nil {
		t.Fatalf("BuildCodec failed: %v", err)
	}
	if _, ok := codec.(imageio.Native); !ok {
		t.Fatalf("expected native codec, got %T", codec)
	}
	cfg.Tools.Codec = "vips"
	if _, err := BuildCodec(cfg); err == nil {
		t.Fatalf("expected unknown codec error")
	}
}

func TestRunTemplateAndFactory(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.KeepImages = true
	cfg.Report.Histograms = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	run := RunTemplate(cfg, logger)
	if run.Mode != pipeline.PersistToFile|pipeline.RetainInMemory {
		t.Fatalf("unexpected mode %s", run.Mode)
	}
	if run.Format != imageio.FormatTIFF {
		t.Fatalf("unexpected format %q", run.Format)
	}

	factory := NewOrchestratorFactory(cfg, imageio.Native{}, operators.Native(), logger)
	a, b := factory(), factory()
	if a.Registry() == b.Registry() {
		t.Fatalf("expected a fresh registry per orchestrator")
	}
}
