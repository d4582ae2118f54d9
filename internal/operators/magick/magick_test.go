package magick

import (
	"context"
	"os"
	"testing"

	iomagick "astropipe/internal/imageio/magick"
	"astropipe/internal/operators"
	"astropipe/internal/resource"
)

func TestMain(m *testing.M) {
	done := iomagick.Init()
	code := m.Run()
	done()
	os.Exit(code)
}

func noisy(t *testing.T) *resource.Image {
	t.Helper()
	img, err := resource.NewImage("Ha", 16, 16, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := range img.Pix {
		img.Pix[i] = 0.2
		if i%5 == 0 {
			img.Pix[i] = 0.3
		}
	}
	return img
}

func spread(px []float32) float32 {
	lo, hi := px[0], px[0]
	for _, v := range px {
		lo, hi = min(lo, v), max(hi, v)
	}
	return hi - lo
}

func TestDenoiseZeroIsNoop(t *testing.T) {
	img := noisy(t)
	before := append([]float32(nil), img.Pix...)
	if err := operators.Call[operators.DenoiseParams](context.Background(), Denoise{}, img, operators.DenoiseParams{}); err != nil {
		t.Fatalf("denoise: %v", err)
	}
	for i := range before {
		if before[i] != img.Pix[i] {
			t.Fatalf("sample %d changed", i)
		}
	}
}

func TestDenoiseSmoothsNoise(t *testing.T) {
	img := noisy(t)
	before := spread(img.Pix)
	p := operators.DenoiseFromPercent(100, 0)
	if err := operators.Call[operators.DenoiseParams](context.Background(), Denoise{MaxThreshold: 0.5}, img, p); err != nil {
		t.Fatalf("denoise: %v", err)
	}
	if after := spread(img.Pix); after >= before {
		t.Fatalf("expected smaller spread after denoise, got %v >= %v", after, before)
	}
}

func TestSharpenKeepsGeometry(t *testing.T) {
	img := noisy(t)
	if err := operators.Call[operators.BlurParams](context.Background(), Sharpen{Radius: 1}, img, operators.BlurParams{}); err != nil {
		t.Fatalf("sharpen: %v", err)
	}
	if img.Width != 16 || img.Height != 16 || img.Planes != 1 {
		t.Fatalf("geometry changed to %dx%dx%d", img.Width, img.Height, img.Planes)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Sharpen{}).Apply(ctx, noisy(t), operators.BlurParams{}); err == nil {
		t.Fatalf("expected context error")
	}
}
