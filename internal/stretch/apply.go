package stretch

import (
	"fmt"

	"astropipe/internal/resource"
)

// Apply installs transforms as img's display mapping, bakes them into the
// pixels and resets the display mapping to identity.
func Apply(img *resource.Image, transforms []resource.STF) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if len(transforms) != img.Planes {
		return fmt.Errorf("image %s has %d planes, got %d transforms", img.Name, img.Planes, len(transforms))
	}
	img.Display = append(img.Display[:0], transforms...)
	for p := 0; p < img.Planes; p++ {
		bake(img.Plane(p), img.Display[p])
	}
	img.ResetDisplay()
	return nil
}

// Auto computes and applies an auto-stretch in one step.
func Auto(img *resource.Image, opts Options) ([]resource.STF, error) {
	t, err := Compute(img, opts)
	if err != nil {
		return nil, err
	}
	if err := Apply(img, t); err != nil {
		return nil, err
	}
	return t, nil
}

// bake is a histogram transformation: clip to [shadow, highlight], rescale
// to [0,1] and pass through the midtones curve.
func bake(px []float32, t resource.STF) {
	if t.IsIdentity() {
		return
	}
	span := t.Highlight - t.Shadow
	for i, v := range px {
		x := float64(v)
		switch {
		case x <= t.Shadow:
			x = 0
		case x >= t.Highlight:
			x = 1
		case span <= 0:
			x = 1
		default:
			x = MTF(t.Midtone, (x-t.Shadow)/span)
		}
		px[i] = float32(x)
	}
}
