package operators

import (
	"context"

	"astropipe/internal/resource"
	"astropipe/internal/stretch"
)

// AutoStretch runs the statistical auto-stretch and bakes it into the
// pixels. The target background comes from the stage parameters; the
// remaining constants from Options, or the defaults when Options is nil.
type AutoStretch struct {
	Options *stretch.Options
}

func (AutoStretch) Name() string { return "auto-stretch" }

func (a AutoStretch) Apply(_ context.Context, img *resource.Image, p StretchParams) error {
	opts := stretch.DefaultOptions()
	if a.Options != nil {
		opts = *a.Options
	}
	if p.TargetBackground > 0 {
		opts.TargetBackground = p.TargetBackground
	}
	_, err := stretch.Auto(img, opts)
	return err
}
