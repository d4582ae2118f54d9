// Package operators wraps every image transformation a workflow stage can
// run. Native operators are implemented in Go; others shell out to an
// external command or to ImageMagick. All of them share the Operator
// contract, so the pipeline can treat a missing plugin, a crash and an
// ordinary failure the same way.
package operators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"astropipe/internal/resource"
)

// ErrUnavailable is returned when a stage has no operator configured.
var ErrUnavailable = errors.New("operator not available")

// Operator transforms an image in place.
type Operator[P any] interface {
	Name() string
	Apply(ctx context.Context, img *resource.Image, params P) error
}

// Func adapts a plain function to Operator.
type Func[P any] struct {
	ID string
	Fn func(ctx context.Context, img *resource.Image, params P) error
}

func (f Func[P]) Name() string { return f.ID }

func (f Func[P]) Apply(ctx context.Context, img *resource.Image, params P) error {
	return f.Fn(ctx, img, params)
}

// Call runs op and converts a panic into an error. A nil operator yields
// ErrUnavailable.
func Call[P any](ctx context.Context, op Operator[P], img *resource.Image, params P) (err error) {
	if op == nil {
		return ErrUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op.Name(), r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return op.Apply(ctx, img, params)
}

// Try runs op for a recoverable stage. Failures are logged as warnings and
// reported as false; the image is left as the operator left it.
func Try[P any](ctx context.Context, log *slog.Logger, op Operator[P], img *resource.Image, params P) bool {
	err := Call(ctx, op, img, params)
	if err == nil {
		return true
	}
	name := "none"
	if op != nil {
		name = op.Name()
	}
	log.Warn("operator failed", "operator", name, "image", img.Name, "error", err)
	return false
}

// Toolkit is the set of operators a run can use. Nil entries are treated
// as missing plugins.
type Toolkit struct {
	Crop      Operator[CropParams]
	Gradient  Operator[GradientParams]
	LinearFit Operator[LinearFitParams]
	Blur      Operator[BlurParams]
	Denoise   Operator[DenoiseParams]
	Stretch   Operator[StretchParams]
	Stars     Operator[StarParams]
}

// Native returns a toolkit made only of pure-Go operators. Blur correction,
// denoise and star separation have no native implementation.
func Native() Toolkit {
	return Toolkit{
		Crop:      Crop{},
		Gradient:  Gradient{},
		LinearFit: LinearFit{},
		Stretch:   AutoStretch{},
	}
}
