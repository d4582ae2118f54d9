package pipeline

import (
	"context"

	"astropipe/internal/resource"
)

// runNB processes the narrowband and luminance masters one at a time.
// Only Ha can produce a star image.
func (o *Orchestrator) runNB(ctx context.Context, w *workflow, in []Assignment) error {
	for _, a := range in {
		img, err := o.open(ctx, w, a)
		if err != nil {
			if !w.openFailed(err) {
				return err
			}
			continue
		}
		o.crop(ctx, w, img)
		o.gradient(ctx, w, img)
		o.blur(ctx, w, img)
		o.denoise(ctx, w, img)
		if err := ctx.Err(); err != nil {
			return err
		}
		band := string(a.Label)
		if err := o.stretch(ctx, w, img, band); err != nil {
			return err
		}
		stars := o.removeStars(ctx, w, img, a.Label == resource.LabelHa && w.stages.StarImage, OutputName(band+"_Stars"))
		o.finalDenoise(ctx, w, img)

		if err := o.emit(ctx, w, img, OutputName(band), a.Label, false); err != nil {
			return err
		}
		if stars != nil {
			if err := o.emit(ctx, w, stars, stars.Name, a.Label, true); err != nil {
				return err
			}
		}
	}
	return nil
}
