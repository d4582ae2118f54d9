package pipeline

import (
	"context"

	"astropipe/internal/logging"
	"astropipe/internal/operators"
	"astropipe/internal/resource"
)

const combinedName = "RGB_combined"

type channel struct {
	label resource.Label
	img   *resource.Image
}

// runRGB processes the R, G and B masters. With all three present they are
// combined into one colour image; otherwise each opened channel is
// finished on its own.
func (o *Orchestrator) runRGB(ctx context.Context, w *workflow, in []Assignment) error {
	var (
		chans   []channel
		byLabel = map[resource.Label]*resource.Image{}
	)
	for _, a := range in {
		img, err := o.open(ctx, w, a)
		if err != nil {
			if !w.openFailed(err) {
				return err
			}
			continue
		}
		chans = append(chans, channel{a.Label, img})
		byLabel[a.Label] = img
	}

	for _, c := range chans {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.crop(ctx, w, c.img)
		o.gradient(ctx, w, c.img)
	}

	r, g, b := byLabel[resource.LabelR], byLabel[resource.LabelG], byLabel[resource.LabelB]
	complete := r != nil && g != nil && b != nil

	if w.stages.LinearFit {
		if complete {
			ref := operators.LinearFitParams{Reference: r}
			step(ctx, w, "linear-fit", true, o.ops.LinearFit, g, ref)
			step(ctx, w, "linear-fit", true, o.ops.LinearFit, b, ref)
		} else {
			o.skipIncomplete(w, "linear-fit", len(chans))
		}
	}

	var combined *resource.Image
	if w.stages.Combine {
		if complete {
			combined = o.combine(w, r, g, b)
		} else {
			o.skipIncomplete(w, "combine", len(chans))
		}
	}

	if combined == nil {
		for _, c := range chans {
			if err := o.finishRGB(ctx, w, c.img, string(c.label), c.label, false); err != nil {
				return err
			}
		}
		return nil
	}

	if err := o.finishRGB(ctx, w, combined, "RGB", "", w.stages.StarImage); err != nil {
		return err
	}
	if w.stages.SaveR {
		return o.standaloneR(ctx, w, r)
	}
	return nil
}

func (o *Orchestrator) skipIncomplete(w *workflow, stage string, have int) {
	w.log.Warn("stage skipped, R, G and B are all required", "stage", stage, "channels", have)
	logging.LogStage(w.log, w.name, stage, "RGB", logging.StageSkipped)
	w.note("%s skipped: %d of 3 RGB channels assigned", stage, have)
}

func (o *Orchestrator) combine(w *workflow, r, g, b *resource.Image) *resource.Image {
	logging.LogStage(w.log, w.name, "combine", combinedName, logging.StageStarted)
	img, err := operators.Combine(o.reg, combinedName, r, g, b)
	if err != nil {
		w.log.Warn("combine failed", "error", err)
		w.note("combine failed: %v", err)
		return nil
	}
	logging.LogStage(w.log, w.name, "combine", combinedName, logging.StageDone)
	return img
}

// finishRGB runs the nonlinear half of the RGB workflow. Final denoise runs
// before star separation.
func (o *Orchestrator) finishRGB(ctx context.Context, w *workflow, img *resource.Image, band string, label resource.Label, wantStars bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.blur(ctx, w, img)
	o.denoise(ctx, w, img)
	if err := o.stretch(ctx, w, img, band); err != nil {
		return err
	}
	o.finalDenoise(ctx, w, img)
	stars := o.removeStars(ctx, w, img, wantStars, OutputName(band+"_Stars"))

	if err := o.emit(ctx, w, img, OutputName(band), label, false); err != nil {
		return err
	}
	if stars != nil {
		return o.emit(ctx, w, stars, stars.Name, label, true)
	}
	return nil
}

// standaloneR reprocesses a clone of the R master on its own, starless
// only, for continuum subtraction.
func (o *Orchestrator) standaloneR(ctx context.Context, w *workflow, r *resource.Image) error {
	img, err := o.reg.Clone(r, "R")
	if err != nil {
		w.log.Warn("standalone R skipped", "error", err)
		w.note("standalone R skipped: %v", err)
		return nil
	}
	return o.finishRGB(ctx, w, img, string(resource.LabelR), resource.LabelR, false)
}
