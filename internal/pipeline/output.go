package pipeline

import (
	"context"
	"path/filepath"

	"astropipe/internal/resource"
)

// emit renames img to its output name, then persists and/or retains it
// according to the run's output mode. Nothing is emitted once ctx is done,
// so a fatal error in the other workflow of a parallel run stops this one
// from producing outputs.
func (o *Orchestrator) emit(ctx context.Context, w *workflow, img *resource.Image, name string, label resource.Label, stars bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.byproductMu.Lock()
	img.Name = name
	o.byproductMu.Unlock()
	out := Output{Name: name, Label: label, Workflow: w.name, Stars: stars}

	if w.run.Mode&PersistToFile != 0 {
		path := filepath.Join(w.run.OutputDir, name+"."+string(w.run.Format))
		if err := o.sink.Write(ctx, img, path, w.run.Format); err != nil {
			w.log.Warn("save failed", "image", name, "path", path, "error", err)
			w.note("save %s failed: %v", name, err)
		} else {
			out.Path = path
			w.log.Info("saved", "image", name, "path", path)
		}
	}
	if w.run.Mode&RetainInMemory != 0 {
		w.tracker.Keep(img.ID)
		out.Resource = img.ID
	}
	if o.hook != nil {
		o.hook(ctx, out, img)
	}
	w.outputs = append(w.outputs, out)
	return nil
}
