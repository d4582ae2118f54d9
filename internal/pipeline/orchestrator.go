package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"astropipe/internal/imageio"
	"astropipe/internal/lifecycle"
	"astropipe/internal/logging"
	"astropipe/internal/operators"
	"astropipe/internal/resource"
)

// Workflow names used in logs, reports and errors.
const (
	WorkflowRGB = "rgb"
	WorkflowNB  = "nb"
)

// OutputHook observes every terminal image before the end-of-run sweep.
type OutputHook func(ctx context.Context, out Output, img *resource.Image)

// Orchestrator executes runs against a resource registry.
type Orchestrator struct {
	reg  *resource.Registry
	src  imageio.Source
	sink imageio.Sink
	ops  operators.Toolkit
	log  *slog.Logger
	hook OutputHook

	// byproductMu serialises snapshot-diff star separation with the
	// output renames and crops whose name and geometry it reads.
	byproductMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithOutputHook registers fn to observe terminal images.
func WithOutputHook(fn OutputHook) Option {
	return func(o *Orchestrator) { o.hook = fn }
}

// NewOrchestrator wires an orchestrator. sink may be nil when runs only
// retain images in memory.
func NewOrchestrator(reg *resource.Registry, src imageio.Source, sink imageio.Sink, ops operators.Toolkit, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{reg: reg, src: src, sink: sink, ops: ops, log: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry exposes the registry runs operate on.
func (o *Orchestrator) Registry() *resource.Registry { return o.reg }

// workflow carries the per-workflow state of one run.
type workflow struct {
	name     string
	run      *Run
	stages   Stages
	tracker  *lifecycle.Tracker
	log      *slog.Logger
	outputs  []Output
	warnings []string
	openErrs []error
	ok       bool
}

// openFailed records an open failure. The channel is dropped and the
// workflow carries on with the others. Any other error is not handled.
func (w *workflow) openFailed(err error) bool {
	var oe *imageio.OpenError
	if !errors.As(err, &oe) {
		return false
	}
	w.log.Error("channel could not be opened", "label", oe.Label, "path", oe.Path, "error", oe.Err)
	w.openErrs = append(w.openErrs, err)
	return true
}

func (w *workflow) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.warnings = append(w.warnings, w.name+": "+msg)
}

// Run executes both workflows. Every image created during the run that is
// not retained is closed before Run returns, including after a fatal
// error. The report is valid even when an error is returned.
func (o *Orchestrator) Run(ctx context.Context, run Run) (rep Report, err error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Format == "" {
		run.Format = imageio.FormatTIFF
	}
	rep = Report{RunID: run.ID, Started: time.Now()}
	if err := run.Validate(); err != nil {
		rep.Finished = time.Now()
		return rep, err
	}
	if run.Mode&PersistToFile != 0 && o.sink == nil {
		rep.Finished = time.Now()
		return rep, errors.New("no image sink configured")
	}

	log := o.log.With("run", run.ID)
	tracker := lifecycle.New(o.reg, log)
	tracker.Begin()
	defer func() {
		sum, cerr := tracker.Finalize()
		rep.Summary = sum
		logging.LogCleanup(log, run.ID, sum.Destroyed, sum.Kept, cerr)
		rep.Finished = time.Now()
	}()

	rgbIn, nbIn := run.split()
	rgb := &workflow{name: WorkflowRGB, run: &run, stages: run.Config.RGB, tracker: tracker, log: log.With("workflow", WorkflowRGB)}
	nb := &workflow{name: WorkflowNB, run: &run, stages: run.Config.NB, tracker: tracker, log: log.With("workflow", WorkflowNB)}

	if run.Config.Crop == nil && (rgb.stages.Crop || nb.stages.Crop) {
		log.Warn("no crop descriptor, crop skipped for every channel")
		rep.Warnings = append(rep.Warnings, "crop skipped: no crop descriptor")
	}

	exec := func(w *workflow, in []Assignment, fn func(context.Context, *workflow, []Assignment) error) func(context.Context) error {
		return func(ctx context.Context) error {
			if len(in) == 0 {
				return nil
			}
			if !w.stages.Enabled {
				w.log.Info("workflow disabled", "channels", len(in))
				return nil
			}
			if err := fn(ctx, w, in); err != nil {
				return err
			}
			w.ok = len(w.openErrs) == 0
			return nil
		}
	}
	runRGB := exec(rgb, rgbIn, o.runRGB)
	runNB := exec(nb, nbIn, o.runNB)

	var fatal error
	if run.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runRGB(gctx) })
		g.Go(func() error { return runNB(gctx) })
		fatal = g.Wait()
	} else if fatal = runRGB(ctx); fatal == nil {
		fatal = runNB(ctx)
	}

	rep.Outputs = append(append(rep.Outputs, rgb.outputs...), nb.outputs...)
	rep.Warnings = append(append(rep.Warnings, rgb.warnings...), nb.warnings...)
	rep.RGBOK, rep.NBOK = rgb.ok, nb.ok

	if fatal != nil {
		return rep, fatal
	}
	if openErrs := append(rgb.openErrs, nb.openErrs...); len(openErrs) > 0 {
		return rep, stderrors.Join(openErrs...)
	}
	return rep, nil
}

func (o *Orchestrator) open(ctx context.Context, w *workflow, a Assignment) (*resource.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logging.LogStage(w.log, w.name, "open", string(a.Label), logging.StageStarted)
	img, err := o.src.Open(ctx, a.Path)
	if err != nil {
		return nil, &imageio.OpenError{Label: a.Label, Path: a.Path, Err: err}
	}
	if err := img.Validate(); err != nil {
		return nil, &imageio.OpenError{Label: a.Label, Path: a.Path, Err: err}
	}
	o.reg.Adopt(img)
	logging.LogStage(w.log, w.name, "open", img.Name, logging.StageDone)
	return img, nil
}

type pixelBackup struct {
	width, height int
	pix           []float32
}

func backup(img *resource.Image) pixelBackup {
	return pixelBackup{img.Width, img.Height, append([]float32(nil), img.Pix...)}
}

// restore only writes the geometry back when the stage changed it.
func (b pixelBackup) restore(img *resource.Image) {
	if img.Width != b.width || img.Height != b.height {
		img.Width, img.Height = b.width, b.height
	}
	img.Pix = b.pix
}

// step runs a recoverable stage. On failure the image is restored and the
// workflow continues.
func step[P any](ctx context.Context, w *workflow, stage string, enabled bool, op operators.Operator[P], img *resource.Image, params P) bool {
	if !enabled {
		return false
	}
	logging.LogStage(w.log, w.name, stage, img.Name, logging.StageStarted)
	saved := backup(img)
	if !operators.Try(ctx, w.log, op, img, params) {
		saved.restore(img)
		w.note("%s failed on %s, continuing", stage, img.Name)
		return false
	}
	logging.LogStage(w.log, w.name, stage, img.Name, logging.StageDone)
	return true
}

// crop is the only stage that resizes, so it holds byproductMu: star
// discovery in the other workflow compares image geometry.
func (o *Orchestrator) crop(ctx context.Context, w *workflow, img *resource.Image) {
	crop := w.run.Config.Crop
	if crop == nil || !w.stages.Crop {
		return
	}
	o.byproductMu.Lock()
	defer o.byproductMu.Unlock()
	step(ctx, w, "crop", true, o.ops.Crop, img, *crop)
}

func (o *Orchestrator) gradient(ctx context.Context, w *workflow, img *resource.Image) {
	step(ctx, w, "gradient", w.stages.Gradient, o.ops.Gradient, img, operators.GradientParams{})
}

func (o *Orchestrator) blur(ctx context.Context, w *workflow, img *resource.Image) {
	step(ctx, w, "blur", w.stages.Blur, o.ops.Blur, img, operators.BlurParams{CorrectOnly: true, Luminance: true})
}

func (o *Orchestrator) denoise(ctx context.Context, w *workflow, img *resource.Image) {
	p := operators.DenoiseFromPercent(w.stages.DenoiseAmount, w.stages.DenoiseDetail)
	step(ctx, w, "denoise", w.stages.Denoise, o.ops.Denoise, img, p)
}

func (o *Orchestrator) finalDenoise(ctx context.Context, w *workflow, img *resource.Image) {
	p := operators.DenoiseFromPercent(w.stages.FinalDenoiseAmount, w.stages.FinalDenoiseDetail)
	step(ctx, w, "final-denoise", w.stages.FinalDenoise, o.ops.Denoise, img, p)
}

// stretch is the one fatal stage.
func (o *Orchestrator) stretch(ctx context.Context, w *workflow, img *resource.Image, band string) error {
	if !w.stages.Stretch {
		return nil
	}
	logging.LogStage(w.log, w.name, "stretch", img.Name, logging.StageStarted)
	if err := operators.Call(ctx, o.ops.Stretch, img, w.run.Config.Stretch.Params()); err != nil {
		logging.LogStage(w.log, w.name, "stretch", img.Name, logging.StageFailed)
		return &StageError{Workflow: w.name, Stage: "stretch", Label: band, Err: err}
	}
	logging.LogStage(w.log, w.name, "stretch", img.Name, logging.StageDone)
	return nil
}

// removeStars replaces img with its starless version. When wantStars is
// set it also returns the star-only image, registered under starsName, or
// nil if none could be obtained.
func (o *Orchestrator) removeStars(ctx context.Context, w *workflow, img *resource.Image, wantStars bool, starsName string) *resource.Image {
	if !w.stages.StarRemoval {
		return nil
	}
	params := operators.StarParams{Stars: wantStars, Linear: !w.stages.Stretch}
	if !wantStars {
		step(ctx, w, "star-removal", true, o.ops.Stars, img, params)
		return nil
	}
	if sep, ok := o.ops.Stars.(operators.StarSeparator); ok {
		return o.separateExplicit(ctx, w, sep, img, params, starsName)
	}
	return o.separateByproduct(ctx, w, img, params, starsName)
}

func (o *Orchestrator) separateExplicit(ctx context.Context, w *workflow, sep operators.StarSeparator, img *resource.Image, params operators.StarParams, starsName string) *resource.Image {
	logging.LogStage(w.log, w.name, "star-removal", img.Name, logging.StageStarted)
	saved := backup(img)
	var res operators.Separation
	err := operators.Call(ctx, operators.Func[operators.StarParams]{
		ID: sep.Name(),
		Fn: func(ctx context.Context, img *resource.Image, p operators.StarParams) error {
			var err error
			res, err = sep.Separate(ctx, img, p)
			return err
		},
	}, img, params)
	if err != nil {
		saved.restore(img)
		w.log.Warn("operator failed", "operator", sep.Name(), "image", img.Name, "error", err)
		w.note("star-removal failed on %s, continuing", img.Name)
		return nil
	}
	logging.LogStage(w.log, w.name, "star-removal", img.Name, logging.StageDone)
	if res.Stars == nil {
		w.log.Warn("star removal produced no star image", "image", img.Name)
		w.note("no star image for %s", img.Name)
		return nil
	}
	stars := o.reg.Adopt(res.Stars)
	stars.Name = starsName
	return stars
}

// separateByproduct handles operators that leave the star image behind as
// a new registry entry instead of returning it.
func (o *Orchestrator) separateByproduct(ctx context.Context, w *workflow, img *resource.Image, params operators.StarParams, starsName string) *resource.Image {
	o.byproductMu.Lock()
	defer o.byproductMu.Unlock()

	before := lifecycle.Take(o.reg)
	if !step(ctx, w, "star-removal", true, o.ops.Stars, img, params) {
		return nil
	}
	stars := lifecycle.Discover(o.reg, before, img, "star")
	if stars == nil {
		w.log.Warn("star removal did not leave a star image", "image", img.Name)
		w.note("no star image for %s", img.Name)
		return nil
	}
	stars.Name = starsName
	return stars
}
