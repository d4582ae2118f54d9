package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"astropipe/internal/config"
	"astropipe/internal/imageio"
	"astropipe/internal/operators"
	"astropipe/internal/pipeline"
	"astropipe/internal/resource"
	"astropipe/internal/scan"
	"astropipe/internal/storage"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type toolChecker func(commands map[string][]string) []operators.ToolStatus

type scanFunc func(dir string) (scan.Result, error)

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline  pipelineClient
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	checkFn   toolChecker
	scanFn    scanFunc
	configDir string
}

// NewRoot constructs the shared state of every command.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		checkFn:  operators.CheckTools,
		scanFn:   scan.Dir,
	}
}

// runOptions are the per-invocation overrides of run, plan and watch.
type runOptions struct {
	channels map[resource.Label]*string
	output   string
	preset   string
	crop     string
	format   string
	parallel bool
	strict   bool
	keep     bool
}

func newRunOptions() *runOptions {
	o := &runOptions{channels: map[resource.Label]*string{}}
	for _, l := range resource.Labels {
		o.channels[l] = new(string)
	}
	return o
}

func (o *runOptions) explicit() []pipeline.Assignment {
	var out []pipeline.Assignment
	for _, l := range resource.Labels {
		if p := *o.channels[l]; p != "" {
			out = append(out, pipeline.Assignment{Label: l, Path: p})
		}
	}
	return out
}

// mergeAssignments lets explicit assignments replace scanned ones label
// by label, keeping the canonical label order.
func mergeAssignments(scanned, explicit []pipeline.Assignment) []pipeline.Assignment {
	byLabel := map[resource.Label]string{}
	for _, a := range scanned {
		byLabel[a.Label] = a.Path
	}
	for _, a := range explicit {
		byLabel[a.Label] = a.Path
	}
	var out []pipeline.Assignment
	for _, l := range resource.Labels {
		if p, ok := byLabel[l]; ok {
			out = append(out, pipeline.Assignment{Label: l, Path: p})
		}
	}
	return out
}

// buildRun scans dir, when given or when no channel was assigned
// explicitly, and assembles the run.
func (r *Root) buildRun(dir string, o *runOptions) (pipeline.Run, error) {
	explicit := o.explicit()
	if dir == "" && len(explicit) == 0 {
		dir = r.cfg.Paths.MastersDir
	}
	var scanned []pipeline.Assignment
	if dir != "" {
		res, err := r.scanFn(dir)
		if err != nil {
			return pipeline.Run{}, fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, f := range res.Ignored {
			r.log.Debug("file not assigned", "path", f)
		}
		scanned = pipeline.Assignments(res)
	}
	return r.assembleRun(mergeAssignments(scanned, explicit), o)
}

func (r *Root) assembleRun(channels []pipeline.Assignment, o *runOptions) (pipeline.Run, error) {
	cfg := *r.cfg
	if o.preset != "" {
		if err := config.LoadPreset(&cfg, o.preset); err != nil {
			return pipeline.Run{}, err
		}
	}

	run := pipeline.Run{
		Channels:  channels,
		Config:    pipeline.StageConfigFromConfig(&cfg),
		OutputDir: firstNonEmpty(o.output, cfg.Paths.OutputDir),
		Format:    imageio.Format(strings.ToLower(firstNonEmpty(o.format, cfg.Pipeline.Format))),
		Parallel:  o.parallel || cfg.Processing.ParallelWorkflows,
	}
	run.Config.StrictCombine = run.Config.StrictCombine || o.strict
	if cfg.Pipeline.SaveFiles {
		run.Mode |= pipeline.PersistToFile
	}
	if o.keep || cfg.Pipeline.KeepImages {
		run.Mode |= pipeline.RetainInMemory
	}
	switch run.Format {
	case imageio.FormatTIFF, imageio.FormatPNG, imageio.FormatFITS:
	default:
		return pipeline.Run{}, fmt.Errorf("unsupported output format %q", run.Format)
	}

	cropPath := firstNonEmpty(o.crop, cfg.Paths.CropFile)
	if cropPath != "" {
		crop, err := config.LoadCrop(cropPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			r.log.Warn("crop file not found, crop disabled", "path", cropPath)
		case err != nil:
			return pipeline.Run{}, err
		default:
			params := operators.CropParams(*crop)
			run.Config.Crop = &params
		}
	}
	return run, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
