package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"astropipe/internal/scan"
	"astropipe/internal/storage"
)

// OrchestratorFactory builds the orchestrator for one job. Each job gets
// its own registry so concurrent runs cannot sweep each other's images.
type OrchestratorFactory func() *Orchestrator

type scanFunc func(dir string) (scan.Result, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	newOrch  OrchestratorFactory
	scanFn   scanFunc
	template Run
}

// NewRouter returns the job processor. template supplies the stage
// configuration, output mode and format of runs built from a scan.
func NewRouter(logger *slog.Logger, store *storage.Store, factory OrchestratorFactory, template Run) Processor {
	return &router{
		log:      logger,
		store:    store,
		newOrch:  factory,
		scanFn:   scan.Dir,
		template: template,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRun:
		return r.handleRun(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// Assignments turns scanned masters into channel assignments.
func Assignments(res scan.Result) []Assignment {
	out := make([]Assignment, 0, len(res.Masters))
	for _, m := range res.Masters {
		out = append(out, Assignment{Label: m.Label, Path: m.Path})
	}
	return out
}

func (r *router) handleScan(_ context.Context, job Job) Result {
	res, err := r.scanFn(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("scan %s: %w", job.InputPath, err)}
	}
	labels := make([]string, 0, len(res.Masters))
	for _, m := range res.Masters {
		labels = append(labels, string(m.Label))
		if r.store != nil {
			_ = r.store.RecordMaster(storage.MasterRecord{FilePath: m.Path, Label: string(m.Label)})
		}
	}
	for _, f := range res.Ignored {
		r.log.Debug("file not assigned", "path", f)
	}
	return Result{Job: job, Scan: &res, Meta: map[string]any{
		"masters": len(res.Masters),
		"labels":  labels,
		"ignored": len(res.Ignored),
	}}
}

func (r *router) buildRun(job Job) (Run, error) {
	if job.Run != nil {
		run := *job.Run
		if run.ID == "" {
			run.ID = job.ID
		}
		if run.OutputDir == "" {
			run.OutputDir = job.Output
		}
		return run, nil
	}
	res, err := r.scanFn(job.InputPath)
	if err != nil {
		return Run{}, fmt.Errorf("scan %s: %w", job.InputPath, err)
	}
	run := r.template
	run.ID = job.ID
	run.Channels = Assignments(res)
	run.OutputDir = job.Output
	return run, nil
}

func (r *router) handleRun(ctx context.Context, job Job) Result {
	run, err := r.buildRun(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	rep, err := r.newOrch().Run(ctx, run)

	meta := map[string]any{
		"outputs":  len(rep.Outputs),
		"rgb_ok":   rep.RGBOK,
		"nb_ok":    rep.NBOK,
		"closed":   rep.Summary.Destroyed,
		"kept":     rep.Summary.Kept,
		"warnings": len(rep.Warnings),
	}
	if r.store != nil {
		if serr := r.store.RecordRun(runRecord(job.ID, rep, err)); serr != nil {
			r.log.Warn("unable to record run", "run", rep.RunID, "error", serr)
		}
	}
	return Result{Job: job, Error: err, Meta: meta, Report: &rep}
}

func runRecord(jobID string, rep Report, err error) storage.RunRecord {
	rec := storage.RunRecord{
		ID:        rep.RunID,
		JobID:     jobID,
		Started:   rep.Started,
		Finished:  rep.Finished,
		RGBOK:     rep.RGBOK,
		NBOK:      rep.NBOK,
		Destroyed: rep.Summary.Destroyed,
		Kept:      rep.Summary.Kept,
		Warnings:  rep.Warnings,
		Error:     errString(err),
	}
	for _, out := range rep.Outputs {
		rec.Outputs = append(rec.Outputs, storage.OutputRecord{
			Name:     out.Name,
			Label:    string(out.Label),
			Workflow: out.Workflow,
			Path:     out.Path,
			Stars:    out.Stars,
		})
	}
	return rec
}
