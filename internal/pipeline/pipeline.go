package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"astropipe/internal/logging"
	"astropipe/internal/scan"
	"astropipe/internal/storage"
)

// JobType enumerates supported job categories.
type JobType string

const (
	// JobRun executes a pipeline run. The channels come from Job.Run or,
	// when that is nil, from scanning Job.InputPath.
	JobRun JobType = "run"
	// JobScan classifies the masters in Job.InputPath and records them.
	JobScan JobType = "scan"
)

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Run       *Run
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job    Job
	Error  error
	Meta   map[string]any
	Report *Report
	Scan   *scan.Result
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline dispatches queued jobs across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline with the given concurrency running jobs through
// processor.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		var opts any = job.Options
		if job.Run != nil {
			opts = job.Run
		}
		optsJSON, _ := json.Marshal(opts)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.process(ctx, id, job))
		}
	}
}

// process runs one job and records its outcome. A job interrupted by
// shutdown is recorded as canceled rather than failed.
func (p *Pipeline) process(ctx context.Context, worker int, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, jobFields(job))
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	duration := time.Since(start)

	status := "completed"
	switch {
	case res.Error == nil:
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	case errors.Is(res.Error, context.Canceled):
		status = "canceled"
		p.log.Warn("job canceled", "type", job.Type, "id", job.ID, "duration", duration)
	default:
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"worker": worker,
			"input":  job.InputPath,
			"output": job.Output,
		})
	}
	if p.store != nil {
		_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
	}
	return res
}

// jobFields summarises a job for the start log line.
func jobFields(job Job) map[string]any {
	if job.Run == nil {
		return job.Options
	}
	labels := make([]string, 0, len(job.Run.Channels))
	for _, a := range job.Run.Channels {
		labels = append(labels, string(a.Label))
	}
	return map[string]any{
		"channels": labels,
		"mode":     job.Run.Mode.String(),
		"format":   string(job.Run.Format),
		"parallel": job.Run.Parallel,
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
