package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"astropipe/internal/config"
	"astropipe/internal/imageio"
	"astropipe/internal/operators"
	"astropipe/internal/pipeline"
	"astropipe/internal/resource"
	"astropipe/internal/storage"
)

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Paths.MastersDir = filepath.Join(tmp, "no-masters")
	cfg.Paths.OutputDir = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "astropipe.db")
	cfg.Processing.TempDir = filepath.Join(tmp, "temp")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	root := NewRoot(pipe, cfg, logger, nil)
	root.checkFn = func(map[string][]string) []operators.ToolStatus { return nil }
	return root, pipe
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	return executeContext(context.Background(), root, args...)
}

func executeContext(ctx context.Context, root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func mastersDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// fakePipeline answers every job synchronously through its subscribers.
type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	submitted chan pipeline.Job
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
		submitted: make(chan pipeline.Job, 16),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)

	res := pipeline.Result{Job: job, Error: f.errorFor(job), Meta: map[string]any{"ok": true}}
	if job.Type == pipeline.JobRun {
		rep := pipeline.Report{RunID: job.ID, RGBOK: true}
		if job.Run != nil {
			for _, a := range job.Run.Channels {
				rep.Outputs = append(rep.Outputs, pipeline.Output{Name: pipeline.OutputName(string(a.Label)), Label: a.Label})
			}
		}
		res.Report = &rep
	}
	for _, ch := range f.subs {
		ch <- res
	}
	select {
	case f.submitted <- job:
	default:
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 4)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) lastJob(t *testing.T) pipeline.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		t.Fatalf("expected a submitted job")
	}
	return f.jobs[len(f.jobs)-1]
}

func labels(run *pipeline.Run) []resource.Label {
	var out []resource.Label
	for _, a := range run.Channels {
		out = append(out, a.Label)
	}
	return out
}

func TestRunCommandBuildsRunFromScan(t *testing.T) {
	root, pipe := newTestRoot(t)
	dir := mastersDir(t,
		"masterLight_FILTER-B_mono.xisf",
		"masterLight_FILTER-Ha_mono.xisf",
		"masterLight_FILTER-R_mono.xisf",
		"masterLight_FILTER-G_mono.xisf",
		"notes.txt",
	)
	out := filepath.Join(t.TempDir(), "out")

	stdout, err := execute(t, root, "run", dir, "-o", out)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	job := pipe.lastJob(t)
	if job.Type != pipeline.JobRun || job.Run == nil {
		t.Fatalf("expected a run job with an explicit run, got %+v", job)
	}
	got := labels(job.Run)
	want := []resource.Label{resource.LabelHa, resource.LabelR, resource.LabelG, resource.LabelB}
	if len(got) != len(want) {
		t.Fatalf("expected labels %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected labels %v, got %v", want, got)
		}
	}
	if job.Run.OutputDir != out || job.Run.Mode&pipeline.PersistToFile == 0 {
		t.Fatalf("expected persisted output to %s, got %q mode %s", out, job.Run.OutputDir, job.Run.Mode)
	}
	if job.Run.Format != imageio.FormatTIFF {
		t.Fatalf("expected tif format, got %q", job.Run.Format)
	}
	if job.Run.ID != job.ID {
		t.Fatalf("expected run id to match job id")
	}
	if !strings.Contains(stdout, "Run:") || !strings.Contains(stdout, "Ha_NL") {
		t.Fatalf("expected printed summary, got %q", stdout)
	}
}

func TestRunCommandExplicitChannelsOverrideScan(t *testing.T) {
	root, pipe := newTestRoot(t)
	dir := mastersDir(t, "M42_Ha.fits", "M42_OIII.fits")

	if _, err := execute(t, root, "run", dir, "--ha", "/elsewhere/ha.tif", "--sii", "/elsewhere/sii.tif"); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	run := pipe.lastJob(t).Run
	paths := map[resource.Label]string{}
	for _, a := range run.Channels {
		paths[a.Label] = a.Path
	}
	if paths[resource.LabelHa] != "/elsewhere/ha.tif" {
		t.Fatalf("expected explicit Ha, got %q", paths[resource.LabelHa])
	}
	if paths[resource.LabelOIII] != filepath.Join(dir, "M42_OIII.fits") {
		t.Fatalf("expected scanned OIII, got %q", paths[resource.LabelOIII])
	}
	if paths[resource.LabelSII] != "/elsewhere/sii.tif" {
		t.Fatalf("expected explicit SII, got %q", paths[resource.LabelSII])
	}
}

func TestRunCommandExplicitChannelsSkipDefaultScan(t *testing.T) {
	root, pipe := newTestRoot(t)
	// paths.masters_dir does not exist, so a scan would fail.
	if _, err := execute(t, root, "run", "--l", "/masters/L.tif"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := labels(pipe.lastJob(t).Run); len(got) != 1 || got[0] != resource.LabelL {
		t.Fatalf("expected only L, got %v", got)
	}
}

func TestRunCommandMissingMastersDir(t *testing.T) {
	root, pipe := newTestRoot(t)
	if _, err := execute(t, root, "run"); err == nil {
		t.Fatalf("expected scan error for missing masters_dir")
	}
	if len(pipe.jobs) != 0 {
		t.Fatalf("expected no job to be submitted")
	}
}

func TestRunCommandCrop(t *testing.T) {
	root, pipe := newTestRoot(t)

	if _, err := execute(t, root, "run", "--ha", "/m/ha.tif", "--crop", filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("missing crop file must not fail the run: %v", err)
	}
	if pipe.lastJob(t).Run.Config.Crop != nil {
		t.Fatalf("expected crop disabled")
	}

	cropPath := filepath.Join(t.TempDir(), "crop.toml")
	data := "ref_width = 100\nref_height = 80\nout_width = 50\nout_height = 40\ncenter_x = 0.5\ncenter_y = 0.5\n"
	if err := os.WriteFile(cropPath, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, root, "run", "--ha", "/m/ha.tif", "--crop", cropPath); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	crop := pipe.lastJob(t).Run.Config.Crop
	if crop == nil || crop.OutWidth != 50 || crop.RefHeight != 80 {
		t.Fatalf("expected crop from file, got %+v", crop)
	}
}

func TestRunCommandPreset(t *testing.T) {
	root, pipe := newTestRoot(t)
	preset := filepath.Join(t.TempDir(), "preset.toml")
	data := "[pipeline.nb]\nstretch = false\n\n[stretch]\ntarget_background = 0.2\n"
	if err := os.WriteFile(preset, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, root, "run", "--ha", "/m/ha.tif", "--preset", preset, "--strict", "--keep", "--parallel"); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	run := pipe.lastJob(t).Run
	if run.Config.NB.Stretch {
		t.Fatalf("expected preset to disable NB stretch")
	}
	if !run.Config.NB.Gradient {
		t.Fatalf("expected keys absent from the preset to keep their value")
	}
	if run.Config.Stretch.TargetBackground != 0.2 {
		t.Fatalf("expected preset target background, got %v", run.Config.Stretch.TargetBackground)
	}
	if !run.Config.StrictCombine || !run.Parallel || run.Mode&pipeline.RetainInMemory == 0 {
		t.Fatalf("expected strict, parallel and keep flags, got %+v", run)
	}
	if !root.cfg.Pipeline.NB.Stretch {
		t.Fatalf("preset must not modify the loaded configuration")
	}
}

func TestRunCommandRejectsFormat(t *testing.T) {
	root, pipe := newTestRoot(t)
	if _, err := execute(t, root, "run", "--ha", "/m/ha.tif", "--format", "jpeg"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	if len(pipe.jobs) != 0 {
		t.Fatalf("expected no job to be submitted")
	}
}

func TestRunCommandReturnsJobError(t *testing.T) {
	root, pipe := newTestRoot(t)
	boom := errors.New("stretch failed")
	pipe.jobErrors[string(pipeline.JobRun)] = boom

	stdout, err := execute(t, root, "run", "--ha", "/m/ha.tif")
	if !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if !strings.Contains(stdout, "Run:") {
		t.Fatalf("expected summary even on failure, got %q", stdout)
	}
}

func TestScanCommand(t *testing.T) {
	root, pipe := newTestRoot(t)
	dir := mastersDir(t, "M42_Ha.fits")

	if _, err := execute(t, root, "scan", dir); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	job := pipe.lastJob(t)
	if job.Type != pipeline.JobScan || job.InputPath != dir {
		t.Fatalf("expected scan job for %s, got %+v", dir, job)
	}
}

func TestPlanCommand(t *testing.T) {
	root, pipe := newTestRoot(t)

	dot, err := execute(t, root, "plan", "--ha", "/m/ha.tif", "--r", "/m/r.tif", "--g", "/m/g.tif", "--b", "/m/b.tif")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.Contains(dot, "digraph") {
		t.Fatalf("expected DOT output, got %q", dot)
	}

	order, err := execute(t, root, "plan", "--ha", "/m/ha.tif", "--order")
	if err != nil {
		t.Fatalf("plan --order failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(order), "\n")
	if lines[0] != "start" || lines[len(lines)-1] != "finalize" {
		t.Fatalf("expected start..finalize, got %v", lines)
	}
	if len(pipe.jobs) != 0 {
		t.Fatalf("plan must not submit jobs")
	}
}

func TestWatchCommandSubmitsRun(t *testing.T) {
	root, pipe := newTestRoot(t)
	dir := mastersDir(t, "M42_Ha.fits", "M42_OIII.fits")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := executeContext(ctx, root, "watch", dir, "--settle", "10ms", "-o", t.TempDir())
		done <- err
	}()

	select {
	case job := <-pipe.submitted:
		if job.Run == nil || len(job.Run.Channels) != 2 {
			t.Fatalf("expected a run with two channels, got %+v", job.Run)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not submit a run")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestHistoryCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(t, root, "history"); err == nil {
		t.Fatalf("expected error without a store")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	now := time.Now()
	if err := store.RecordRun(storage.RunRecord{
		ID:       "run-42",
		Started:  now,
		Finished: now.Add(time.Second),
		NBOK:     true,
		Outputs:  []storage.OutputRecord{{Name: "Ha_NL", Label: "Ha", Workflow: "nb"}},
	}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	root.store = store

	out, err := execute(t, root, "history")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "run-42") {
		t.Fatalf("expected run in history, got %q", out)
	}
}

func TestToolsCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	var asked map[string][]string
	root.checkFn = func(commands map[string][]string) []operators.ToolStatus {
		asked = commands
		return []operators.ToolStatus{
			{Name: "stars", Command: "starnet++", Available: true, Version: "2.0"},
			{Name: "stretch", Command: "mas-stretch"},
		}
	}

	out, err := execute(t, root, "tools")
	if err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	if _, ok := asked["stars"]; !ok {
		t.Fatalf("expected the configured star command to be checked, got %v", asked)
	}
	for _, want := range []string{"starnet++", "available", "missing"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got %q", want, out)
		}
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "astropipe", "config.json")
	t.Setenv(config.EnvConfig, path)

	out, err := execute(t, root, "config", "path")
	if err != nil || strings.TrimSpace(out) != path {
		t.Fatalf("expected %s, got %q (%v)", path, out, err)
	}

	if _, err := execute(t, root, "config", "init"); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	loaded, err := config.Load()
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if loaded.Paths.OutputDir != root.cfg.Paths.OutputDir {
		t.Fatalf("expected written output dir %s, got %s", root.cfg.Paths.OutputDir, loaded.Paths.OutputDir)
	}

	out, err = execute(t, root, "config", "show")
	if err != nil || !strings.Contains(out, `"stretch"`) {
		t.Fatalf("expected JSON config, got %q (%v)", out, err)
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "astropipe "+Version) {
		t.Fatalf("unexpected version output %q", out)
	}
}
