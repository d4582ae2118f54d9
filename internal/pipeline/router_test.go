package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"astropipe/internal/resource"
	"astropipe/internal/scan"
	"astropipe/internal/storage"
)

func scanStub(res scan.Result, err error) scanFunc {
	return func(string) (scan.Result, error) { return res, err }
}

func testRouter(t *testing.T, store *storage.Store, sink *stubSink, res scan.Result) *router {
	t.Helper()
	template := testRun("")
	return &router{
		log:   slog.Default(),
		store: store,
		newOrch: func() *Orchestrator {
			return NewOrchestrator(resource.NewRegistry(), &stubSource{}, sink, testToolkit(), slog.Default())
		},
		scanFn:   scanStub(res, nil),
		template: template,
	}
}

func haRGBScan() scan.Result {
	return scan.Result{Masters: []scan.Master{
		{Label: resource.LabelHa, Path: "/m/Ha.xisf"},
		{Label: resource.LabelR, Path: "/m/R.fits"},
		{Label: resource.LabelG, Path: "/m/G.fits"},
		{Label: resource.LabelB, Path: "/m/B.fits"},
	}}
}

func TestRouterRunFromScan(t *testing.T) {
	sink := &stubSink{}
	r := testRouter(t, nil, sink, haRGBScan())
	job := Job{ID: "run-1", Type: JobRun, InputPath: "/m", Output: t.TempDir()}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Report == nil || res.Report.RunID != "run-1" {
		t.Fatalf("expected report for run-1, got %+v", res.Report)
	}
	if res.Meta["outputs"] != 3 {
		t.Fatalf("expected 3 outputs, got %v", res.Meta["outputs"])
	}
	equalNames(t, sink.names(), "Ha_NL", "RGB_NL", "RGB_Stars_NL")
}

func TestRouterRunExplicit(t *testing.T) {
	sink := &stubSink{}
	r := testRouter(t, nil, sink, scan.Result{})
	r.scanFn = scanStub(scan.Result{}, errors.New("should not be called"))
	run := testRun("", resource.LabelOIII)
	job := Job{ID: "run-2", Type: JobRun, Output: t.TempDir(), Run: &run}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	equalNames(t, sink.names(), "OIII_NL")
}

func TestRouterRunScanFailure(t *testing.T) {
	r := testRouter(t, nil, &stubSink{}, scan.Result{})
	r.scanFn = scanStub(scan.Result{}, errors.New("permission denied"))

	res := r.Process(context.Background(), Job{ID: "run-3", Type: JobRun, InputPath: "/m", Output: t.TempDir()})
	if res.Error == nil {
		t.Fatalf("expected scan error")
	}
}

func TestRouterRunNoMasters(t *testing.T) {
	r := testRouter(t, nil, &stubSink{}, scan.Result{})
	res := r.Process(context.Background(), Job{ID: "run-4", Type: JobRun, InputPath: "/m", Output: t.TempDir()})
	if !errors.Is(res.Error, ErrNoChannels) {
		t.Fatalf("expected ErrNoChannels, got %v", res.Error)
	}
}

func TestRouterRecordsRunsAndMasters(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "astropipe.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	r := testRouter(t, store, &stubSink{}, haRGBScan())

	res := r.Process(context.Background(), Job{ID: "scan-1", Type: JobScan, InputPath: "/m"})
	if res.Error != nil || res.Meta["masters"] != 4 {
		t.Fatalf("unexpected scan result %+v", res)
	}
	masters, err := store.Masters("")
	if err != nil || len(masters) != 4 {
		t.Fatalf("expected 4 recorded masters, got %d (%v)", len(masters), err)
	}

	res = r.Process(context.Background(), Job{ID: "run-5", Type: JobRun, InputPath: "/m", Output: t.TempDir()})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	runs, err := store.RecentRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one recorded run, got %d (%v)", len(runs), err)
	}
	if runs[0].ID != "run-5" || len(runs[0].Outputs) != 3 {
		t.Fatalf("unexpected run record %+v", runs[0])
	}
}

func TestRouterUnknownJob(t *testing.T) {
	r := testRouter(t, nil, &stubSink{}, scan.Result{})
	if res := r.Process(context.Background(), Job{Type: "stack"}); res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestPipelineBroadcastsResults(t *testing.T) {
	sink := &stubSink{}
	r := testRouter(t, nil, sink, haRGBScan())
	p := New(context.Background(), 2, slog.Default(), nil, r)
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	for _, id := range []string{"a", "b"} {
		if err := p.Submit(Job{ID: id, Type: JobRun, InputPath: "/m", Output: t.TempDir()}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case res := <-results:
			if res.Error != nil {
				t.Fatalf("job %s failed: %v", res.Job.ID, res.Error)
			}
			seen[res.Job.ID] = true
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out, got %v", seen)
		}
	}
	if n := len(sink.names()); n != 6 {
		t.Fatalf("expected 6 files from two runs, got %d", n)
	}
}
