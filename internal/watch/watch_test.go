package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"astropipe/internal/resource"
	"astropipe/internal/scan"
)

func TestWatcherRescansOnNewMaster(t *testing.T) {
	dir := t.TempDir()
	got := make(chan scan.Result, 4)
	w, err := New(dir, 50*time.Millisecond, slog.Default(), func(_ context.Context, res scan.Result) error {
		got <- res
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let the initial empty scan pass before adding a master.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "masterLight_FILTER-Ha_mono.xisf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-got:
		if len(res.Masters) != 1 || res.Masters[0].Label != resource.LabelHa {
			t.Fatalf("unexpected scan result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not stop")
	}
}

func TestNewMissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), 0, nil, nil)
	if err == nil {
		t.Fatalf("expected error for missing folder")
	}
}
